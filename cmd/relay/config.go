package main

import "time"

type Config struct {
	Host            string        `env:"HOST,default=0.0.0.0"`
	Port            int           `env:"PORT,default=8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=INFO"`
	MaxConnections  int           `env:"MAX_CONNECTIONS,default=500"`
	MaxPerOrigin    int           `env:"MAX_PER_ORIGIN,default=8"`
	EventsPerWindow int           `env:"EVENTS_PER_WINDOW,default=50"`
	RateWindow      time.Duration `env:"RATE_WINDOW,default=1s"`
	MaxFrameBytes   int64         `env:"MAX_FRAME_BYTES,default=524288"`
	MaxChunkBytes   int           `env:"MAX_CHUNK_BYTES,default=262144"`
	RoomGrace       time.Duration `env:"ROOM_GRACE,default=10s"`
	MinVersion      int           `env:"MIN_VERSION,default=1"`
	LatestVersion   int           `env:"LATEST_VERSION,default=1"`
	StatsInterval   time.Duration `env:"STATS_INTERVAL,default=15s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=5s"`
}
