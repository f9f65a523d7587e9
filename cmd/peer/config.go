package main

// Config is read from CLOAK_* environment variables.
type Config struct {
	RelayURL    string `envconfig:"RELAY_URL" default:"ws://localhost:8080/ws"`
	Username    string `envconfig:"USERNAME" required:"true"`
	Room        string `envconfig:"ROOM" default:"lobby"`
	DataDir     string `envconfig:"DATA_DIR" default:".cloak"`
	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"downloads"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"WARN"`
	Version     int    `envconfig:"VERSION" default:"1"`
}
