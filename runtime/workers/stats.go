package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"cloak/contract"
	"cloak/relay"
)

const defaultStatsInterval = 15 * time.Second

// StatsWorker periodically samples the relay process's own RSS and CPU
// usage and publishes them into the stats surface served by get-stats.
type StatsWorker struct {
	log      *slog.Logger
	stats    *relay.Stats
	interval time.Duration
}

// NewStatsWorker clamps a non-positive interval to the default so a
// misconfigured STATS_INTERVAL cannot panic the ticker at startup.
func NewStatsWorker(log *slog.Logger, stats *relay.Stats, interval time.Duration) *StatsWorker {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &StatsWorker{log: log, stats: stats, interval: interval}
}

var _ contract.Worker = (*StatsWorker)(nil)

func (w *StatsWorker) Run(ctx context.Context) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping stats sampling")
			return nil
		case <-ticker.C:
			mem, err := proc.MemoryInfo()
			if err != nil {
				w.log.Error("Error while reading process memory", "err", err)
				continue
			}
			cpu, err := proc.CPUPercent()
			if err != nil {
				w.log.Error("Error while reading process cpu usage", "err", err)
				continue
			}
			w.stats.SetProcess(mem.RSS, cpu)
		}
	}
}
