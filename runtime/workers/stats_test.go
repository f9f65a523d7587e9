package workers

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cloak/relay"
)

func TestStatsWorker_ZeroIntervalFallsBackToDefault(t *testing.T) {
	req := require.New(t)

	// A misconfigured interval must not panic the ticker on start
	worker := NewStatsWorker(slog.Default(), relay.NewStats(), 0)
	req.Equal(defaultStatsInterval, worker.interval)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req.NotPanics(func() {
		req.NoError(worker.Run(ctx))
	})
}

func TestStatsWorker_NegativeIntervalFallsBackToDefault(t *testing.T) {
	req := require.New(t)

	worker := NewStatsWorker(slog.Default(), relay.NewStats(), -time.Second)
	req.Equal(defaultStatsInterval, worker.interval)
}
