package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cloak/errors"
)

func TestGatekeeper_TotalCap(t *testing.T) {
	req := require.New(t)
	gate := NewGatekeeper(2, 10)

	req.NoError(gate.Admit("10.0.0.1"))
	req.NoError(gate.Admit("10.0.0.2"))
	req.ErrorIs(gate.Admit("10.0.0.3"), errors.ErrServerFull)

	// Releasing a slot re-opens admission
	gate.Release("10.0.0.1")
	req.NoError(gate.Admit("10.0.0.3"))
	req.Equal(2, gate.Active())
}

func TestGatekeeper_PerOriginCap(t *testing.T) {
	req := require.New(t)
	gate := NewGatekeeper(100, 2)

	req.NoError(gate.Admit("10.0.0.1"))
	req.NoError(gate.Admit("10.0.0.1"))
	req.ErrorIs(gate.Admit("10.0.0.1"), errors.ErrOriginFull)

	// Other origins are unaffected
	req.NoError(gate.Admit("10.0.0.2"))

	gate.Release("10.0.0.1")
	req.NoError(gate.Admit("10.0.0.1"))
}

func TestRateLimiter_WindowDropsExcess(t *testing.T) {
	req := require.New(t)
	base := time.Now()
	clock := base
	limiter := NewRateLimiter(5, time.Second)
	limiter.now = func() time.Time { return clock }

	// Given 6 events inside one window, exactly 5 pass
	allowed := 0
	for i := 0; i < 6; i++ {
		if limiter.Allow() {
			allowed++
		}
	}
	req.Equal(5, allowed)

	// When the window rolls over, the budget resets
	clock = base.Add(time.Second)
	req.True(limiter.Allow())
}

func TestRateLimiter_PartialWindowKeepsCounting(t *testing.T) {
	req := require.New(t)
	base := time.Now()
	clock := base
	limiter := NewRateLimiter(2, time.Second)
	limiter.now = func() time.Time { return clock }

	req.True(limiter.Allow())
	clock = base.Add(500 * time.Millisecond)
	req.True(limiter.Allow())
	req.False(limiter.Allow())
}

func TestVersionGate_Verdicts(t *testing.T) {
	req := require.New(t)
	gate := VersionGate{Min: 3, Latest: 5}

	req.Equal(VersionRejected, gate.Check(2))
	req.Equal(VersionOutdated, gate.Check(3))
	req.Equal(VersionOutdated, gate.Check(4))
	req.Equal(VersionOK, gate.Check(5))
	req.Equal(VersionOK, gate.Check(7))
}
