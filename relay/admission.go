package relay

import (
	"sync"
	"time"

	"cloak/errors"
)

// Gatekeeper enforces the connection caps. Both layers fail closed:
// over-capacity connections get a rejection notice, then disconnect.
type Gatekeeper struct {
	mu           sync.Mutex
	maxConns     int
	maxPerOrigin int
	total        int
	perOrigin    map[string]int
}

func NewGatekeeper(maxConns, maxPerOrigin int) *Gatekeeper {
	return &Gatekeeper{
		maxConns:     maxConns,
		maxPerOrigin: maxPerOrigin,
		perOrigin:    make(map[string]int),
	}
}

// Admit reserves a slot for a connection from the given origin address.
// Every successful Admit must be paired with a Release.
func (g *Gatekeeper) Admit(origin string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.total >= g.maxConns {
		return errors.ErrServerFull
	}
	if g.perOrigin[origin] >= g.maxPerOrigin {
		return errors.ErrOriginFull
	}
	g.total++
	g.perOrigin[origin]++
	return nil
}

func (g *Gatekeeper) Release(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.total > 0 {
		g.total--
	}
	if g.perOrigin[origin] > 1 {
		g.perOrigin[origin]--
	} else {
		delete(g.perOrigin, origin)
	}
}

func (g *Gatekeeper) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// RateLimiter is a fixed-window event counter, one per connection.
// Events beyond the limit inside the window are dropped, not queued:
// senders retry at a higher level, the transport guarantees nothing.
type RateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	count       int
	windowStart time.Time
	now         func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, now: time.Now}
}

// Allow consumes one slot in the current window.
func (l *RateLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}

// VersionVerdict classifies a declared client version.
type VersionVerdict int

const (
	VersionOK VersionVerdict = iota
	VersionOutdated
	VersionRejected
)

// VersionGate sits in front of admission: clients below Min are told to
// upgrade and disconnected; clients below Latest are let in with a
// notice.
type VersionGate struct {
	Min    int
	Latest int
}

func (g VersionGate) Check(version int) VersionVerdict {
	switch {
	case version < g.Min:
		return VersionRejected
	case version < g.Latest:
		return VersionOutdated
	default:
		return VersionOK
	}
}
