package relay

import (
	"sync"
	"time"
)

// Stats aggregates the observability counters served by get-stats.
type Stats struct {
	mu          sync.Mutex
	startTime   time.Time
	totalVisits int64
	rssBytes    uint64
	cpuPercent  float64
}

type StatsSnapshot struct {
	StartTime   time.Time
	TotalVisits int64
	RSSBytes    uint64
	CPUPercent  float64
}

func NewStats() *Stats {
	return &Stats{startTime: time.Now().UTC()}
}

// RecordVisit counts one successful registration.
func (s *Stats) RecordVisit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalVisits++
}

// SetProcess stores the latest process self-metrics sampled by the
// stats worker.
func (s *Stats) SetProcess(rssBytes uint64, cpuPercent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rssBytes = rssBytes
	s.cpuPercent = cpuPercent
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		StartTime:   s.startTime,
		TotalVisits: s.totalVisits,
		RSSBytes:    s.rssBytes,
		CPUPercent:  s.cpuPercent,
	}
}
