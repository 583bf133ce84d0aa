package lockmanager

import (
	"sync"
	"time"
)

const (
	// acquisitions slower than this count as contention
	contentionThreshold = 1 * time.Second
	// acquisitions slower than this are logged for audit
	auditThreshold = 5 * time.Second
)

// LockStats is a point-in-time snapshot of lock acquisition behavior.
type LockStats struct {
	Attempts    uint64 `json:"attempts"`
	Successes   uint64 `json:"successes"`
	Timeouts    uint64 `json:"timeouts"`
	Skips       uint64 `json:"skips"`
	Contended   uint64 `json:"contended"`    // waited longer than 1s
	Audited     uint64 `json:"audited"`      // waited longer than 5s
	MaxWaitMs   int64  `json:"max_wait_ms"`  // slowest acquisition since reset
	TotalWaitMs int64  `json:"total_wait_ms"`
}

// Stats accumulates lock acquisition counters. Safe for concurrent use.
type Stats struct {
	mu    sync.Mutex
	stats LockStats
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{}
}

func (s *Stats) recordAttempt() {
	s.mu.Lock()
	s.stats.Attempts++
	s.mu.Unlock()
}

func (s *Stats) recordSuccess() {
	s.mu.Lock()
	s.stats.Successes++
	s.mu.Unlock()
}

func (s *Stats) recordTimeout() {
	s.mu.Lock()
	s.stats.Timeouts++
	s.mu.Unlock()
}

func (s *Stats) recordSkip() {
	s.mu.Lock()
	s.stats.Skips++
	s.mu.Unlock()
}

func (s *Stats) observe(wait time.Duration) {
	ms := wait.Milliseconds()
	s.mu.Lock()
	s.stats.TotalWaitMs += ms
	if ms > s.stats.MaxWaitMs {
		s.stats.MaxWaitMs = ms
	}
	if wait > contentionThreshold {
		s.stats.Contended++
	}
	if wait > auditThreshold {
		s.stats.Audited++
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() LockStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset zeroes all counters and returns the values as of the reset.
func (s *Stats) Reset() LockStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.stats
	s.stats = LockStats{}
	return prev
}
