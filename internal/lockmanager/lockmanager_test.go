package lockmanager

import (
	"testing"
	"time"

	"custody-backend/internal/depositerrors"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalKeyOrderNumeric(t *testing.T) {
	got := CanonicalKeyOrder([]string{"42", "7", "100", "7"})
	assert.Equal(t, []string{"7", "42", "100"}, got, "numeric keys sort by value, not lexically")
}

func TestCanonicalKeyOrderLexicalFallback(t *testing.T) {
	got := CanonicalKeyOrder([]string{"payout_address", "collection_address", "10"})
	assert.Equal(t, []string{"10", "collection_address", "payout_address"}, got)
}

func TestCanonicalKeyOrderDeterministic(t *testing.T) {
	a := CanonicalKeyOrder([]string{"3", "1", "2"})
	b := CanonicalKeyOrder([]string{"2", "3", "1"})
	assert.Equal(t, a, b, "acquisition order must not depend on input order")
}

func TestSortedUniqueIDs(t *testing.T) {
	got := sortedUniqueIDs([]uint64{9, 1, 5, 1, 9})
	assert.Equal(t, []uint64{1, 5, 9}, got)
}

func TestWaitStrategyString(t *testing.T) {
	assert.Equal(t, "nowait", NoWait.String())
	assert.Equal(t, "skip_locked", SkipLocked.String())
	assert.Equal(t, "timeout_1.5s", WaitWithTimeout(1500*time.Millisecond).String())
}

func TestWaitWithTimeoutDefault(t *testing.T) {
	s := WaitWithTimeout(0)
	assert.Equal(t, "timeout_3s", s.String(), "non-positive timeout falls back to 3s")
}

func TestClassifyNoWaitRejectionIsSkip(t *testing.T) {
	m := &Manager{stats: NewStats()}

	skipped, err := m.classify(&pq.Error{Code: "55P03"}, NoWait, time.Now())
	assert.NoError(t, err, "a held row under nowait is an answer, not a failure")
	assert.True(t, skipped)

	snap := m.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Skips)
	assert.Equal(t, uint64(0), snap.Timeouts)
}

func TestClassifyTimeoutStrategyStillRaises(t *testing.T) {
	m := &Manager{stats: NewStats()}

	skipped, err := m.classify(&pq.Error{Code: "55P03"}, WaitWithTimeout(time.Second), time.Now())
	assert.False(t, skipped)
	assert.ErrorIs(t, err, depositerrors.ErrLockTimeout)

	snap := m.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Timeouts)
	assert.Equal(t, uint64(0), snap.Skips)
}

func TestClassifyDeadlockUnderTimeout(t *testing.T) {
	m := &Manager{stats: NewStats()}

	skipped, err := m.classify(&pq.Error{Code: "40P01"}, WaitWithTimeout(time.Second), time.Now())
	assert.False(t, skipped)
	assert.ErrorIs(t, err, depositerrors.ErrLockTimeout)
}

func TestClassifyUnrelatedErrorPassesThrough(t *testing.T) {
	m := &Manager{stats: NewStats()}

	skipped, err := m.classify(&pq.Error{Code: "23505"}, NoWait, time.Now())
	assert.False(t, skipped)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, depositerrors.ErrLockTimeout)
}

func TestStatsCounters(t *testing.T) {
	s := NewStats()
	s.recordAttempt()
	s.recordAttempt()
	s.recordSuccess()
	s.recordTimeout()
	s.observe(10 * time.Millisecond)
	s.observe(2 * time.Second)
	s.observe(6 * time.Second)

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Attempts)
	assert.Equal(t, uint64(1), snap.Successes)
	assert.Equal(t, uint64(1), snap.Timeouts)
	assert.Equal(t, uint64(2), snap.Contended, "waits above 1s count as contention")
	assert.Equal(t, uint64(1), snap.Audited, "only the 6s wait crosses the audit threshold")
	assert.Equal(t, int64(6000), snap.MaxWaitMs)
}

func TestStatsReset(t *testing.T) {
	s := NewStats()
	s.recordAttempt()
	s.recordSuccess()

	prev := s.Reset()
	assert.Equal(t, uint64(1), prev.Attempts)

	snap := s.Snapshot()
	assert.Equal(t, uint64(0), snap.Attempts)
	assert.Equal(t, uint64(0), snap.Successes)
}
