package lockmanager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"custody-backend/internal/depositerrors"
	"custody-backend/internal/metrics"
	"custody-backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type waitKind int

const (
	waitTimeout waitKind = iota
	waitNone
	waitSkip
)

// WaitStrategy is the closed set of row-lock acquisition behaviors. Callers
// pick one of the three constructors; there is no way to express anything
// else, so every lock site in the codebase is auditable against this file.
type WaitStrategy struct {
	kind    waitKind
	timeout time.Duration
}

// WaitWithTimeout blocks for the lock up to d, then fails with ErrLockTimeout.
func WaitWithTimeout(d time.Duration) WaitStrategy {
	if d <= 0 {
		d = 3 * time.Second
	}
	return WaitStrategy{kind: waitTimeout, timeout: d}
}

// NoWait fails immediately with ErrLockTimeout if the row is held.
var NoWait = WaitStrategy{kind: waitNone}

// SkipLocked silently passes over held rows; fn receives nil for them.
var SkipLocked = WaitStrategy{kind: waitSkip}

func (s WaitStrategy) String() string {
	switch s.kind {
	case waitNone:
		return "nowait"
	case waitSkip:
		return "skip_locked"
	default:
		return fmt.Sprintf("timeout_%s", s.timeout)
	}
}

// Manager serializes access to contended rows (deposit intents, users,
// platform settings) through Postgres row locks inside short transactions.
type Manager struct {
	db    *gorm.DB
	stats *Stats
}

// New creates a lock manager over the shared database handle.
func New(db *gorm.DB) *Manager {
	return &Manager{db: db, stats: NewStats()}
}

// Stats exposes the acquisition counters for the admin surface.
func (m *Manager) Stats() *Stats {
	return m.stats
}

func (s WaitStrategy) apply(tx *gorm.DB) *gorm.DB {
	switch s.kind {
	case waitNone:
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "NOWAIT"})
	case waitSkip:
		return tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	default:
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
}

func (s WaitStrategy) prepare(tx *gorm.DB) error {
	if s.kind != waitTimeout {
		return nil
	}
	// SET LOCAL scopes the timeout to this transaction only
	ms := s.timeout.Milliseconds()
	return tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)).Error
}

// errSkipAcquire rolls back the aborted acquisition transaction; the caller
// then runs the callback with a nil row in a fresh one.
var errSkipAcquire = errors.New("lock acquisition skipped")

// classify translates an acquisition error into the package sentinel and
// records the outcome. A held-row rejection under a non-blocking strategy
// reports skipped=true instead of an error: the row being busy is the
// answer the caller asked for, not a failure.
func (m *Manager) classify(err error, strategy WaitStrategy, started time.Time) (skipped bool, outErr error) {
	elapsed := time.Since(started)
	m.stats.observe(elapsed)
	metrics.LockWaitDuration.Observe(elapsed.Seconds())

	if err == nil {
		m.stats.recordSuccess()
		if elapsed > auditThreshold {
			log.Printf("⚠️ Slow lock acquisition: %v (strategy=%s)", elapsed, strategy)
		}
		return false, nil
	}

	if depositerrors.IsLockTimeout(err) {
		if strategy.kind == waitNone || strategy.kind == waitSkip {
			m.stats.recordSkip()
			return true, nil
		}
		m.stats.recordTimeout()
		metrics.LockFailures.WithLabelValues("timeout").Inc()
		return false, fmt.Errorf("%w: strategy=%s elapsed=%v: %v", depositerrors.ErrLockTimeout, strategy, elapsed, err)
	}

	metrics.LockFailures.WithLabelValues("error").Inc()
	return false, err
}

// WithIntentLock locks one deposit intent row and runs fn inside the same
// transaction. fn receives nil when the row does not exist, or when NoWait
// or SkipLocked found it held; fn decides whether that is an error.
func (m *Manager) WithIntentLock(ctx context.Context, intentID uint64, strategy WaitStrategy, fn func(tx *gorm.DB, intent *models.DepositIntent) error) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := strategy.prepare(tx); err != nil {
			return err
		}

		m.stats.recordAttempt()
		started := time.Now()

		var intent models.DepositIntent
		err := strategy.apply(tx).Where("id = ?", intentID).First(&intent).Error
		if err == gorm.ErrRecordNotFound {
			m.stats.recordSkip()
			metrics.LockWaitDuration.Observe(time.Since(started).Seconds())
			return fn(tx, nil)
		}
		skipped, err := m.classify(err, strategy, started)
		if err != nil {
			return err
		}
		if skipped {
			// the rejection aborted this transaction, fn needs a fresh one
			return errSkipAcquire
		}
		return fn(tx, &intent)
	})
	if errors.Is(err, errSkipAcquire) {
		return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx, nil)
		})
	}
	return err
}

// WithUserLock locks one user row and runs fn inside the same transaction.
func (m *Manager) WithUserLock(ctx context.Context, userID uint64, strategy WaitStrategy, fn func(tx *gorm.DB, user *models.User) error) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := strategy.prepare(tx); err != nil {
			return err
		}

		m.stats.recordAttempt()
		started := time.Now()

		var user models.User
		err := strategy.apply(tx).Where("id = ?", userID).First(&user).Error
		if err == gorm.ErrRecordNotFound {
			m.stats.recordSkip()
			metrics.LockWaitDuration.Observe(time.Since(started).Seconds())
			return fn(tx, nil)
		}
		skipped, err := m.classify(err, strategy, started)
		if err != nil {
			return err
		}
		if skipped {
			return errSkipAcquire
		}
		return fn(tx, &user)
	})
	if errors.Is(err, errSkipAcquire) {
		return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(tx, nil)
		})
	}
	return err
}

// WithMultipleUserLocks locks several user rows in one transaction, always
// in ascending ID order so two concurrent callers can never deadlock on
// overlapping sets. Duplicate IDs are collapsed. The set is all-or-nothing:
// under NoWait a single held row fails the acquisition; use SkipLocked for
// partial sets.
func (m *Manager) WithMultipleUserLocks(ctx context.Context, userIDs []uint64, strategy WaitStrategy, fn func(tx *gorm.DB, users map[uint64]*models.User) error) error {
	ordered := sortedUniqueIDs(userIDs)

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := strategy.prepare(tx); err != nil {
			return err
		}

		users := make(map[uint64]*models.User, len(ordered))
		for _, id := range ordered {
			m.stats.recordAttempt()
			started := time.Now()

			var user models.User
			err := strategy.apply(tx).Where("id = ?", id).First(&user).Error
			if err == gorm.ErrRecordNotFound {
				m.stats.recordSkip()
				continue
			}
			skipped, err := m.classify(err, strategy, started)
			if err != nil {
				return err
			}
			if skipped {
				// the set is atomic; a held row under NoWait fails it whole
				return fmt.Errorf("%w: user %d held during multi-lock", depositerrors.ErrLockTimeout, id)
			}
			users[id] = &user
		}
		return fn(tx, users)
	})
}

// WithSettingLocks locks platform setting rows by key in canonical order and
// runs fn with the current values. Used by admin mutations that touch more
// than one setting atomically.
func (m *Manager) WithSettingLocks(ctx context.Context, keys []string, strategy WaitStrategy, fn func(tx *gorm.DB, settings map[string]*models.PlatformSetting) error) error {
	ordered := CanonicalKeyOrder(keys)

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := strategy.prepare(tx); err != nil {
			return err
		}

		settings := make(map[string]*models.PlatformSetting, len(ordered))
		for _, key := range ordered {
			m.stats.recordAttempt()
			started := time.Now()

			var setting models.PlatformSetting
			err := strategy.apply(tx).Where("key = ?", key).First(&setting).Error
			if err == gorm.ErrRecordNotFound {
				m.stats.recordSkip()
				continue
			}
			skipped, err := m.classify(err, strategy, started)
			if err != nil {
				return err
			}
			if skipped {
				return fmt.Errorf("%w: setting %q held during multi-lock", depositerrors.ErrLockTimeout, key)
			}
			settings[key] = &setting
		}
		return fn(tx, settings)
	})
}

// sortedUniqueIDs returns ids ascending with duplicates removed.
func sortedUniqueIDs(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CanonicalKeyOrder returns keys in the fixed acquisition order used for
// multi-row locks: numeric ascending when every key parses as an unsigned
// integer, lexical otherwise. Duplicates are removed.
func CanonicalKeyOrder(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}

	allNumeric := true
	nums := make(map[string]uint64, len(out))
	for _, k := range out {
		n, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			allNumeric = false
			break
		}
		nums[k] = n
	}

	if allNumeric {
		sort.Slice(out, func(i, j int) bool { return nums[out[i]] < nums[out[j]] })
	} else {
		sort.Strings(out)
	}
	return out
}
