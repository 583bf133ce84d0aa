package depositerrors

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Sentinel errors for the deposit/payment core. Callers classify with the
// helpers below instead of matching strings at call sites.
var (
	ErrNodeUnavailable      = errors.New("chain node unavailable")
	ErrLockTimeout          = errors.New("lock wait timeout")
	ErrDuplicateTransaction = errors.New("duplicate ledger transaction")
	ErrAmountMismatch       = errors.New("transfer amount matches no tier")
	ErrInsufficientBalance  = errors.New("insufficient payout balance")
	ErrOnChainRevert        = errors.New("transaction reverted on chain")
	ErrMaxRetriesExceeded   = errors.New("max retries exceeded")
)

// Postgres error codes the lock manager and ledger writes care about.
const (
	pgCodeLockNotAvailable = "55P03"
	pgCodeDeadlockDetected = "40P01"
	pgCodeUniqueViolation  = "23505"
	pgCodeSerialization    = "40001"
)

// IsDuplicate reports whether err is a unique-constraint violation on insert
// (or the wrapped sentinel). A second observation of the same tx hash lands
// here and must be treated as a benign no-op.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateTransaction) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgCodeUniqueViolation
	}
	// GORM surfaces driver errors from some paths as plain strings
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, pgCodeUniqueViolation)
}

// IsLockTimeout reports whether err indicates lock-wait expiry or a deadlock.
func IsLockTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockTimeout) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgCodeLockNotAvailable || string(pqErr.Code) == pgCodeDeadlockDetected
	}
	msg := err.Error()
	return strings.Contains(msg, "lock timeout") || strings.Contains(msg, pgCodeLockNotAvailable) ||
		strings.Contains(msg, "deadlock detected")
}

// IsSerializationConflict reports whether a store transaction should be
// retried at the transaction level.
func IsSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return code == pgCodeSerialization || code == pgCodeDeadlockDetected
	}
	msg := err.Error()
	return strings.Contains(msg, "could not serialize") || strings.Contains(msg, "deadlock detected")
}

// IsRetryable classifies a payment failure for the retry engine. On-chain
// reverts and amount mismatches are terminal; connectivity and balance
// problems are worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOnChainRevert) || errors.Is(err, ErrAmountMismatch) {
		return false
	}
	return true
}
