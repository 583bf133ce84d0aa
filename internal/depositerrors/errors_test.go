package depositerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicate(t *testing.T) {
	assert.True(t, IsDuplicate(&pq.Error{Code: "23505"}))
	assert.True(t, IsDuplicate(fmt.Errorf("wrapped: %w", ErrDuplicateTransaction)))
	assert.True(t, IsDuplicate(errors.New(`pq: duplicate key value violates unique constraint "idx_tx_hash"`)))
	assert.True(t, IsDuplicate(fmt.Errorf("create: %w", gorm.ErrDuplicatedKey)), "gorm error translation surfaces its own sentinel")

	assert.False(t, IsDuplicate(nil))
	assert.False(t, IsDuplicate(&pq.Error{Code: "55P03"}))
	assert.False(t, IsDuplicate(errors.New("connection refused")))
}

func TestIsLockTimeout(t *testing.T) {
	assert.True(t, IsLockTimeout(&pq.Error{Code: "55P03"}))
	assert.True(t, IsLockTimeout(&pq.Error{Code: "40P01"}))
	assert.True(t, IsLockTimeout(fmt.Errorf("attach: %w", ErrLockTimeout)))
	assert.True(t, IsLockTimeout(errors.New("pq: deadlock detected")))

	assert.False(t, IsLockTimeout(nil))
	assert.False(t, IsLockTimeout(&pq.Error{Code: "23505"}))
}

func TestIsSerializationConflict(t *testing.T) {
	assert.True(t, IsSerializationConflict(&pq.Error{Code: "40001"}))
	assert.True(t, IsSerializationConflict(&pq.Error{Code: "40P01"}))
	assert.True(t, IsSerializationConflict(errors.New("pq: could not serialize access")))

	assert.False(t, IsSerializationConflict(nil))
	assert.False(t, IsSerializationConflict(&pq.Error{Code: "23505"}))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrNodeUnavailable))
	assert.True(t, IsRetryable(fmt.Errorf("send: %w", ErrInsufficientBalance)))
	assert.True(t, IsRetryable(errors.New("i/o timeout")))

	// terminal outcomes must not burn retry attempts forever
	assert.False(t, IsRetryable(fmt.Errorf("payout: %w", ErrOnChainRevert)))
	assert.False(t, IsRetryable(ErrAmountMismatch))
	assert.False(t, IsRetryable(nil))
}
