package models

import (
	"time"
)

// PaymentRetryRecordStatus retry record status
type PaymentRetryRecordStatus string

const (
	PaymentRetryStatusPending   PaymentRetryRecordStatus = "pending"   // waiting for next attempt
	PaymentRetryStatusRetrying  PaymentRetryRecordStatus = "retrying"  // attempt in flight
	PaymentRetryStatusSucceeded PaymentRetryRecordStatus = "succeeded" // payout landed on chain
	PaymentRetryStatusDLQ       PaymentRetryRecordStatus = "dlq"       // exhausted automatic retry, needs operator
	PaymentRetryStatusResolved  PaymentRetryRecordStatus = "resolved"  // operator closed without resend
)

// PaymentRetryPayoutType originating payout request kind
type PaymentRetryPayoutType string

const (
	PaymentRetryPayoutTypeReferral   PaymentRetryPayoutType = "referral"
	PaymentRetryPayoutTypeWithdrawal PaymentRetryPayoutType = "withdrawal"
)

// PaymentRetryRecord tracks a payout that could not be sent synchronously
type PaymentRetryRecord struct {
	ID         string                 `json:"id" gorm:"primaryKey"` // UUID
	PayoutType PaymentRetryPayoutType `json:"payout_type" gorm:"size:20;not null"`
	PayoutRef  string                 `json:"payout_ref" gorm:"size:64;index;not null"` // originating request id

	ToAddress string  `json:"to_address" gorm:"size:42;not null"`
	Amount    float64 `json:"amount" gorm:"not null"`

	AttemptCount int       `json:"attempt_count" gorm:"default:0"`
	MaxAttempts  int       `json:"max_attempts" gorm:"default:5"`
	NextRetryAt  time.Time `json:"next_retry_at" gorm:"index"`

	Status    PaymentRetryRecordStatus `json:"status" gorm:"size:20;not null;default:pending;index"`
	LastError string                   `json:"last_error" gorm:"type:text"`
	TxHash    string                   `json:"tx_hash" gorm:"size:66"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}

// TableName specifies the table name for PaymentRetryRecord
func (PaymentRetryRecord) TableName() string {
	return "payment_retry_records"
}

// NextBackoff returns the delay before the given attempt number using the
// fixed ascending table; attempts past the end of the table reuse the last entry.
func NextBackoff(table []time.Duration, attempt int) time.Duration {
	if len(table) == 0 {
		return time.Minute
	}
	idx := attempt
	if idx < 0 {
		idx = 0
	}
	if idx >= len(table) {
		idx = len(table) - 1
	}
	return table[idx]
}

// IncrementAttempt records a failed attempt and schedules the next one,
// moving the record to DLQ once the attempt budget is spent.
func (r *PaymentRetryRecord) IncrementAttempt(errorMsg string, backoff []time.Duration) {
	r.AttemptCount++
	r.LastError = errorMsg

	if r.AttemptCount >= r.MaxAttempts {
		r.Status = PaymentRetryStatusDLQ
		now := time.Now()
		r.ResolvedAt = &now
		return
	}

	r.Status = PaymentRetryStatusPending
	r.NextRetryAt = time.Now().Add(NextBackoff(backoff, r.AttemptCount-1))
}

// MarkSucceeded closes the record after a successful send.
func (r *PaymentRetryRecord) MarkSucceeded(txHash string) {
	r.Status = PaymentRetryStatusSucceeded
	r.TxHash = txHash
	now := time.Now()
	r.ResolvedAt = &now
}

// Rearm is the explicit operator action that pulls a record out of the DLQ:
// the attempt budget is reset and the record re-enters pending immediately.
func (r *PaymentRetryRecord) Rearm() {
	r.Status = PaymentRetryStatusPending
	r.AttemptCount = 0
	r.NextRetryAt = time.Now()
	r.ResolvedAt = nil
}

// Due reports whether the record is eligible for a retry attempt.
func (r *PaymentRetryRecord) Due(now time.Time) bool {
	return r.Status == PaymentRetryStatusPending && !now.Before(r.NextRetryAt)
}
