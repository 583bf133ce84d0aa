package models

import (
	"time"
)

// User platform account resolved from the registered wallet address
type User struct {
	ID            uint64  `json:"id" gorm:"primaryKey;autoIncrement"`
	ChatID        int64   `json:"chat_id" gorm:"uniqueIndex"`
	WalletAddress string  `json:"wallet_address" gorm:"size:42;uniqueIndex;not null"`
	ReferrerID    *uint64 `json:"referrer_id" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}

// DepositIntentStatus intent lifecycle status
type DepositIntentStatus string

const (
	DepositIntentStatusPending   DepositIntentStatus = "pending"
	DepositIntentStatusConfirmed DepositIntentStatus = "confirmed"
	DepositIntentStatusFailed    DepositIntentStatus = "failed"
	DepositIntentStatusCancelled DepositIntentStatus = "cancelled"
)

// DepositIntent a user's promise to send a fixed tier amount to the collection address
type DepositIntent struct {
	ID     uint64              `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID uint64              `json:"user_id" gorm:"index;not null"`
	Tier   int                 `json:"tier" gorm:"not null;index"`
	Amount float64             `json:"amount" gorm:"not null"` // token units
	Status DepositIntentStatus `json:"status" gorm:"size:20;not null;default:pending;index"`

	// Attached once a matching on-chain transfer is observed
	TxHash      *string `json:"tx_hash" gorm:"size:66;index"`
	BlockNumber uint64  `json:"block_number"`

	// Entry-tier yield cap: one uncompleted cycle per user
	CapAmount    float64 `json:"cap_amount"`
	CapPaid      float64 `json:"cap_paid"`
	CapCompleted bool    `json:"cap_completed" gorm:"default:false"`

	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ConfirmedAt *time.Time `json:"confirmed_at"`
}

// TableName specifies the table name for DepositIntent
func (DepositIntent) TableName() string {
	return "deposit_intents"
}

// IsEntryTier reports whether this intent belongs to the yield-capped entry tier.
func (d *DepositIntent) IsEntryTier() bool {
	return d.Tier == 1
}

// InitializeCap sets the yield cap on confirmation. Only entry-tier intents
// carry a cap; higher tiers pay out uncapped.
func (d *DepositIntent) InitializeCap(multiplier float64) {
	if !d.IsEntryTier() {
		return
	}
	if multiplier <= 0 {
		multiplier = 5
	}
	d.CapAmount = d.Amount * multiplier
}

// RemainingCap returns how much yield the intent can still receive.
func (d *DepositIntent) RemainingCap() float64 {
	if !d.IsEntryTier() {
		return 0
	}
	remaining := d.CapAmount - d.CapPaid
	if remaining < 0 {
		return 0
	}
	return remaining
}

// LedgerTransactionType transfer direction
type LedgerTransactionType string

const (
	LedgerTransactionTypeDeposit LedgerTransactionType = "deposit"
	LedgerTransactionTypePayout  LedgerTransactionType = "payout"
)

// LedgerTransactionStatus ledger row status
type LedgerTransactionStatus string

const (
	LedgerTransactionStatusPending             LedgerTransactionStatus = "pending"
	LedgerTransactionStatusPendingConfirmation LedgerTransactionStatus = "pending_confirmation"
	LedgerTransactionStatusConfirmed           LedgerTransactionStatus = "confirmed"
	LedgerTransactionStatusFailed              LedgerTransactionStatus = "failed"
)

// LedgerTransaction immutable record of one observed on-chain transfer.
// TxHash is the idempotency key: the unique index is the second line of
// defense after the in-code existence check.
type LedgerTransaction struct {
	ID          uint64                  `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID      *uint64                 `json:"user_id" gorm:"index"`
	TxHash      string                  `json:"tx_hash" gorm:"size:66;uniqueIndex;not null"`
	Type        LedgerTransactionType   `json:"type" gorm:"size:20;not null"`
	Amount      float64                 `json:"amount" gorm:"not null"`
	FromAddress string                  `json:"from_address" gorm:"size:42"`
	ToAddress   string                  `json:"to_address" gorm:"size:42"`
	BlockNumber uint64                  `json:"block_number" gorm:"index"`
	Status      LedgerTransactionStatus `json:"status" gorm:"size:30;not null;index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for LedgerTransaction
func (LedgerTransaction) TableName() string {
	return "ledger_transactions"
}

// ReferralEarningStatus referral crediting status
type ReferralEarningStatus string

const (
	ReferralEarningStatusPending ReferralEarningStatus = "pending"
	ReferralEarningStatusPaid    ReferralEarningStatus = "paid"
)

// ReferralEarning downstream credit created when a deposit confirms
type ReferralEarning struct {
	ID             uint64                `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID         uint64                `json:"user_id" gorm:"index;not null"`
	SourceIntentID uint64                `json:"source_intent_id" gorm:"index;not null"`
	Level          int                   `json:"level" gorm:"not null"`
	Amount         float64               `json:"amount" gorm:"not null"`
	Status         ReferralEarningStatus `json:"status" gorm:"size:20;not null;default:pending"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for ReferralEarning
func (ReferralEarning) TableName() string {
	return "referral_earnings"
}

// PlatformSetting key/value row consulted at call time so admin rotation
// of addresses takes effect without a restart
type PlatformSetting struct {
	Key       string    `json:"key" gorm:"primaryKey;size:64"`
	Value     string    `json:"value" gorm:"type:text;not null"`
	UpdatedBy string    `json:"updated_by" gorm:"size:64"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for PlatformSetting
func (PlatformSetting) TableName() string {
	return "platform_settings"
}

// Well-known platform setting keys
const (
	SettingCollectionAddress = "collection_address"
	SettingPayoutAddress     = "payout_address"
	SettingMaxOpenTier       = "max_open_tier"
)
