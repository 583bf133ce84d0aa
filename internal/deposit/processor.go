package deposit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"custody-backend/internal/chain"
	"custody-backend/internal/config"
	"custody-backend/internal/depositerrors"
	"custody-backend/internal/lockmanager"
	"custody-backend/internal/metrics"
	"custody-backend/internal/models"
	"custody-backend/internal/notify"
	"custody-backend/internal/settings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"
)

const (
	// a transfer matches a tier when within this absolute distance
	amountTolerance = 0.01
	// matches farther out than this still pass but get an audit log
	auditBand = 0.005

	// bounded retry for attach races between live stream and catch-up
	attachMaxAttempts = 3
)

// errIntentGone signals the locked candidate was taken by a concurrent
// attach between the candidate query and the lock; the caller picks the
// next candidate.
var errIntentGone = errors.New("candidate intent no longer attachable")

// PayoutRequester hands a payout to the payment engine. Failures there are
// the engine's problem; deposit confirmation never blocks on payout success.
type PayoutRequester interface {
	RequestPayout(ctx context.Context, payoutType models.PaymentRetryPayoutType, ref string, toAddress string, amount float64) error
}

// ChainReader is the slice of chain access the deposit pipeline consumes.
type ChainReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TokenDecimals(ctx context.Context) (uint8, error)
	FilterTransfers(ctx context.Context, collection common.Address, fromBlock, toBlock uint64) ([]chain.TransferEvent, error)
}

// IntentLocker serializes row access for intents and users.
type IntentLocker interface {
	WithIntentLock(ctx context.Context, intentID uint64, strategy lockmanager.WaitStrategy, fn func(tx *gorm.DB, intent *models.DepositIntent) error) error
	WithUserLock(ctx context.Context, userID uint64, strategy lockmanager.WaitStrategy, fn func(tx *gorm.DB, user *models.User) error) error
}

// Referral commission rates by level above the depositor.
var referralRates = []float64{0.05, 0.02}

// Processor turns observed on-chain transfers into ledger rows and intent
// attachments. Every entry point is idempotent on tx hash: the live stream,
// the historical catch-up, and forensic recovery all funnel through
// OnTransfer and may hand it the same transfer more than once.
type Processor struct {
	db       *gorm.DB
	client   ChainReader
	locks    IntentLocker
	notifier notify.Notifier
	settings *settings.Reader
	payouts  PayoutRequester
	cfg      *config.DepositConfig
}

func NewProcessor(db *gorm.DB, client ChainReader, locks IntentLocker, notifier notify.Notifier, reader *settings.Reader, payouts PayoutRequester, cfg *config.DepositConfig) *Processor {
	return &Processor{
		db:       db,
		client:   client,
		locks:    locks,
		notifier: notifier,
		settings: reader,
		payouts:  payouts,
		cfg:      cfg,
	}
}

// OnTransfer processes one transfer into the collection address.
func (p *Processor) OnTransfer(ctx context.Context, ev chain.TransferEvent) error {
	txHash := ev.TxHash.Hex()

	// Step 1: tx hash already in the ledger means this observation is a
	// replay (stream + catch-up overlap, recovery rescan). Benign no-op.
	var existing models.LedgerTransaction
	err := p.db.WithContext(ctx).Where("tx_hash = ?", txHash).First(&existing).Error
	if err == nil {
		log.Printf("⏭️ Transfer %s already ledgered (id=%d), skipping", txHash, existing.ID)
		return nil
	}
	if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("ledger lookup for %s: %w", txHash, err)
	}

	decimals, err := p.client.TokenDecimals(ctx)
	if err != nil {
		return fmt.Errorf("decimals unavailable for %s: %w", txHash, err)
	}
	amount := chain.ToUnits(ev.Value, decimals)

	// Step 2: transfers from unregistered wallets are kept for audit but
	// cannot be credited to anyone.
	var user models.User
	err = p.db.WithContext(ctx).Where("LOWER(wallet_address) = LOWER(?)", ev.From.Hex()).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		log.Printf("⚠️ Orphan transfer %s: no user for wallet %s (%.6f)", txHash, ev.From.Hex(), amount)
		return p.recordOrphan(ctx, nil, amount, ev, models.LedgerTransactionStatusPending)
	}
	if err != nil {
		return fmt.Errorf("user lookup for %s: %w", txHash, err)
	}

	// Step 3: amount must sit within tolerance of exactly one tier. A
	// mismatch is a terminal outcome for this transfer, the ledger row goes
	// in as failed so the audit trail shows the rejection.
	tier, matched, deviation := p.matchTier(amount)
	if !matched {
		log.Printf("⚠️ Transfer %s from user %d: %v (%.6f)", txHash, user.ID, depositerrors.ErrAmountMismatch, amount)
		return p.recordOrphan(ctx, &user.ID, amount, ev, models.LedgerTransactionStatusFailed)
	}
	if deviation > 0 {
		log.Printf("🔍 AUDIT: transfer %s matched tier %d at %.6f, off nominal %.6f by %.6f",
			txHash, tier, amount, p.cfg.TierAmounts[tier], deviation)
		if deviation > auditBand {
			p.notifier.AlertAmountDeviation(user.ID, txHash, amount, p.cfg.TierAmounts[tier])
		}
	}

	// Step 4: attach to the oldest unfunded intent for this user and tier.
	err = p.attachWithRetry(ctx, &user, tier, amount, ev)
	if depositerrors.IsDuplicate(err) {
		// lost the insert race to a concurrent observation of the same hash
		log.Printf("⏭️ Transfer %s ledgered concurrently, skipping", txHash)
		return nil
	}
	return err
}

func (p *Processor) attachWithRetry(ctx context.Context, user *models.User, tier int, amount float64, ev chain.TransferEvent) error {
	var err error
	for attempt := 1; attempt <= attachMaxAttempts; attempt++ {
		err = p.attachToIntent(ctx, user, tier, amount, ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, errIntentGone) || depositerrors.IsSerializationConflict(err) || depositerrors.IsLockTimeout(err) {
			log.Printf("🔄 Attach retry %d/%d for %s: %v", attempt, attachMaxAttempts, ev.TxHash.Hex(), err)
			continue
		}
		return err
	}
	return fmt.Errorf("attach for %s gave up after %d attempts: %w", ev.TxHash.Hex(), attachMaxAttempts, err)
}

// attachToIntent binds the transfer to the user's oldest unfunded pending
// intent of the matched tier, creating the ledger row in the same
// transaction as the intent update.
func (p *Processor) attachToIntent(ctx context.Context, user *models.User, tier int, amount float64, ev chain.TransferEvent) error {
	var candidate models.DepositIntent
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND tier = ? AND status = ? AND tx_hash IS NULL",
			user.ID, tier, models.DepositIntentStatusPending).
		Order("created_at ASC").
		First(&candidate).Error
	if err == gorm.ErrRecordNotFound {
		log.Printf("⚠️ Transfer %s matched tier %d for user %d but no open intent exists", ev.TxHash.Hex(), tier, user.ID)
		return p.recordOrphan(ctx, &user.ID, amount, ev, models.LedgerTransactionStatusPending)
	}
	if err != nil {
		return fmt.Errorf("candidate intent query: %w", err)
	}

	var attachedID uint64
	err = p.locks.WithIntentLock(ctx, candidate.ID, lockmanager.WaitWithTimeout(3*time.Second), func(tx *gorm.DB, intent *models.DepositIntent) error {
		// revalidate under the lock; a concurrent attach may have won
		if intent == nil || intent.Status != models.DepositIntentStatusPending || intent.TxHash != nil {
			return errIntentGone
		}

		txHash := ev.TxHash.Hex()
		ledger := models.LedgerTransaction{
			UserID:      &user.ID,
			TxHash:      txHash,
			Type:        models.LedgerTransactionTypeDeposit,
			Amount:      amount,
			FromAddress: ev.From.Hex(),
			ToAddress:   ev.To.Hex(),
			BlockNumber: ev.BlockNumber,
			Status:      models.LedgerTransactionStatusPendingConfirmation,
		}
		if err := tx.Create(&ledger).Error; err != nil {
			return err
		}

		intent.TxHash = &txHash
		intent.BlockNumber = ev.BlockNumber
		if err := tx.Save(intent).Error; err != nil {
			return err
		}

		attachedID = intent.ID
		return nil
	})
	if err != nil {
		return err
	}

	metrics.DepositsMatched.WithLabelValues(strconv.Itoa(tier)).Inc()
	log.Printf("✅ Transfer %s attached to intent %d (user=%d tier=%d amount=%.6f block=%d)",
		ev.TxHash.Hex(), attachedID, user.ID, tier, amount, ev.BlockNumber)

	// after commit only; a rolled-back attach must not message the user
	p.notifier.NotifyDepositPending(user.ID, attachedID, ev.TxHash.Hex(), amount)
	return nil
}

// recordOrphan writes a ledger row with no intent attached so the funds are
// visible to support tooling. Tier mismatches come in as failed (the
// transfer can never credit anyone); unknown wallets and missing intents
// stay pending for manual review. Idempotent on tx hash like everything else.
func (p *Processor) recordOrphan(ctx context.Context, userID *uint64, amount float64, ev chain.TransferEvent, status models.LedgerTransactionStatus) error {
	row := models.LedgerTransaction{
		UserID:      userID,
		TxHash:      ev.TxHash.Hex(),
		Type:        models.LedgerTransactionTypeDeposit,
		Amount:      amount,
		FromAddress: ev.From.Hex(),
		ToAddress:   ev.To.Hex(),
		BlockNumber: ev.BlockNumber,
		Status:      status,
	}
	err := p.db.WithContext(ctx).Create(&row).Error
	if depositerrors.IsDuplicate(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orphan ledger write for %s: %w", ev.TxHash.Hex(), err)
	}
	metrics.OrphanTransfers.Inc()
	return nil
}

// matchTier finds the tier whose fixed amount is within tolerance of the
// observed amount, returning the absolute deviation from the nominal value.
func (p *Processor) matchTier(amount float64) (tier int, matched bool, deviation float64) {
	bestDiff := math.MaxFloat64
	for t, expected := range p.cfg.TierAmounts {
		diff := math.Abs(amount - expected)
		if diff <= amountTolerance && diff < bestDiff {
			tier, matched = t, true
			bestDiff = diff
		}
	}
	if !matched {
		return 0, false, 0
	}
	return tier, true, bestDiff
}

// CreateIntent opens a new deposit intent for a user.
func (p *Processor) CreateIntent(ctx context.Context, userID uint64, tier int) (*models.DepositIntent, error) {
	expected, ok := p.cfg.TierAmounts[tier]
	if !ok {
		return nil, fmt.Errorf("unknown deposit tier %d", tier)
	}

	if maxTier, err := p.settings.MaxOpenTier(ctx); err != nil {
		return nil, err
	} else if maxTier > 0 && tier > maxTier {
		return nil, fmt.Errorf("tier %d is not open (max open tier is %d)", tier, maxTier)
	}

	var intent *models.DepositIntent
	err := p.locks.WithUserLock(ctx, userID, lockmanager.WaitWithTimeout(3*time.Second), func(tx *gorm.DB, user *models.User) error {
		if user == nil {
			return fmt.Errorf("user %d not found", userID)
		}

		// one open intent per user and tier
		var open int64
		if err := tx.Model(&models.DepositIntent{}).
			Where("user_id = ? AND tier = ? AND status = ?", userID, tier, models.DepositIntentStatusPending).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("user %d already has an open tier %d intent", userID, tier)
		}

		// the entry tier allows one yield cycle at a time: no new intent
		// until the previous cap is fully paid out
		if tier == 1 {
			var uncapped int64
			if err := tx.Model(&models.DepositIntent{}).
				Where("user_id = ? AND tier = 1 AND status = ? AND cap_completed = false",
					userID, models.DepositIntentStatusConfirmed).
				Count(&uncapped).Error; err != nil {
				return err
			}
			if uncapped > 0 {
				return fmt.Errorf("user %d has an unfinished entry tier cycle", userID)
			}
		}

		created := models.DepositIntent{
			UserID: userID,
			Tier:   tier,
			Amount: expected,
			Status: models.DepositIntentStatusPending,
		}
		if err := tx.Create(&created).Error; err != nil {
			return err
		}
		intent = &created
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("📝 Intent %d created: user=%d tier=%d amount=%.6f", intent.ID, userID, tier, expected)
	return intent, nil
}
