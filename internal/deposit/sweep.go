package deposit

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"custody-backend/internal/chain"
	"custody-backend/internal/lockmanager"
	"custody-backend/internal/metrics"
	"custody-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"
)

// assumes ~3s block time; the recovery window errs generous, rescanning a
// few extra blocks is harmless because replay is idempotent
const recoveryBlocksPerHour = 1200

// SweepResult summarizes one sweep pass.
type SweepResult struct {
	Scanned   int
	Confirmed int
	Failed    int
	Recovered int
	TimedOut  int
	Errors    int
}

// Sweeper drives intent lifecycle off the chain head: confirmation depth
// checks for funded intents, timeout and forensic recovery for unfunded
// ones. Runs on a fixed ticker.
type Sweeper struct {
	proc *Processor

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSweeper(proc *Processor) *Sweeper {
	return &Sweeper{proc: proc}
}

// Start launches the periodic sweep loop.
func (s *Sweeper) Start() {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		interval := s.proc.cfg.SweepIntervalDuration()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Printf("🚀 Deposit sweeper started (interval=%v)", interval)
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				result, err := s.RunOnce(ctx)
				cancel()
				if err != nil {
					log.Printf("❌ Deposit sweep failed: %v", err)
					continue
				}
				if result.Scanned > 0 {
					log.Printf("✅ Deposit sweep: scanned=%d confirmed=%d failed=%d recovered=%d timed_out=%d errors=%d",
						result.Scanned, result.Confirmed, result.Failed, result.Recovered, result.TimedOut, result.Errors)
				}
			}
		}
	}()
}

// Stop shuts the loop down and waits for in-flight work.
func (s *Sweeper) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	log.Println("🛑 Deposit sweeper stopped")
}

// RunOnce executes one sweep pass: confirmations first, then the shared
// recovery-then-fail path for aged intents, so an intent funded right at
// its deadline confirms instead of failing. Aged intents are both the
// never-funded ones and funded ones whose attached tx vanished in a reorg
// and never came back.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	head, err := s.proc.client.CurrentBlock(ctx)
	if err != nil {
		return result, fmt.Errorf("chain head unavailable: %w", err)
	}

	agedFunded, err := s.confirmFunded(ctx, head, &result)
	if err != nil {
		return result, err
	}
	agedUnfunded, err := s.agedUnfunded(ctx, &result)
	if err != nil {
		return result, err
	}

	aged := append(agedFunded, agedUnfunded...)
	if len(aged) == 0 {
		return result, nil
	}

	// one recovery scan shared across all aged intents in this pass
	window, err := s.recoveryWindow(ctx, head)
	if err != nil {
		log.Printf("⚠️ Recovery scan unavailable, deferring timeouts: %v", err)
		return result, nil
	}

	s.forEach(ctx, aged, func(ctx context.Context, intent models.DepositIntent) (sweepOutcome, error) {
		return s.resolveAged(ctx, &intent, window)
	}, &result)
	return result, nil
}

// confirmFunded walks pending intents that have a transfer attached and
// finalizes those past the confirmation depth. Intents whose attached tx
// lost its receipt and aged past the timeout are returned for the
// recovery-then-fail path.
func (s *Sweeper) confirmFunded(ctx context.Context, head uint64, result *SweepResult) ([]models.DepositIntent, error) {
	batch := s.proc.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 200
	}

	var intents []models.DepositIntent
	err := s.proc.db.WithContext(ctx).
		Where("status = ? AND tx_hash IS NOT NULL", models.DepositIntentStatusPending).
		Order("block_number ASC").
		Limit(batch).
		Find(&intents).Error
	if err != nil {
		return nil, fmt.Errorf("funded intent query: %w", err)
	}
	result.Scanned += len(intents)

	var agedMu sync.Mutex
	var aged []models.DepositIntent

	s.forEach(ctx, intents, func(ctx context.Context, intent models.DepositIntent) (sweepOutcome, error) {
		outcome, err := s.confirmIntent(ctx, head, &intent)
		if err != nil {
			return sweepNone, err
		}
		if outcome == outcomeAged {
			agedMu.Lock()
			aged = append(aged, intent)
			agedMu.Unlock()
			return sweepNone, nil
		}
		switch outcome {
		case outcomeConfirmed:
			return sweepConfirmed, nil
		case outcomeFailed:
			return sweepFailed, nil
		}
		return sweepNone, nil
	}, result)
	return aged, nil
}

type confirmOutcome int

const (
	outcomeWaiting confirmOutcome = iota
	outcomeConfirmed
	outcomeFailed
	outcomeAged
)

func (s *Sweeper) confirmIntent(ctx context.Context, head uint64, intent *models.DepositIntent) (confirmOutcome, error) {
	if head < intent.BlockNumber {
		// head behind the attached block, likely a lagging fallback node
		return outcomeWaiting, nil
	}
	confirmations := head - intent.BlockNumber
	if confirmations < s.proc.cfg.ConfirmationDepth {
		return outcomeWaiting, nil
	}

	txHash := *intent.TxHash
	receipt, err := s.proc.client.Receipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return outcomeWaiting, err
	}
	if receipt == nil {
		// attached but not mined anymore: a reorg dropped it. Wait for it to
		// land again within the intent timeout, then hand it to the
		// recovery-then-fail path like any other aged intent.
		if time.Since(intent.CreatedAt) > s.proc.cfg.TimeoutDuration() {
			log.Printf("⚠️ Intent %d: tx %s receiptless past timeout, routing to recovery", intent.ID, txHash)
			return outcomeAged, nil
		}
		log.Printf("⚠️ Intent %d: tx %s has no receipt at depth %d", intent.ID, txHash, confirmations)
		return outcomeWaiting, nil
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return outcomeFailed, s.failIntent(ctx, intent.ID, "revert", txHash)
	}

	var notifyUser uint64
	var notifyAmount float64
	err = s.proc.locks.WithIntentLock(ctx, intent.ID, lockmanager.NoWait, func(tx *gorm.DB, locked *models.DepositIntent) error {
		if locked == nil || locked.Status != models.DepositIntentStatusPending {
			return nil // another sweep got here first
		}

		now := time.Now()
		locked.Status = models.DepositIntentStatusConfirmed
		locked.ConfirmedAt = &now
		locked.InitializeCap(s.proc.cfg.EntryTierMultiplier)
		if err := tx.Save(locked).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.LedgerTransaction{}).
			Where("tx_hash = ?", txHash).
			Update("status", models.LedgerTransactionStatusConfirmed).Error; err != nil {
			return err
		}

		notifyUser = locked.UserID
		notifyAmount = locked.Amount
		return nil
	})
	if err != nil {
		return outcomeWaiting, err
	}
	if notifyUser == 0 {
		return outcomeWaiting, nil
	}

	metrics.DepositsConfirmed.Inc()
	log.Printf("✅ Intent %d confirmed: user=%d tier=%d tx=%s depth=%d",
		intent.ID, notifyUser, intent.Tier, txHash, confirmations)

	s.proc.notifier.NotifyDepositConfirmed(notifyUser, intent.ID, txHash, notifyAmount)
	s.creditReferrals(ctx, intent, notifyUser, notifyAmount)
	return outcomeConfirmed, nil
}

// creditReferrals books referral earnings up the referrer chain and asks
// the payment engine to pay them. Best effort: a failure here never undoes
// the confirmation.
func (s *Sweeper) creditReferrals(ctx context.Context, intent *models.DepositIntent, userID uint64, amount float64) {
	currentID := userID
	for level, rate := range referralRates {
		var current models.User
		if err := s.proc.db.WithContext(ctx).Where("id = ?", currentID).First(&current).Error; err != nil {
			log.Printf("⚠️ Referral walk stopped at user %d: %v", currentID, err)
			return
		}
		if current.ReferrerID == nil {
			return
		}

		var referrer models.User
		if err := s.proc.db.WithContext(ctx).Where("id = ?", *current.ReferrerID).First(&referrer).Error; err != nil {
			log.Printf("⚠️ Referrer %d lookup failed: %v", *current.ReferrerID, err)
			return
		}

		earning := models.ReferralEarning{
			UserID:         referrer.ID,
			SourceIntentID: intent.ID,
			Level:          level + 1,
			Amount:         amount * rate,
			Status:         models.ReferralEarningStatusPending,
		}
		if err := s.proc.db.WithContext(ctx).Create(&earning).Error; err != nil {
			log.Printf("⚠️ Referral earning write failed for user %d: %v", referrer.ID, err)
			return
		}

		if s.proc.payouts != nil {
			ref := fmt.Sprintf("referral-%d", earning.ID)
			if err := s.proc.payouts.RequestPayout(ctx, models.PaymentRetryPayoutTypeReferral, ref, referrer.WalletAddress, earning.Amount); err != nil {
				log.Printf("⚠️ Referral payout request failed (ref=%s): %v", ref, err)
			}
		}

		currentID = referrer.ID
	}
}

// agedUnfunded collects old unfunded intents for the recovery-then-fail path.
func (s *Sweeper) agedUnfunded(ctx context.Context, result *SweepResult) ([]models.DepositIntent, error) {
	cutoff := time.Now().Add(-s.proc.cfg.TimeoutDuration())

	var intents []models.DepositIntent
	err := s.proc.db.WithContext(ctx).
		Where("status = ? AND tx_hash IS NULL AND created_at < ?", models.DepositIntentStatusPending, cutoff).
		Order("created_at ASC").
		Limit(100).
		Find(&intents).Error
	if err != nil {
		return nil, fmt.Errorf("timed-out intent query: %w", err)
	}
	result.Scanned += len(intents)
	return intents, nil
}

// resolveAged handles one aged intent: detach a stale reorged attachment if
// one exists, then try forensic recovery, and only fail when the chain
// search comes up empty.
func (s *Sweeper) resolveAged(ctx context.Context, intent *models.DepositIntent, window []chain.TransferEvent) (sweepOutcome, error) {
	if intent.TxHash != nil {
		if err := s.detachStale(ctx, intent.ID); err != nil {
			return sweepNone, err
		}
	}

	recovered, err := s.tryRecover(ctx, intent, window)
	if err != nil {
		return sweepNone, err
	}
	if recovered {
		return sweepRecovered, nil
	}
	if err := s.failIntent(ctx, intent.ID, "timeout", ""); err != nil {
		return sweepNone, err
	}
	return sweepTimedOut, nil
}

// detachStale clears a reorged-away attachment under the row lock so the
// intent re-enters the unfunded path. The stale ledger row is marked failed;
// a replacement transfer arrives under its own hash.
func (s *Sweeper) detachStale(ctx context.Context, intentID uint64) error {
	return s.proc.locks.WithIntentLock(ctx, intentID, lockmanager.NoWait, func(tx *gorm.DB, locked *models.DepositIntent) error {
		if locked == nil || locked.Status != models.DepositIntentStatusPending || locked.TxHash == nil {
			return nil
		}

		stale := *locked.TxHash
		if err := tx.Model(&models.LedgerTransaction{}).
			Where("tx_hash = ?", stale).
			Update("status", models.LedgerTransactionStatusFailed).Error; err != nil {
			return err
		}

		locked.TxHash = nil
		locked.BlockNumber = 0
		if err := tx.Save(locked).Error; err != nil {
			return err
		}
		log.Printf("⚠️ Intent %d: detached reorged tx %s", intentID, stale)
		return nil
	})
}

// recoveryWindow pulls every transfer to the collection address over the
// lookback window once per sweep pass.
func (s *Sweeper) recoveryWindow(ctx context.Context, head uint64) ([]chain.TransferEvent, error) {
	collection, err := s.proc.settings.CollectionAddress(ctx)
	if err != nil {
		return nil, err
	}

	hours := s.proc.cfg.RecoveryLookback().Hours()
	depth := uint64(hours * recoveryBlocksPerHour)
	from := uint64(0)
	if head > depth {
		from = head - depth
	}
	return s.proc.client.FilterTransfers(ctx, collection, from, head)
}

// tryRecover searches the window for a transfer from the intent's wallet
// matching the tier amount that the monitor missed. A hit replays through
// the normal pipeline; the idempotency check makes a false positive a no-op.
func (s *Sweeper) tryRecover(ctx context.Context, intent *models.DepositIntent, window []chain.TransferEvent) (bool, error) {
	var user models.User
	if err := s.proc.db.WithContext(ctx).Where("id = ?", intent.UserID).First(&user).Error; err != nil {
		return false, fmt.Errorf("user %d lookup: %w", intent.UserID, err)
	}

	decimals, err := s.proc.client.TokenDecimals(ctx)
	if err != nil {
		return false, err
	}

	wallet := common.HexToAddress(user.WalletAddress)
	for _, ev := range window {
		if ev.From != wallet {
			continue
		}
		amount := chain.ToUnits(ev.Value, decimals)
		if math.Abs(amount-intent.Amount) > amountTolerance {
			continue
		}

		log.Printf("🔍 Recovery: found missed transfer %s for intent %d (user=%d amount=%.6f)",
			ev.TxHash.Hex(), intent.ID, user.ID, amount)
		if err := s.proc.OnTransfer(ctx, ev); err != nil {
			return false, err
		}

		// the replay may have been an already-ledgered no-op or attached to
		// an older intent; recovery only counts when this intent got funded
		var refreshed models.DepositIntent
		if err := s.proc.db.WithContext(ctx).First(&refreshed, intent.ID).Error; err != nil {
			return false, err
		}
		if refreshed.TxHash == nil {
			continue
		}
		metrics.DepositsRecovered.Inc()
		return true, nil
	}
	return false, nil
}

// failIntent marks an intent failed exactly once: the status is rechecked
// under the row lock so a concurrent recovery or confirmation wins.
func (s *Sweeper) failIntent(ctx context.Context, intentID uint64, reason string, txHash string) error {
	var notifyUser uint64
	err := s.proc.locks.WithIntentLock(ctx, intentID, lockmanager.NoWait, func(tx *gorm.DB, locked *models.DepositIntent) error {
		if locked == nil || locked.Status != models.DepositIntentStatusPending {
			return nil
		}
		if reason == "timeout" && locked.TxHash != nil {
			// a transfer attached between the timeout query and this lock
			return nil
		}

		locked.Status = models.DepositIntentStatusFailed
		if err := tx.Save(locked).Error; err != nil {
			return err
		}

		if txHash != "" {
			if err := tx.Model(&models.LedgerTransaction{}).
				Where("tx_hash = ?", txHash).
				Update("status", models.LedgerTransactionStatusFailed).Error; err != nil {
				return err
			}
		}
		notifyUser = locked.UserID
		return nil
	})
	if err != nil {
		return err
	}
	if notifyUser == 0 {
		return nil
	}

	metrics.DepositsFailed.WithLabelValues(reason).Inc()
	log.Printf("❌ Intent %d failed (%s)", intentID, reason)
	if reason == "timeout" {
		s.proc.notifier.NotifyDepositTimeout(notifyUser, intentID)
	}
	return nil
}

// sweepOutcome is what one intent contributed to the pass.
type sweepOutcome int

const (
	sweepNone sweepOutcome = iota
	sweepConfirmed
	sweepFailed
	sweepRecovered
	sweepTimedOut
)

// forEach fans intents out over the configured worker count, isolating
// per-intent errors so one bad row never stalls the batch. Result counters
// are tallied under a single mutex because workers run concurrently.
func (s *Sweeper) forEach(ctx context.Context, intents []models.DepositIntent, fn func(context.Context, models.DepositIntent) (sweepOutcome, error), result *SweepResult) {
	workers := s.proc.cfg.SweepWorkers
	if workers <= 0 {
		workers = 4
	}
	if workers > len(intents) {
		workers = len(intents)
	}
	if workers == 0 {
		return
	}

	jobs := make(chan models.DepositIntent)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for intent := range jobs {
				outcome, err := fn(ctx, intent)

				mu.Lock()
				if err != nil {
					log.Printf("❌ Sweep error on intent %d: %v", intent.ID, err)
					result.Errors++
				}
				switch outcome {
				case sweepConfirmed:
					result.Confirmed++
				case sweepFailed:
					result.Failed++
				case sweepRecovered:
					result.Recovered++
				case sweepTimedOut:
					result.TimedOut++
				}
				mu.Unlock()
			}
		}()
	}

	for _, intent := range intents {
		jobs <- intent
	}
	close(jobs)
	wg.Wait()
}
