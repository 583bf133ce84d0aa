package payment

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"custody-backend/internal/config"
	"custody-backend/internal/depositerrors"
	"custody-backend/internal/metrics"
	"custody-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const retryBatchSize = 50

// SweepResult summarizes one retry sweep.
type SweepResult struct {
	Examined  int
	Succeeded int
	Failed    int
	ToDLQ     int
}

// Engine is the durable retry layer over the Sender. Every payout gets a
// record before the first attempt, so a crash mid-send leaves a row behind
// instead of losing the obligation. Exhausted records park in the DLQ for
// an operator.
type Engine struct {
	db     *gorm.DB
	sender *Sender
	cfg    *config.PaymentConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewEngine(db *gorm.DB, sender *Sender, cfg *config.PaymentConfig) *Engine {
	return &Engine{db: db, sender: sender, cfg: cfg}
}

// RequestPayout books the payout and tries to send it synchronously once.
// On failure the record stays behind with its first backoff scheduled; the
// caller's flow is never blocked on chain conditions.
func (e *Engine) RequestPayout(ctx context.Context, payoutType models.PaymentRetryPayoutType, ref string, toAddress string, amount float64) error {
	if !common.IsHexAddress(toAddress) {
		return fmt.Errorf("invalid payout address %q", toAddress)
	}
	if amount <= 0 {
		return fmt.Errorf("invalid payout amount %.6f", amount)
	}

	record := models.PaymentRetryRecord{
		ID:          uuid.NewString(),
		PayoutType:  payoutType,
		PayoutRef:   ref,
		ToAddress:   toAddress,
		Amount:      amount,
		MaxAttempts: e.maxAttempts(),
		Status:      models.PaymentRetryStatusRetrying,
		NextRetryAt: time.Now(),
	}
	if err := e.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("failed to book payout %s: %w", ref, err)
	}

	e.attempt(ctx, &record)
	return e.db.WithContext(ctx).Save(&record).Error
}

// attempt runs one send and folds the outcome into the record.
func (e *Engine) attempt(ctx context.Context, record *models.PaymentRetryRecord) {
	txHash, err := e.sender.Send(ctx, common.HexToAddress(record.ToAddress), record.Amount)
	if err == nil {
		record.MarkSucceeded(txHash)
		log.Printf("✅ Payout %s (%s) succeeded: tx=%s", record.ID, record.PayoutRef, txHash)
		return
	}

	if txHash != "" {
		record.TxHash = txHash
	}

	if !depositerrors.IsRetryable(err) {
		// terminal failure, straight to the operator queue
		record.Status = models.PaymentRetryStatusDLQ
		record.LastError = err.Error()
		record.AttemptCount++
		now := time.Now()
		record.ResolvedAt = &now
		log.Printf("❌ Payout %s (%s) failed terminally: %v", record.ID, record.PayoutRef, err)
		return
	}

	record.IncrementAttempt(err.Error(), e.cfg.Backoff())
	if record.Status == models.PaymentRetryStatusDLQ {
		log.Printf("🚨 Payout %s (%s) moved to DLQ after %d attempts: %v",
			record.ID, record.PayoutRef, record.AttemptCount, err)
	} else {
		log.Printf("⚠️ Payout %s (%s) attempt %d failed, next retry %s: %v",
			record.ID, record.PayoutRef, record.AttemptCount,
			record.NextRetryAt.Format(time.RFC3339), err)
	}
}

// RunOnce claims due records and retries them. Claiming uses SKIP LOCKED so
// concurrent engine replicas never double-send the same payout.
func (e *Engine) RunOnce(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	var due []models.PaymentRetryRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_retry_at <= ?", models.PaymentRetryStatusPending, time.Now()).
			Order("next_retry_at ASC").
			Limit(retryBatchSize).
			Find(&due).Error; err != nil {
			return err
		}
		if len(due) == 0 {
			return nil
		}

		ids := make([]string, len(due))
		for i := range due {
			ids[i] = due[i].ID
			due[i].Status = models.PaymentRetryStatusRetrying
		}
		return tx.Model(&models.PaymentRetryRecord{}).
			Where("id IN ?", ids).
			Update("status", models.PaymentRetryStatusRetrying).Error
	})
	if err != nil {
		return result, fmt.Errorf("retry claim failed: %w", err)
	}

	for i := range due {
		record := &due[i]
		result.Examined++

		e.attempt(ctx, record)
		switch record.Status {
		case models.PaymentRetryStatusSucceeded:
			result.Succeeded++
		case models.PaymentRetryStatusDLQ:
			result.ToDLQ++
		default:
			result.Failed++
		}

		if err := e.db.WithContext(ctx).Save(record).Error; err != nil {
			log.Printf("❌ Failed to persist retry record %s: %v", record.ID, err)
		}
	}

	e.refreshQueueGauges(ctx)
	return result, nil
}

// Rearm resets a DLQ record for another full round of attempts. This is the
// only path out of the DLQ besides Resolve.
func (e *Engine) Rearm(ctx context.Context, recordID string) (*models.PaymentRetryRecord, error) {
	var record models.PaymentRetryRecord
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", recordID).First(&record).Error; err != nil {
			return err
		}
		if record.Status != models.PaymentRetryStatusDLQ {
			return fmt.Errorf("record %s is %s, only dlq records can be rearmed", recordID, record.Status)
		}
		record.Rearm()
		return tx.Save(&record).Error
	})
	if err != nil {
		return nil, err
	}
	log.Printf("🔄 Payout %s (%s) rearmed by operator", record.ID, record.PayoutRef)
	return &record, nil
}

// Resolve closes a DLQ record without resending, for payouts settled out of
// band.
func (e *Engine) Resolve(ctx context.Context, recordID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record models.PaymentRetryRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", recordID).First(&record).Error; err != nil {
			return err
		}
		if record.Status != models.PaymentRetryStatusDLQ {
			return fmt.Errorf("record %s is %s, only dlq records can be resolved", recordID, record.Status)
		}
		record.Status = models.PaymentRetryStatusResolved
		now := time.Now()
		record.ResolvedAt = &now
		return tx.Save(&record).Error
	})
}

// ListDLQ returns parked records for the admin surface.
func (e *Engine) ListDLQ(ctx context.Context, limit int) ([]models.PaymentRetryRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []models.PaymentRetryRecord
	err := e.db.WithContext(ctx).
		Where("status = ?", models.PaymentRetryStatusDLQ).
		Order("updated_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (e *Engine) refreshQueueGauges(ctx context.Context) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := e.db.WithContext(ctx).Model(&models.PaymentRetryRecord{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return
	}
	for _, r := range rows {
		metrics.PaymentRetryQueueSize.WithLabelValues(r.Status).Set(float64(r.N))
	}
}

func (e *Engine) maxAttempts() int {
	if e.cfg.MaxAttempts <= 0 {
		return 5
	}
	return e.cfg.MaxAttempts
}

// Start launches the periodic retry sweep.
func (e *Engine) Start() {
	e.stopCh = make(chan struct{})
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		interval := e.sweepInterval()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Printf("🚀 Payment retry engine started (interval=%v)", interval)
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				result, err := e.RunOnce(ctx)
				cancel()
				if err != nil {
					log.Printf("❌ Payment retry sweep failed: %v", err)
					continue
				}
				if result.Examined > 0 {
					log.Printf("✅ Payment retry sweep: examined=%d succeeded=%d failed=%d dlq=%d",
						result.Examined, result.Succeeded, result.Failed, result.ToDLQ)
				}
			}
		}
	}()
}

// Stop shuts the loop down and waits for in-flight work.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	log.Println("🛑 Payment retry engine stopped")
}

func (e *Engine) sweepInterval() time.Duration {
	if e.cfg.SweepInterval <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.cfg.SweepInterval) * time.Second
}
