package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"custody-backend/internal/metrics"
	"custody-backend/internal/models"

	"gorm.io/gorm"
)

// runCatchup scans the block range missed while the process was down and
// replays any transfers through the regular handler. Idempotency of the
// handler makes replaying already-seen transfers harmless.
func (m *EventMonitor) runCatchup(ctx context.Context) error {
	cp, err := m.checkpoints.Load(ctx)
	if err != nil {
		log.Printf("⚠️ Checkpoint unavailable, falling back to ledger high-water mark: %v", err)
		cp = nil
	}

	cooldown := m.cfg.CatchupCooldownDuration()
	if cp != nil && time.Since(cp.LastCatchupAt) < cooldown {
		log.Printf("⏭️ Skipping catch-up, last run %v ago (cooldown %v)",
			time.Since(cp.LastCatchupAt).Round(time.Second), cooldown)
		return nil
	}

	head, err := m.client.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	fromBlock := m.resolveCatchupStart(cp, head)
	if fromBlock > head {
		fromBlock = head
	}

	collection, err := m.collection.CollectionAddress(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve collection address: %w", err)
	}

	log.Printf("🔍 Historical catch-up: scanning blocks %d..%d for transfers to %s",
		fromBlock, head, collection.Hex())

	total := 0
	for start := fromBlock; start <= head; start += catchupChunkBlocks {
		end := start + catchupChunkBlocks - 1
		if end > head {
			end = head
		}

		events, err := m.client.FilterTransfers(ctx, collection, start, end)
		if err != nil {
			return fmt.Errorf("catch-up scan [%d,%d]: %w", start, end, err)
		}
		metrics.MonitorCatchupBlocks.Add(float64(end - start + 1))

		for _, ev := range events {
			if err := m.handler.OnTransfer(ctx, ev); err != nil {
				log.Printf("❌ Catch-up transfer handling failed for %s: %v", ev.TxHash.Hex(), err)
			}
		}
		total += len(events)
	}

	// The checkpoint advances even when the scan found nothing, so the next
	// restart does not rescan the same empty range.
	if err := m.checkpoints.Save(ctx, &Checkpoint{LastBlock: head, LastCatchupAt: time.Now()}); err != nil {
		log.Printf("⚠️ Failed to save catch-up checkpoint: %v", err)
	}

	log.Printf("✅ Historical catch-up complete: %d transfer(s) over %d block(s)", total, head-fromBlock+1)
	return nil
}

// resolveCatchupStart picks the first block to scan: the checkpoint if one
// exists, else the newest deposit the ledger has seen, else a fixed depth
// behind the chain head.
func (m *EventMonitor) resolveCatchupStart(cp *Checkpoint, head uint64) uint64 {
	if cp != nil && cp.LastBlock > 0 {
		return cp.LastBlock + 1
	}

	var newest uint64
	err := m.db.Model(&models.LedgerTransaction{}).
		Where("type = ?", models.LedgerTransactionTypeDeposit).
		Select("COALESCE(MAX(block_number), 0)").
		Scan(&newest).Error
	if err != nil && err != gorm.ErrRecordNotFound {
		log.Printf("⚠️ Ledger high-water query failed: %v", err)
	}
	if newest > 0 {
		return newest + 1
	}

	depth := m.cfg.CatchupBlocks
	if depth == 0 {
		depth = 5000
	}
	if head <= depth {
		return 0
	}
	return head - depth
}
