package deposit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"custody-backend/internal/chain"
	"custody-backend/internal/config"
	"custody-backend/internal/lockmanager"
	"custody-backend/internal/models"
	"custody-backend/internal/notify"
	"custody-backend/internal/settings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// The pipeline tests run against an in-memory sqlite database with the chain
// and the row-lock manager faked out, so the full observe-attach-confirm path
// executes without a node or a Postgres instance.

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	// sqlite has no row locks; a single connection serializes writers the
	// way the Postgres lock manager would
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.DepositIntent{},
		&models.LedgerTransaction{},
		&models.ReferralEarning{},
		&models.PlatformSetting{},
	))
	return db
}

// fakeLocker keeps the load-then-callback contract of the lock manager but
// runs plain transactions, since sqlite rejects FOR UPDATE.
type fakeLocker struct {
	db *gorm.DB
}

func (l *fakeLocker) WithIntentLock(ctx context.Context, intentID uint64, _ lockmanager.WaitStrategy, fn func(tx *gorm.DB, intent *models.DepositIntent) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent models.DepositIntent
		err := tx.Where("id = ?", intentID).First(&intent).Error
		if err == gorm.ErrRecordNotFound {
			return fn(tx, nil)
		}
		if err != nil {
			return err
		}
		return fn(tx, &intent)
	})
}

func (l *fakeLocker) WithUserLock(ctx context.Context, userID uint64, _ lockmanager.WaitStrategy, fn func(tx *gorm.DB, user *models.User) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Where("id = ?", userID).First(&user).Error
		if err == gorm.ErrRecordNotFound {
			return fn(tx, nil)
		}
		if err != nil {
			return err
		}
		return fn(tx, &user)
	})
}

// fakeChain serves a fixed head, receipts by hash and a recovery window.
type fakeChain struct {
	head     uint64
	decimals uint8
	receipts map[common.Hash]*types.Receipt
	window   []chain.TransferEvent
}

func (f *fakeChain) CurrentBlock(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) Receipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	return f.receipts[txHash], nil
}

func (f *fakeChain) TokenDecimals(context.Context) (uint8, error) { return f.decimals, nil }

func (f *fakeChain) FilterTransfers(context.Context, common.Address, uint64, uint64) ([]chain.TransferEvent, error) {
	return f.window, nil
}

type deviationAlert struct {
	userID   uint64
	txHash   string
	amount   float64
	expected float64
}

// recordingNotifier captures what the pipeline would have pushed out.
type recordingNotifier struct {
	notify.NopNotifier
	mu         sync.Mutex
	pending    []uint64
	confirmed  []uint64
	timeouts   []uint64
	deviations []deviationAlert
}

func (n *recordingNotifier) NotifyDepositPending(_ uint64, intentID uint64, _ string, _ float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, intentID)
}

func (n *recordingNotifier) NotifyDepositConfirmed(_ uint64, intentID uint64, _ string, _ float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, intentID)
}

func (n *recordingNotifier) NotifyDepositTimeout(_ uint64, intentID uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.timeouts = append(n.timeouts, intentID)
}

func (n *recordingNotifier) AlertAmountDeviation(userID uint64, txHash string, amount float64, expected float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deviations = append(n.deviations, deviationAlert{userID, txHash, amount, expected})
}

const (
	testDecimals   = 6
	testCollection = "0x00000000000000000000000000000000000000cc"
)

func testPipeline(t *testing.T) (*Processor, *Sweeper, *fakeChain, *recordingNotifier, *gorm.DB) {
	t.Helper()

	db := testDB(t)
	fc := &fakeChain{
		head:     1_000,
		decimals: testDecimals,
		receipts: make(map[common.Hash]*types.Receipt),
	}
	rn := &recordingNotifier{}
	cfg := &config.DepositConfig{
		TierAmounts:         map[int]float64{1: 10, 2: 50},
		ConfirmationDepth:   3,
		TimeoutHours:        1,
		RecoveryLookbackHrs: 1,
		SweepWorkers:        2,
		EntryTierMultiplier: 5,
	}
	proc := NewProcessor(db, fc, &fakeLocker{db: db}, rn, settings.NewReader(db), nil, cfg)

	require.NoError(t, db.Create(&models.PlatformSetting{
		Key:   models.SettingCollectionAddress,
		Value: testCollection,
	}).Error)

	return proc, NewSweeper(proc), fc, rn, db
}

func seedUser(t *testing.T, db *gorm.DB, wallet string) *models.User {
	t.Helper()
	user := models.User{ChatID: time.Now().UnixNano(), WalletAddress: wallet}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func seedIntent(t *testing.T, db *gorm.DB, userID uint64, tier int, amount float64, age time.Duration) *models.DepositIntent {
	t.Helper()
	intent := models.DepositIntent{
		UserID:    userID,
		Tier:      tier,
		Amount:    amount,
		Status:    models.DepositIntentStatusPending,
		CreatedAt: time.Now().Add(-age),
	}
	require.NoError(t, db.Create(&intent).Error)
	return &intent
}

func transferEvent(from string, amount float64, seed int64, block uint64) chain.TransferEvent {
	return chain.TransferEvent{
		From:        common.HexToAddress(from),
		To:          common.HexToAddress(testCollection),
		Value:       chain.FromUnits(amount, testDecimals),
		TxHash:      common.HexToHash(fmt.Sprintf("0x%064x", seed)),
		BlockNumber: block,
	}
}

func TestOnTransferConcurrentDuplicate(t *testing.T) {
	proc, _, _, _, db := testPipeline(t)
	ctx := context.Background()

	user := seedUser(t, db, "0x1000000000000000000000000000000000000001")
	intent := seedIntent(t, db, user.ID, 1, 10, time.Minute)

	// the live stream and the catch-up scan observe the same transfer at
	// the same time
	ev := transferEvent(user.WalletAddress, 10, 1, 500)
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = proc.OnTransfer(ctx, ev)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	var rows []models.LedgerTransaction
	require.NoError(t, db.Where("tx_hash = ?", ev.TxHash.Hex()).Find(&rows).Error)
	require.Len(t, rows, 1, "a replayed observation must not double-ledger")

	var got models.DepositIntent
	require.NoError(t, db.First(&got, intent.ID).Error)
	require.NotNil(t, got.TxHash)
	assert.Equal(t, ev.TxHash.Hex(), *got.TxHash)
}

func TestOnTransferUnknownWalletStaysPending(t *testing.T) {
	proc, _, _, _, db := testPipeline(t)

	ev := transferEvent("0x2000000000000000000000000000000000000002", 10, 2, 500)
	require.NoError(t, proc.OnTransfer(context.Background(), ev))

	var row models.LedgerTransaction
	require.NoError(t, db.Where("tx_hash = ?", ev.TxHash.Hex()).First(&row).Error)
	assert.Equal(t, models.LedgerTransactionStatusPending, row.Status,
		"funds from an unregistered wallet wait for manual review")
	assert.Nil(t, row.UserID)
}

func TestOnTransferTierMismatchRecordedFailed(t *testing.T) {
	proc, _, _, _, db := testPipeline(t)

	user := seedUser(t, db, "0x3000000000000000000000000000000000000003")
	seedIntent(t, db, user.ID, 1, 10, time.Minute)

	// 30 units matches no tier; the row goes in failed because no later
	// process can ever credit it
	ev := transferEvent(user.WalletAddress, 30, 3, 500)
	require.NoError(t, proc.OnTransfer(context.Background(), ev))

	var row models.LedgerTransaction
	require.NoError(t, db.Where("tx_hash = ?", ev.TxHash.Hex()).First(&row).Error)
	assert.Equal(t, models.LedgerTransactionStatusFailed, row.Status)
	require.NotNil(t, row.UserID)
	assert.Equal(t, user.ID, *row.UserID)

	var got models.DepositIntent
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&got).Error)
	assert.Nil(t, got.TxHash, "a mismatched transfer never attaches")
}

func TestOnTransferNoOpenIntentStaysPending(t *testing.T) {
	proc, _, _, _, db := testPipeline(t)

	user := seedUser(t, db, "0x4000000000000000000000000000000000000004")

	ev := transferEvent(user.WalletAddress, 10, 4, 500)
	require.NoError(t, proc.OnTransfer(context.Background(), ev))

	var row models.LedgerTransaction
	require.NoError(t, db.Where("tx_hash = ?", ev.TxHash.Hex()).First(&row).Error)
	assert.Equal(t, models.LedgerTransactionStatusPending, row.Status,
		"a tier-sized transfer with no open intent waits for manual review")
}

func TestOnTransferDeviationAlerting(t *testing.T) {
	proc, _, _, rn, db := testPipeline(t)
	ctx := context.Background()

	user := seedUser(t, db, "0x5000000000000000000000000000000000000005")

	// inside the inner band: attaches quietly
	seedIntent(t, db, user.ID, 1, 10, time.Minute)
	require.NoError(t, proc.OnTransfer(ctx, transferEvent(user.WalletAddress, 10.004, 5, 500)))
	assert.Empty(t, rn.deviations)

	// past the inner band but within tolerance: attaches and pages
	other := seedUser(t, db, "0x6000000000000000000000000000000000000006")
	seedIntent(t, db, other.ID, 1, 10, time.Minute)
	require.NoError(t, proc.OnTransfer(ctx, transferEvent(other.WalletAddress, 10.007, 6, 501)))

	require.Len(t, rn.deviations, 1)
	assert.Equal(t, other.ID, rn.deviations[0].userID)
	assert.InDelta(t, 10.007, rn.deviations[0].amount, 1e-9)
	assert.InDelta(t, 10, rn.deviations[0].expected, 1e-9)
}

func TestSweepRecoversBeforeFailing(t *testing.T) {
	_, sweeper, fc, rn, db := testPipeline(t)

	user := seedUser(t, db, "0x7000000000000000000000000000000000000007")
	intent := seedIntent(t, db, user.ID, 1, 10, 2*time.Hour)

	// the monitor missed this transfer; the recovery scan finds it
	fc.window = []chain.TransferEvent{transferEvent(user.WalletAddress, 10, 7, 900)}

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recovered)
	assert.Zero(t, result.TimedOut)
	assert.Zero(t, result.Errors)

	var got models.DepositIntent
	require.NoError(t, db.First(&got, intent.ID).Error)
	assert.Equal(t, models.DepositIntentStatusPending, got.Status,
		"a recovered intent goes back to waiting for confirmations")
	require.NotNil(t, got.TxHash)
	assert.Empty(t, rn.timeouts)
}

func TestSweepTimesOutWhenRecoveryEmpty(t *testing.T) {
	_, sweeper, _, rn, db := testPipeline(t)

	user := seedUser(t, db, "0x8000000000000000000000000000000000000008")
	intent := seedIntent(t, db, user.ID, 1, 10, 2*time.Hour)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TimedOut)
	assert.Zero(t, result.Recovered)

	var got models.DepositIntent
	require.NoError(t, db.First(&got, intent.ID).Error)
	assert.Equal(t, models.DepositIntentStatusFailed, got.Status)
	assert.Equal(t, []uint64{intent.ID}, rn.timeouts)
}

func TestSweepDetachesReorgedAttachment(t *testing.T) {
	_, sweeper, fc, _, db := testPipeline(t)

	user := seedUser(t, db, "0x9000000000000000000000000000000000000009")
	intent := seedIntent(t, db, user.ID, 1, 10, 2*time.Hour)

	// transfer attached long ago, then a reorg dropped the tx and it never
	// came back: no receipt for the hash
	stale := transferEvent(user.WalletAddress, 10, 9, 100)
	staleHash := stale.TxHash.Hex()
	require.NoError(t, db.Create(&models.LedgerTransaction{
		UserID:      &user.ID,
		TxHash:      staleHash,
		Type:        models.LedgerTransactionTypeDeposit,
		Amount:      10,
		BlockNumber: stale.BlockNumber,
		Status:      models.LedgerTransactionStatusPendingConfirmation,
	}).Error)
	require.NoError(t, db.Model(&models.DepositIntent{}).Where("id = ?", intent.ID).
		Updates(map[string]any{"tx_hash": staleHash, "block_number": stale.BlockNumber}).Error)

	// the sender rebroadcast under a new hash; the recovery scan sees it
	replacement := transferEvent(user.WalletAddress, 10, 10, 950)
	fc.window = []chain.TransferEvent{replacement}

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recovered)
	assert.Zero(t, result.TimedOut)

	var got models.DepositIntent
	require.NoError(t, db.First(&got, intent.ID).Error)
	assert.Equal(t, models.DepositIntentStatusPending, got.Status)
	require.NotNil(t, got.TxHash)
	assert.Equal(t, replacement.TxHash.Hex(), *got.TxHash, "the stale attachment is replaced")

	var staleRow models.LedgerTransaction
	require.NoError(t, db.Where("tx_hash = ?", staleHash).First(&staleRow).Error)
	assert.Equal(t, models.LedgerTransactionStatusFailed, staleRow.Status)
}

func TestSweepFailsReorgedIntentWithoutReplacement(t *testing.T) {
	_, sweeper, _, rn, db := testPipeline(t)

	user := seedUser(t, db, "0xa00000000000000000000000000000000000000a")
	intent := seedIntent(t, db, user.ID, 1, 10, 2*time.Hour)

	stale := transferEvent(user.WalletAddress, 10, 11, 100)
	require.NoError(t, db.Model(&models.DepositIntent{}).Where("id = ?", intent.ID).
		Updates(map[string]any{"tx_hash": stale.TxHash.Hex(), "block_number": stale.BlockNumber}).Error)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.TimedOut)

	var got models.DepositIntent
	require.NoError(t, db.First(&got, intent.ID).Error)
	assert.Equal(t, models.DepositIntentStatusFailed, got.Status)
	assert.Equal(t, []uint64{intent.ID}, rn.timeouts)
}

func TestDepositEndToEnd(t *testing.T) {
	proc, sweeper, fc, rn, db := testPipeline(t)
	ctx := context.Background()

	user := seedUser(t, db, "0xb00000000000000000000000000000000000000b")

	intent, err := proc.CreateIntent(ctx, user.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(10), intent.Amount)

	// the transfer lands on chain and the stream hands it over
	ev := transferEvent(user.WalletAddress, 10, 12, 990)
	require.NoError(t, proc.OnTransfer(ctx, ev))
	assert.Equal(t, []uint64{intent.ID}, rn.pending)

	// not deep enough yet: nothing moves
	fc.head = ev.BlockNumber + 1
	fc.receipts[ev.TxHash] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	result, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Confirmed)

	// past the confirmation depth: the deposit finalizes
	fc.head = ev.BlockNumber + 5
	result, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Confirmed)
	assert.Zero(t, result.Errors)

	var got models.DepositIntent
	require.NoError(t, db.First(&got, intent.ID).Error)
	assert.Equal(t, models.DepositIntentStatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedAt)
	assert.Equal(t, float64(50), got.CapAmount, "entry tier cap is amount times the multiplier")

	var row models.LedgerTransaction
	require.NoError(t, db.Where("tx_hash = ?", ev.TxHash.Hex()).First(&row).Error)
	assert.Equal(t, models.LedgerTransactionStatusConfirmed, row.Status)
	assert.Equal(t, []uint64{intent.ID}, rn.confirmed)

	// replaying the same transfer after confirmation is a no-op
	require.NoError(t, proc.OnTransfer(ctx, ev))
	var count int64
	require.NoError(t, db.Model(&models.LedgerTransaction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
