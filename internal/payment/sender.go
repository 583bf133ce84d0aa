package payment

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"custody-backend/internal/chain"
	"custody-backend/internal/config"
	"custody-backend/internal/depositerrors"
	"custody-backend/internal/metrics"
	"custody-backend/internal/notify"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSubmitter is the slice of chain access the payout path consumes.
type ChainSubmitter interface {
	TokenDecimals(ctx context.Context) (uint8, error)
	TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	SubmitTransfer(ctx context.Context, privateKeyHex string, to common.Address, amount *big.Int) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, maxDuration time.Duration) (*types.Receipt, error)
}

// Sender pushes one token payout on chain and waits for the receipt. The
// payout key is read from config on every call so a rotated credential
// applies to the next send without a restart.
type Sender struct {
	client   ChainSubmitter
	cfg      *config.BlockchainConfig
	payCfg   *config.PaymentConfig
	notifier notify.Notifier
}

func NewSender(client ChainSubmitter, cfg *config.BlockchainConfig, payCfg *config.PaymentConfig, notifier notify.Notifier) *Sender {
	return &Sender{client: client, cfg: cfg, payCfg: payCfg, notifier: notifier}
}

// Send transfers amount token units to the address. Returns the tx hash on
// success; failures are classified for the retry engine.
func (s *Sender) Send(ctx context.Context, to common.Address, amount float64) (string, error) {
	decimals, err := s.client.TokenDecimals(ctx)
	if err != nil {
		return "", err
	}
	raw := chain.FromUnits(amount, decimals)

	signer, err := chain.SignerAddress(s.cfg.PayoutKey)
	if err != nil {
		return "", err
	}

	balance, err := s.client.TokenBalance(ctx, signer)
	if err != nil {
		return "", err
	}
	balanceUnits := chain.ToUnits(balance, decimals)
	metrics.PayoutBalance.Set(balanceUnits)

	if balance.Cmp(raw) < 0 {
		s.notifier.AlertLowPayoutBalance(balanceUnits, amount)
		metrics.PaymentsSent.WithLabelValues("insufficient_balance").Inc()
		return "", fmt.Errorf("%w: have %.6f, need %.6f", depositerrors.ErrInsufficientBalance, balanceUnits, amount)
	}

	if reserve := s.gasReserve(); reserve != nil {
		native, err := s.client.NativeBalance(ctx, signer)
		if err != nil {
			return "", err
		}
		if native.Cmp(reserve) < 0 {
			metrics.PaymentsSent.WithLabelValues("insufficient_gas").Inc()
			return "", fmt.Errorf("%w: native balance %s below gas reserve %s",
				depositerrors.ErrInsufficientBalance, native.String(), reserve.String())
		}
	}

	txHash, err := s.client.SubmitTransfer(ctx, s.cfg.PayoutKey, to, raw)
	if err != nil {
		metrics.PaymentsSent.WithLabelValues("submit_failed").Inc()
		return "", err
	}

	receipt, err := s.client.WaitForReceipt(ctx, txHash, s.receiptTimeout())
	if err != nil {
		// submitted but unconfirmed; the hash is surfaced so the retry
		// record carries it and an operator can check the explorer
		metrics.PaymentsSent.WithLabelValues("receipt_timeout").Inc()
		return txHash.Hex(), fmt.Errorf("payout %s unconfirmed: %w", txHash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		metrics.PaymentsSent.WithLabelValues("reverted").Inc()
		return txHash.Hex(), fmt.Errorf("%w: payout %s", depositerrors.ErrOnChainRevert, txHash.Hex())
	}

	metrics.PaymentsSent.WithLabelValues("success").Inc()
	log.Printf("✅ Payout confirmed: %.6f → %s tx=%s", amount, to.Hex(), txHash.Hex())
	return txHash.Hex(), nil
}

// gasReserve parses the configured wei floor, nil when unset.
func (s *Sender) gasReserve() *big.Int {
	if s.payCfg == nil || s.payCfg.MinGasReserve == "" {
		return nil
	}
	reserve, ok := new(big.Int).SetString(s.payCfg.MinGasReserve, 10)
	if !ok {
		return nil
	}
	return reserve
}

func (s *Sender) receiptTimeout() time.Duration {
	if s.cfg.ReceiptTimeout <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(s.cfg.ReceiptTimeout) * time.Second
}

// PayoutBalances reports the payout signer's token and native balances in
// human units for the admin surface.
func (s *Sender) PayoutBalances(ctx context.Context) (token float64, signer common.Address, err error) {
	signer, err = chain.SignerAddress(s.cfg.PayoutKey)
	if err != nil {
		return 0, common.Address{}, err
	}
	raw, err := s.client.TokenBalance(ctx, signer)
	if err != nil {
		return 0, signer, err
	}
	decimals, err := s.client.TokenDecimals(ctx)
	if err != nil {
		return 0, signer, err
	}
	token = chain.ToUnits(raw, decimals)
	metrics.PayoutBalance.Set(token)
	return token, signer, nil
}
