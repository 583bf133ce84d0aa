package chain

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"custody-backend/internal/config"
	"custody-backend/internal/depositerrors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

// TransferEvent one token transfer log decoded from the chain
type TransferEvent struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	TxHash      common.Hash
	BlockNumber uint64
}

// Client owns the request/response connection to the chain node plus a
// separate streaming connection used only for live event push. The streaming
// side is torn down and rebuilt by the caller (EventMonitor owns reconnection
// policy); the RPC side is long-lived.
type Client struct {
	rpc      *ethclient.Client
	cfg      *config.BlockchainConfig
	token    common.Address
	chainID  *big.Int
	tokenABI abi.ABI

	wsMu sync.Mutex
	ws   *ethclient.Client

	decimalsOnce sync.Once
	decimals     uint8
	decimalsErr  error

	activityMu   sync.Mutex
	lastActivity time.Time
}

// NewClient dials the request/response endpoint. The streaming endpoint is
// dialed lazily on SubscribeTransfers.
func NewClient(cfg *config.BlockchainConfig) (*Client, error) {
	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("rpc endpoint is required")
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token ABI: %w", err)
	}

	endpoints := append([]string{cfg.RPCEndpoint}, cfg.RPCFallbacks...)
	var rpcClient *ethclient.Client
	var dialErr error
	for _, endpoint := range endpoints {
		rpcClient, dialErr = ethclient.Dial(endpoint)
		if dialErr == nil {
			log.Printf("✅ Chain RPC connected: %s", endpoint)
			break
		}
		log.Printf("⚠️ Chain RPC dial failed for %s: %v", endpoint, dialErr)
	}
	if rpcClient == nil {
		return nil, fmt.Errorf("%w: all %d rpc endpoint(s) failed: %v", depositerrors.ErrNodeUnavailable, len(endpoints), dialErr)
	}

	return &Client{
		rpc:          rpcClient,
		cfg:          cfg,
		token:        common.HexToAddress(cfg.TokenContract),
		chainID:      big.NewInt(cfg.ChainID),
		tokenABI:     parsed,
		lastActivity: time.Now(),
	}, nil
}

// CurrentBlock returns the newest block number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: getBlockNumber: %v", depositerrors.ErrNodeUnavailable, err)
	}
	return n, nil
}

// Receipt returns the receipt for a transaction hash, nil if not yet mined.
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
	if err != nil {
		if err == ethereum.NotFound || strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: getTransactionReceipt: %v", depositerrors.ErrNodeUnavailable, err)
	}
	return receipt, nil
}

// NativeBalance returns the native coin balance of an address in wei.
func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := c.rpc.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: getBalance: %v", depositerrors.ErrNodeUnavailable, err)
	}
	return balance, nil
}

// TokenBalance returns the token balance of an address in raw units.
func (c *Client) TokenBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balanceOf call: %v", depositerrors.ErrNodeUnavailable, err)
	}

	results, err := c.tokenABI.Unpack("balanceOf", out)
	if err != nil || len(results) == 0 {
		return nil, fmt.Errorf("failed to unpack balanceOf result: %v", err)
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return balance, nil
}

// TokenDecimals resolves the token's decimal precision, memoized for the
// process lifetime (the contract is fixed, the value never changes).
func (c *Client) TokenDecimals(ctx context.Context) (uint8, error) {
	c.decimalsOnce.Do(func() {
		data, err := c.tokenABI.Pack("decimals")
		if err != nil {
			c.decimalsErr = fmt.Errorf("failed to pack decimals: %w", err)
			return
		}
		out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
		if err != nil {
			c.decimalsErr = fmt.Errorf("%w: decimals call: %v", depositerrors.ErrNodeUnavailable, err)
			return
		}
		results, err := c.tokenABI.Unpack("decimals", out)
		if err != nil || len(results) == 0 {
			c.decimalsErr = fmt.Errorf("failed to unpack decimals result: %v", err)
			return
		}
		if d, ok := results[0].(uint8); ok {
			c.decimals = d
			log.Printf("✅ Token decimals resolved: %d", d)
		} else {
			c.decimalsErr = fmt.Errorf("unexpected decimals result type %T", results[0])
		}
	})
	if c.decimalsErr != nil {
		// Once memoizes the first attempt; a failed resolution stays failed
		// until restart, callers treat it as transient node trouble.
		return 0, c.decimalsErr
	}
	return c.decimals, nil
}

// transferFilter builds the log filter for token transfers into the
// collection address.
func (c *Client) transferFilter(collection common.Address, fromBlock, toBlock *big.Int) ethereum.FilterQuery {
	transferTopic := c.tokenABI.Events["Transfer"].ID
	return ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{c.token},
		Topics: [][]common.Hash{
			{transferTopic},
			nil, // any sender
			{common.BytesToHash(collection.Bytes())},
		},
	}
}

// ParseTransfer decodes one raw log into a TransferEvent.
func (c *Client) ParseTransfer(lg types.Log) (*TransferEvent, error) {
	if len(lg.Topics) != 3 {
		return nil, fmt.Errorf("unexpected transfer log topic count %d", len(lg.Topics))
	}
	values, err := c.tokenABI.Unpack("Transfer", lg.Data)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("failed to unpack transfer log: %v", err)
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected transfer value type %T", values[0])
	}
	return &TransferEvent{
		From:        common.BytesToAddress(lg.Topics[1].Bytes()),
		To:          common.BytesToAddress(lg.Topics[2].Bytes()),
		Value:       value,
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}, nil
}

// FilterTransfers queries historical transfer logs into the collection
// address over a block range (inclusive).
func (c *Client) FilterTransfers(ctx context.Context, collection common.Address, fromBlock, toBlock uint64) ([]TransferEvent, error) {
	query := c.transferFilter(collection, new(big.Int).SetUint64(fromBlock), new(big.Int).SetUint64(toBlock))
	logs, err := c.rpc.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: getLogs [%d,%d]: %v", depositerrors.ErrNodeUnavailable, fromBlock, toBlock, err)
	}

	events := make([]TransferEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := c.ParseTransfer(lg)
		if err != nil {
			log.Printf("⚠️ Skipping undecodable transfer log %s: %v", lg.TxHash.Hex(), err)
			continue
		}
		events = append(events, *ev)
	}
	return events, nil
}

// SubscribeTransfers opens (or reopens) the streaming connection and
// subscribes to live transfer logs into the collection address. Any previous
// streaming connection is closed first. The caller owns the returned
// subscription and decides when to reconnect.
func (c *Client) SubscribeTransfers(ctx context.Context, collection common.Address, sink chan<- types.Log) (ethereum.Subscription, error) {
	if c.cfg.WSEndpoint == "" {
		return nil, fmt.Errorf("ws endpoint is required for streaming")
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}

	wsClient, err := ethclient.DialContext(ctx, c.cfg.WSEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial ws %s: %v", depositerrors.ErrNodeUnavailable, c.cfg.WSEndpoint, err)
	}

	query := c.transferFilter(collection, nil, nil)
	sub, err := wsClient.SubscribeFilterLogs(ctx, query, sink)
	if err != nil {
		wsClient.Close()
		return nil, fmt.Errorf("%w: subscribe logs: %v", depositerrors.ErrNodeUnavailable, err)
	}

	c.ws = wsClient
	c.TouchStreamActivity()
	return sub, nil
}

// TouchStreamActivity records streaming liveness; called for every live event.
func (c *Client) TouchStreamActivity() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// LastStreamActivity returns the time of the last observed streaming activity.
func (c *Client) LastStreamActivity() time.Time {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.lastActivity
}

// ToUnits converts a raw token value to human units using the given decimals.
func ToUnits(raw *big.Int, decimals uint8) float64 {
	if raw == nil {
		return 0
	}
	f := new(big.Float).SetInt(raw)
	scale := new(big.Float).SetFloat64(math.Pow10(int(decimals)))
	units, _ := new(big.Float).Quo(f, scale).Float64()
	return units
}

// FromUnits converts human token units to a raw value.
func FromUnits(units float64, decimals uint8) *big.Int {
	f := new(big.Float).SetFloat64(units)
	scale := new(big.Float).SetFloat64(math.Pow10(int(decimals)))
	raw, _ := new(big.Float).Mul(f, scale).Int(nil)
	return raw
}

// Close releases both connections.
func (c *Client) Close() {
	c.wsMu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.wsMu.Unlock()

	if c.rpc != nil {
		c.rpc.Close()
	}
}

// SubmitTransfer signs and submits a token transfer from the payout key.
// The key is resolved per call so credential rotation applies to the next
// send, never to one in flight.
func (c *Client) SubmitTransfer(ctx context.Context, privateKeyHex string, to common.Address, amount *big.Int) (common.Hash, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid payout key: %w", err)
	}
	fromAddress := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.rpc.PendingNonceAt(ctx, fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: get nonce: %v", depositerrors.ErrNodeUnavailable, err)
	}

	data, err := c.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack transfer: %w", err)
	}

	gasPrice, err := c.resolveGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	gasLimit := c.cfg.GasLimit
	if gasLimit == 0 {
		estimated, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: fromAddress, To: &c.token, Data: data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("%w: estimate gas: %v", depositerrors.ErrNodeUnavailable, err)
		}
		// fixed safety margin on top of the estimate
		gasLimit = estimated * 3 / 2
	}

	tx := types.NewTransaction(nonce, c.token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transfer: %w", err)
	}

	if err := c.rpc.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("%w: send transaction: %v", depositerrors.ErrNodeUnavailable, err)
	}

	log.Printf("📤 Transfer submitted: %s → %s (%s raw), tx=%s",
		fromAddress.Hex(), to.Hex(), amount.String(), signedTx.Hash().Hex())
	return signedTx.Hash(), nil
}

// SignerAddress derives the address controlled by a payout key.
func SignerAddress(privateKeyHex string) (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid payout key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// WaitForReceipt polls for a receipt until found or the deadline passes.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, maxDuration time.Duration) (*types.Receipt, error) {
	deadline := time.Now().Add(maxDuration)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.Receipt(ctx, txHash)
		if err != nil {
			log.Printf("⚠️ Receipt query failed for %s: %v", txHash.Hex(), err)
		} else if receipt != nil {
			return receipt, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("receipt wait timeout after %v for %s", maxDuration, txHash.Hex())
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) resolveGasPrice(ctx context.Context) (*big.Int, error) {
	if c.cfg.GasPrice != "" && c.cfg.GasPrice != "auto" {
		if gasPrice, ok := new(big.Int).SetString(c.cfg.GasPrice, 10); ok {
			return gasPrice, nil
		}
	}

	suggested, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		log.Printf("⚠️ Gas price suggestion failed, using fallback: %v", err)
		return big.NewInt(5_000_000_000), nil // 5 Gwei
	}

	// 20% headroom over the suggestion
	adjusted := new(big.Int).Mul(suggested, big.NewInt(120))
	return adjusted.Div(adjusted, big.NewInt(100)), nil
}
