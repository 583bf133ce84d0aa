package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"custody-backend/internal/chain"
	"custody-backend/internal/config"
	"custody-backend/internal/metrics"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"
)

// State is the monitor lifecycle phase. Transitions only happen inside the
// run loop, never from callers.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "stopped"
	}
}

// TransferHandler consumes one decoded transfer. Errors are logged, never
// retried here; durable retry belongs to the handler's own storage.
type TransferHandler interface {
	OnTransfer(ctx context.Context, ev chain.TransferEvent) error
}

// Alerter is notified when the stream is abandoned after exhausting
// reconnect attempts.
type Alerter interface {
	AlertStreamDisconnect(reason string)
}

// CollectionResolver yields the current collection address. Resolved per
// (re)subscribe so an admin rotation takes effect on the next reconnect.
type CollectionResolver interface {
	CollectionAddress(ctx context.Context) (common.Address, error)
}

const (
	reconnectInitialDelay = 2 * time.Second
	reconnectMaxDelay     = 2 * time.Minute
	reconnectMaxAttempts  = 10
	livenessCheckInterval = 30 * time.Second
	livenessStaleAfter    = 2 * livenessCheckInterval
	catchupChunkBlocks    = 2000
)

// EventMonitor owns the live transfer stream: subscribe, watch liveness,
// reconnect with bounded backoff, and run the one-shot historical catch-up
// on startup. Decoded events are handed to the TransferHandler.
type EventMonitor struct {
	client      *chain.Client
	db          *gorm.DB
	checkpoints *CheckpointStore
	handler     TransferHandler
	alerter     Alerter
	collection  CollectionResolver
	cfg         *config.DepositConfig

	mu    sync.Mutex
	state State

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires the monitor; Start actually connects.
func New(client *chain.Client, db *gorm.DB, checkpoints *CheckpointStore, handler TransferHandler, alerter Alerter, collection CollectionResolver, cfg *config.DepositConfig) *EventMonitor {
	return &EventMonitor{
		client:      client,
		db:          db,
		checkpoints: checkpoints,
		handler:     handler,
		alerter:     alerter,
		collection:  collection,
		cfg:         cfg,
		state:       StateStopped,
	}
}

// State returns the current lifecycle phase.
func (m *EventMonitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *EventMonitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.MonitorState.Set(float64(s))
	log.Printf("🔄 Event monitor state: %s", s)
}

// Start runs the historical catch-up, opens the stream, and launches the
// run loop. Calling Start on a non-stopped monitor is an error.
func (m *EventMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started (state=%s)", m.state)
	}
	m.state = StateStarting
	m.stopCh = make(chan struct{})
	m.mu.Unlock()
	metrics.MonitorState.Set(float64(StateStarting))

	// Catch-up runs once per process start, before any live event, so a
	// transfer that landed during downtime is processed before new ones.
	if err := m.runCatchup(ctx); err != nil {
		log.Printf("⚠️ Historical catch-up failed, continuing with live stream: %v", err)
	}

	collection, err := m.collection.CollectionAddress(ctx)
	if err != nil {
		m.setState(StateStopped)
		return fmt.Errorf("failed to resolve collection address: %w", err)
	}

	sink := make(chan types.Log, 256)
	sub, err := m.client.SubscribeTransfers(ctx, collection, sink)
	if err != nil {
		m.setState(StateStopped)
		return err
	}

	m.setState(StateRunning)
	log.Printf("🚀 Event monitor started, watching transfers to %s", collection.Hex())

	m.wg.Add(1)
	go m.run(sub.Err(), sink)
	return nil
}

// Stop shuts the run loop down and waits for it.
func (m *EventMonitor) Stop() {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.setState(StateStopped)
	log.Println("🛑 Event monitor stopped")
}

func (m *EventMonitor) run(errCh <-chan error, sink chan types.Log) {
	defer m.wg.Done()

	liveness := time.NewTicker(livenessCheckInterval)
	defer liveness.Stop()

	for {
		select {
		case <-m.stopCh:
			return

		case err := <-errCh:
			log.Printf("❌ Stream subscription error: %v", err)
			next, nextErr, ok := m.reconnect()
			if !ok {
				return
			}
			errCh, sink = nextErr, next

		case lg := <-sink:
			m.client.TouchStreamActivity()
			m.handleLog(lg)

		case <-liveness.C:
			idle := time.Since(m.client.LastStreamActivity())
			if idle < livenessStaleAfter {
				continue
			}
			// Idle streams and silently dead sockets look identical from
			// here; a head probe over the stream-independent RPC connection
			// tells them apart only partially, so resubscribe either way.
			log.Printf("⚠️ No stream activity for %v, forcing resubscribe", idle.Round(time.Second))
			next, nextErr, ok := m.reconnect()
			if !ok {
				return
			}
			errCh, sink = nextErr, next
		}
	}
}

func (m *EventMonitor) handleLog(lg types.Log) {
	if lg.Removed {
		log.Printf("⚠️ Ignoring removed (reorged) log %s", lg.TxHash.Hex())
		return
	}
	metrics.MonitorEventsReceived.Inc()

	ev, err := m.client.ParseTransfer(lg)
	if err != nil {
		log.Printf("⚠️ Undecodable transfer log %s: %v", lg.TxHash.Hex(), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Printf("📥 Live transfer: %s → %s (%s raw) tx=%s block=%d",
		ev.From.Hex(), ev.To.Hex(), ev.Value.String(), ev.TxHash.Hex(), ev.BlockNumber)

	if err := m.handler.OnTransfer(ctx, *ev); err != nil {
		log.Printf("❌ Transfer handling failed for %s: %v", ev.TxHash.Hex(), err)
	}

	m.advanceCheckpoint(ctx, ev.BlockNumber)
}

// reconnect rebuilds the subscription with bounded exponential backoff.
// Returns ok=false after exhausting the attempt budget; the monitor is then
// stopped and the on-call surface alerted.
func (m *EventMonitor) reconnect() (chan types.Log, <-chan error, bool) {
	m.setState(StateReconnecting)

	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		delay := reconnectDelay(attempt)
		log.Printf("🔄 Reconnect attempt %d/%d in %v", attempt, reconnectMaxAttempts, delay)

		select {
		case <-m.stopCh:
			return nil, nil, false
		case <-time.After(delay):
		}

		metrics.MonitorReconnects.Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		collection, err := m.collection.CollectionAddress(ctx)
		if err != nil {
			cancel()
			log.Printf("❌ Reconnect %d: collection address lookup failed: %v", attempt, err)
			continue
		}

		sink := make(chan types.Log, 256)
		sub, err := m.client.SubscribeTransfers(ctx, collection, sink)
		cancel()
		if err != nil {
			log.Printf("❌ Reconnect %d failed: %v", attempt, err)
			continue
		}

		m.setState(StateRunning)
		log.Printf("✅ Stream reconnected on attempt %d", attempt)
		return sink, sub.Err(), true
	}

	reason := fmt.Sprintf("stream reconnect abandoned after %d attempts", reconnectMaxAttempts)
	log.Printf("❌ %s", reason)
	if m.alerter != nil {
		m.alerter.AlertStreamDisconnect(reason)
	}
	m.setState(StateStopped)
	return nil, nil, false
}

// reconnectDelay grows the wait exponentially from the initial delay,
// clamped at the cap. Attempt numbering starts at 1.
func reconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := reconnectInitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= reconnectMaxDelay {
			return reconnectMaxDelay
		}
	}
	return delay
}

func (m *EventMonitor) advanceCheckpoint(ctx context.Context, block uint64) {
	cp, err := m.checkpoints.Load(ctx)
	if err != nil {
		log.Printf("⚠️ Checkpoint load failed: %v", err)
		return
	}
	if cp == nil {
		cp = &Checkpoint{}
	}
	if block <= cp.LastBlock {
		return
	}
	cp.LastBlock = block
	if err := m.checkpoints.Save(ctx, cp); err != nil {
		log.Printf("⚠️ Checkpoint save failed: %v", err)
	}
}
