package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"custody-backend/internal/config"

	"github.com/nats-io/nats.go"
)

// Notifier publishes user-facing deposit events and operator alerts. Every
// method is fire-and-forget: notification failure must never fail the
// money-path operation that triggered it.
type Notifier interface {
	NotifyDepositPending(userID uint64, intentID uint64, txHash string, amount float64)
	NotifyDepositConfirmed(userID uint64, intentID uint64, txHash string, amount float64)
	NotifyDepositTimeout(userID uint64, intentID uint64)
	AlertLowPayoutBalance(balance float64, required float64)
	AlertStreamDisconnect(reason string)
	AlertAmountDeviation(userID uint64, txHash string, amount float64, expected float64)
}

// NATSNotifier publishes JSON messages over NATS subjects.
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier connects to the configured NATS server.
func NewNATSNotifier(cfg *config.NATSConfig) (*NATSNotifier, error) {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("⚠️ NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("✅ NATS reconnected: %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect NATS at %s: %w", cfg.URL, err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "custody"
	}

	log.Printf("✅ NATS connected: %s (prefix=%s)", cfg.URL, prefix)
	return &NATSNotifier{conn: conn, prefix: prefix}, nil
}

func (n *NATSNotifier) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("⚠️ Failed to encode %s notification: %v", subject, err)
		return
	}
	full := n.prefix + "." + subject
	if err := n.conn.Publish(full, data); err != nil {
		log.Printf("⚠️ Failed to publish %s: %v", full, err)
	}
}

// NotifyDepositPending tells the user their transfer was seen on chain.
func (n *NATSNotifier) NotifyDepositPending(userID uint64, intentID uint64, txHash string, amount float64) {
	n.publish("deposit.pending", map[string]any{
		"user_id":   userID,
		"intent_id": intentID,
		"tx_hash":   txHash,
		"amount":    amount,
		"at":        time.Now().UTC(),
	})
}

// NotifyDepositConfirmed tells the user their deposit is final.
func (n *NATSNotifier) NotifyDepositConfirmed(userID uint64, intentID uint64, txHash string, amount float64) {
	n.publish("deposit.confirmed", map[string]any{
		"user_id":   userID,
		"intent_id": intentID,
		"tx_hash":   txHash,
		"amount":    amount,
		"at":        time.Now().UTC(),
	})
}

// NotifyDepositTimeout tells the user their intent expired unfunded.
func (n *NATSNotifier) NotifyDepositTimeout(userID uint64, intentID uint64) {
	n.publish("deposit.timeout", map[string]any{
		"user_id":   userID,
		"intent_id": intentID,
		"at":        time.Now().UTC(),
	})
}

// AlertLowPayoutBalance pages the operator channel about an underfunded
// payout wallet.
func (n *NATSNotifier) AlertLowPayoutBalance(balance float64, required float64) {
	log.Printf("🚨 Payout balance low: have %.6f, need %.6f", balance, required)
	n.publish("alert.payout_balance", map[string]any{
		"balance":  balance,
		"required": required,
		"at":       time.Now().UTC(),
	})
}

// AlertAmountDeviation flags a transfer that matched a tier only because of
// tolerance. These need a human eye: repeated near-boundary amounts from one
// wallet usually mean a misconfigured sender.
func (n *NATSNotifier) AlertAmountDeviation(userID uint64, txHash string, amount float64, expected float64) {
	log.Printf("🚨 Amount deviation: user=%d tx=%s got %.6f, expected %.6f", userID, txHash, amount, expected)
	n.publish("alert.amount_deviation", map[string]any{
		"user_id":  userID,
		"tx_hash":  txHash,
		"amount":   amount,
		"expected": expected,
		"at":       time.Now().UTC(),
	})
}

// AlertStreamDisconnect pages the operator channel about an abandoned
// event stream.
func (n *NATSNotifier) AlertStreamDisconnect(reason string) {
	log.Printf("🚨 Event stream abandoned: %s", reason)
	n.publish("alert.stream_disconnect", map[string]any{
		"reason": reason,
		"at":     time.Now().UTC(),
	})
}

// Close drains and closes the connection.
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// NopNotifier discards everything; used when NATS is not configured and in
// tests.
type NopNotifier struct{}

func (NopNotifier) NotifyDepositPending(uint64, uint64, string, float64)   {}
func (NopNotifier) NotifyDepositConfirmed(uint64, uint64, string, float64) {}
func (NopNotifier) NotifyDepositTimeout(uint64, uint64)                    {}
func (NopNotifier) AlertLowPayoutBalance(float64, float64)                 {}
func (NopNotifier) AlertStreamDisconnect(string)                           {}
func (NopNotifier) AlertAmountDeviation(uint64, string, float64, float64)  {}
