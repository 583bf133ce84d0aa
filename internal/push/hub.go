package push

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the frontend is same-origin behind the reverse proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

type message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type client struct {
	userID uint64
	conn   *websocket.Conn
	send   chan []byte
}

// Hub fans deposit lifecycle events out to connected frontend sessions.
// A user can hold several connections; all of them get every event.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint64]map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[uint64]map[*client]struct{})}
}

// Handle upgrades a frontend connection. The user ID comes from the query
// string; the internal API sits behind the authenticating proxy.
func (h *Hub) Handle(c *gin.Context) {
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil || userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ WebSocket upgrade failed for user %d: %v", userID, err)
		return
	}

	cl := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(cl)
	log.Printf("🔌 WebSocket connected: user=%d", userID)

	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *Hub) register(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[cl.userID] == nil {
		h.clients[cl.userID] = make(map[*client]struct{})
	}
	h.clients[cl.userID][cl] = struct{}{}
}

func (h *Hub) unregister(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[cl.userID]; ok {
		if _, ok := set[cl]; ok {
			delete(set, cl)
			close(cl.send)
			if len(set) == 0 {
				delete(h.clients, cl.userID)
			}
		}
	}
}

func (h *Hub) readPump(cl *client) {
	defer func() {
		h.unregister(cl)
		cl.conn.Close()
	}()
	cl.conn.SetReadLimit(512)
	for {
		// inbound frames are ignored, the socket is push-only
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Push sends one event to every connection a user holds. Slow consumers are
// dropped rather than allowed to block the money path.
func (h *Hub) Push(userID uint64, event string, payload any) {
	data, err := json.Marshal(message{Event: event, Payload: payload})
	if err != nil {
		log.Printf("⚠️ Failed to encode push event %s: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for cl := range h.clients[userID] {
		select {
		case cl.send <- data:
		default:
			log.Printf("⚠️ Dropping slow WebSocket consumer (user=%d)", userID)
		}
	}
}

// NotifyDepositPending implements the notifier contract over live sockets.
func (h *Hub) NotifyDepositPending(userID uint64, intentID uint64, txHash string, amount float64) {
	h.Push(userID, "deposit.pending", gin.H{"intent_id": intentID, "tx_hash": txHash, "amount": amount})
}

func (h *Hub) NotifyDepositConfirmed(userID uint64, intentID uint64, txHash string, amount float64) {
	h.Push(userID, "deposit.confirmed", gin.H{"intent_id": intentID, "tx_hash": txHash, "amount": amount})
}

func (h *Hub) NotifyDepositTimeout(userID uint64, intentID uint64) {
	h.Push(userID, "deposit.timeout", gin.H{"intent_id": intentID})
}

// Operator alerts have no user session to land on; NATS carries them.
func (h *Hub) AlertLowPayoutBalance(float64, float64)              {}
func (h *Hub) AlertStreamDisconnect(string)                        {}
func (h *Hub) AlertAmountDeviation(uint64, string, float64, float64) {}
