package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/poolheat/controller/internal/auth"
	"github.com/poolheat/controller/internal/errors"
)

// Event stream message types.
const (
	MessageStatus          = "status"
	MessageWifiState       = "wifi.state"
	MessageRelayChanged    = "relay.changed"
	MessageFirmwareStarted = "firmware.started"
	MessageFirmwareResult  = "firmware.result"
)

// channelBufferSize is the buffer of the broadcast channel and of each
// client's send channel. A slow client drops messages rather than blocking
// the broadcaster.
const channelBufferSize = 64

// pingInterval is how often each stream is pinged and its session rechecked.
const pingInterval = 30 * time.Second

// reservedConnections of the gateway's connection limit are never handed to
// event streams, so the API stays reachable with every stream open.
const reservedConnections = 2

// Message is one event stream frame.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
	At      time.Time   `json:"at"`
}

// Hub fans event messages out to websocket clients.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	stopped    bool
	broadcast  chan Message
	maxClients int
	now        func() time.Time
}

type client struct {
	conn      *websocket.Conn
	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
	tokenHash string
	expiresAt time.Time
}

// NewHub creates a hub and starts its broadcaster. maxClients <= 0 means no
// limit; now defaults to time.Now and decides when a client's session ends.
func NewHub(maxClients int, now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Message, channelBufferSize),
		maxClients: maxClients,
		now:        now,
	}
	go h.run()
	return h
}

// streamLimit is how many event streams fit in maxConnections while leaving
// reservedConnections free for plain API requests.
func streamLimit(maxConnections int) int {
	n := maxConnections - reservedConnections
	if n < 1 {
		n = 1
	}
	return n
}

// Broadcast queues a message for every client. Never blocks.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return
	}
	select {
	case h.broadcast <- Message{Type: msgType, Payload: payload, At: time.Now()}:
	default:
		log.Printf("gateway: event channel full, dropping %s", msgType)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Revoke disconnects every client authenticated with one of tokenHashes.
func (h *Hub) Revoke(tokenHashes []string) {
	revoked := make(map[string]bool, len(tokenHashes))
	for _, k := range tokenHashes {
		revoked[k] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if revoked[c.tokenHash] {
			delete(h.clients, c)
			c.close()
		}
	}
}

// Full reports whether another client would exceed the stream limit.
func (h *Hub) Full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxClients > 0 && len(h.clients) >= h.maxClients
}

// ExpireSessions disconnects every client whose session has run out.
func (h *Hub) ExpireSessions() {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.expired(now) {
			delete(h.clients, c)
			c.close()
		}
	}
}

// Close disconnects every client and stops the broadcaster.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*client]bool)
	close(h.broadcast)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if h.maxClients > 0 && len(h.clients) >= h.maxClients {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) run() {
	for msg := range h.broadcast {
		h.ExpireSessions()
		h.mu.RLock()
		for c := range h.clients {
			select {
			case <-c.done:
			case c.send <- msg:
			default:
				log.Printf("gateway: event client too slow, dropping %s", msg.Type)
			}
		}
		h.mu.RUnlock()
	}
}

func (c *client) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump sends queued messages and pings every pingInterval. A client
// whose session has expired is closed at the next ping.
func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"))
			return

		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("gateway: failed to marshal %s: %v", msg.Type, err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if c.expired(h.now()) {
				h.ExpireSessions()
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and notices when the client goes away.
func (c *client) readPump(h *Hub) {
	defer h.unregister(c)

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("gateway: event client read error: %v", err)
			}
			return
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if s.hub.Full() {
		writeError(w, errors.CodeConflictStreamsFull, "Too many event streams open")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: websocket upgrade failed: %v", err)
		return
	}

	c := &client{
		conn:      conn,
		send:      make(chan Message, channelBufferSize),
		done:      make(chan struct{}),
		tokenHash: auth.HashToken(sess.Token),
		expiresAt: sess.ExpiresAt,
	}
	if !s.hub.register(c) {
		conn.Close()
		return
	}
	log.Printf("gateway: event client connected (%d total)", s.hub.Count())

	c.send <- Message{Type: MessageStatus, Payload: s.buildStatus(), At: s.cfg.Now()}
	go c.writePump(s.hub)
	c.readPump(s.hub)
}
