package ws

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/oracle/internal/logger"
	"github.com/wnt/oracle/internal/metrics"
)

// Tier ordinals, ascending, matching spec §6 "public < free < standard <
// premium < internal" for broadcastToTier comparisons.
const (
	TierPublic   = 0
	TierFree     = 1
	TierStandard = 2
	TierPremium  = 3
	TierInternal = 4
)

// TierOrdinal maps a tier name to its comparison ordinal.
func TierOrdinal(tier string) int {
	switch tier {
	case "free":
		return TierFree
	case "standard":
		return TierStandard
	case "premium":
		return TierPremium
	case "internal":
		return TierInternal
	default:
		return TierPublic
	}
}

const (
	maxConnectionsPerKey = 5
	pingInterval         = 30 * time.Second
	pongTimeout          = 60 * time.Second
	writeTimeout         = 10 * time.Second
)

// Message is the JSON envelope every server event uses (spec §6).
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	Ts    int64       `json:"ts"`
}

// connection is one registry entry: conn → {key, tier, lastPong, readBuffer}.
type connection struct {
	conn     net.Conn
	rw       *bufio.ReadWriter
	apiKeyID string
	tier     string
	mu       sync.Mutex // guards writes to conn
	lastPong time.Time
	closed   bool
}

func (c *connection) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return writeFrame(c.rw, opText, body)
}

func (c *connection) sendRaw(op opcode, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return writeFrame(c.rw, op, payload)
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// Hub is the connection registry plus broadcast API (spec §6 "Maintain a
// registry {connection → {key, tier, lastPong, readBuffer}}").
type Hub struct {
	mu          sync.RWMutex
	conns       map[*connection]struct{}
	byKey       map[string]map[*connection]struct{}
	log         zerolog.Logger
	nowTime     func() int64
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[*connection]struct{}),
		byKey: make(map[string]map[*connection]struct{}),
		log:   logger.WithComponent(log, "ws_hub"),
		nowTime: func() int64 { return time.Now().Unix() },
	}
}

// Accept upgrades an HTTP request to a WebSocket connection for apiKeyID
// at the given tier, enforcing the per-key connection cap (spec §6
// "per-key connection cap (default 5)"), then serves it until it closes.
// Blocks; call from its own goroutine per request.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request, apiKeyID, tier string) error {
	if h.countForKey(apiKeyID) >= maxConnectionsPerKey {
		http.Error(w, "connection limit reached for this key", http.StatusTooManyRequests)
		return nil
	}

	conn, rw, err := Upgrade(w, r)
	if err != nil {
		return err
	}

	c := &connection{conn: conn, rw: rw, apiKeyID: apiKeyID, tier: tier, lastPong: time.Now()}
	h.register(c)
	metrics.WSConnections.Inc()
	defer func() {
		h.unregister(c)
		c.close()
		metrics.WSConnections.Dec()
	}()

	_ = c.send(Message{Event: "connected", Data: map[string]string{"tier": tier}, Ts: h.nowTime()})

	stop := make(chan struct{})
	go h.heartbeat(c, stop)
	defer close(stop)

	return h.readLoop(c)
}

func (h *Hub) readLoop(c *connection) error {
	for {
		fr, err := readFrame(c.rw)
		if err != nil {
			return err
		}
		switch fr.opcode {
		case opClose:
			return nil
		case opPing:
			_ = c.sendRaw(opPong, fr.payload)
		case opPong:
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		case opText:
			h.handleClientMessage(c, fr.payload)
		}
	}
}

func (h *Hub) handleClientMessage(c *connection, payload []byte) {
	var msg struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return
	}
	if msg.Action == "ping" {
		_ = c.send(Message{Event: "pong", Data: map[string]int64{"ts": h.nowTime()}, Ts: h.nowTime()})
	}
}

// heartbeat pings every 30s and drops the connection if no pong arrives
// within 60s (spec §6).
func (h *Hub) heartbeat(c *connection, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			sincePong := time.Since(c.lastPong)
			c.mu.Unlock()
			if sincePong > pongTimeout {
				_ = c.sendRaw(opClose, nil)
				c.close()
				return
			}
			_ = c.sendRaw(opPing, nil)
		}
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	if h.byKey[c.apiKeyID] == nil {
		h.byKey[c.apiKeyID] = make(map[*connection]struct{})
	}
	h.byKey[c.apiKeyID][c] = struct{}{}
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	if set, ok := h.byKey[c.apiKeyID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byKey, c.apiKeyID)
		}
	}
}

func (h *Hub) countForKey(apiKeyID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byKey[apiKeyID])
}

// snapshot copies the connection set so Broadcast never holds the lock
// during I/O (spec §5 "broadcasting iterates a snapshot").
func (h *Hub) snapshot() []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast writes event/data to every connection (spec §5 broadcast).
func (h *Hub) Broadcast(event string, data interface{}) {
	msg := Message{Event: event, Data: data, Ts: h.nowTime()}
	for _, c := range h.snapshot() {
		if err := c.send(msg); err != nil {
			h.log.Debug().Err(err).Msg("broadcast write failed, dropping connection")
			go func(c *connection) { h.unregister(c); c.close() }(c)
		}
	}
}

// BroadcastToTier writes only to connections at or above minTier
// (spec §5 broadcastToTier).
func (h *Hub) BroadcastToTier(event string, data interface{}, minTier int) {
	msg := Message{Event: event, Data: data, Ts: h.nowTime()}
	for _, c := range h.snapshot() {
		if TierOrdinal(c.tier) < minTier {
			continue
		}
		if err := c.send(msg); err != nil {
			h.log.Debug().Err(err).Msg("broadcast write failed, dropping connection")
			go func(c *connection) { h.unregister(c); c.close() }(c)
		}
	}
}

// ConnectionCount reports the live connection count, for /status and
// metrics endpoints.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

