// Package websocket fans orchestrator events out to browser and CLI clients.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
)

// Event is one frame pushed to clients.
type Event struct {
	Time       string          `json:"time"`
	Event      string          `json:"event"`
	InstanceID string          `json:"instance_id,omitempty"`
	Seq        uint64          `json:"seq,omitempty"`
	StartedAt  string          `json:"started_at,omitempty"`
	UptimeSec  *int64          `json:"uptime_s,omitempty"`
	LastSeq    *uint64         `json:"last_seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

const (
	EventHello     = "berth.hello"
	EventHeartbeat = "berth.heartbeat"
)

// EventRingBuffer keeps the most recent events for replay to new clients.
type EventRingBuffer struct {
	mu     sync.RWMutex
	events []Event
	head   int
	count  int
}

// NewEventRingBuffer returns a ring holding up to size events.
func NewEventRingBuffer(size int) *EventRingBuffer {
	if size <= 0 {
		size = 256
	}
	return &EventRingBuffer{events: make([]Event, size)}
}

// Add appends an event, overwriting the oldest once full.
func (rb *EventRingBuffer) Add(e Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.events[rb.head] = e
	rb.head = (rb.head + 1) % len(rb.events)
	if rb.count < len(rb.events) {
		rb.count++
	}
}

// Tail returns up to the last n events, oldest first. n <= 0 returns all.
func (rb *EventRingBuffer) Tail(n int) []Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if n <= 0 || n > rb.count {
		n = rb.count
	}
	out := make([]Event, n)
	start := (rb.head - n + len(rb.events)) % len(rb.events)
	for i := 0; i < n; i++ {
		out[i] = rb.events[(start+i)%len(rb.events)]
	}
	return out
}

// Len returns the number of buffered events.
func (rb *EventRingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// encodeNDJSONLimited encodes the newest events that fit in maxBytes, keeping
// chronological order. maxBytes <= 0 means no limit.
func encodeNDJSONLimited(events []Event, maxBytes int) ([]byte, int) {
	encoded := make([][]byte, 0, len(events))
	for _, e := range events {
		if data, err := json.Marshal(e); err == nil {
			encoded = append(encoded, data)
		}
	}
	start := 0
	if maxBytes > 0 {
		budget := maxBytes
		start = len(encoded)
		for i := len(encoded) - 1; i >= 0; i-- {
			cost := len(encoded[i]) + 1
			if cost > budget {
				break
			}
			budget -= cost
			start = i
		}
	}
	var sb strings.Builder
	for _, data := range encoded[start:] {
		sb.Write(data)
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), len(encoded) - start
}

// Options tunes a Hub.
type Options struct {
	Logger     *slog.Logger
	BufferSize int
	// BulkMaxEvents and BulkMaxBytes bound the replay frame sent on connect.
	BulkMaxEvents int
	BulkMaxBytes  int
	// Heartbeat is the interval between heartbeat events; zero selects 10s.
	Heartbeat time.Duration
	// CheckOrigin overrides the upgrader's origin check. Nil allows only
	// same-host and loopback origins.
	CheckOrigin func(r *http.Request) bool
	// Initial, when set, produces the first frame for new clients in place
	// of the buffered replay.
	Initial      func() any
	InitialEvent string
}

// Hub manages websocket client connections and broadcasts.
type Hub struct {
	logger     *slog.Logger
	clients    map[string]*client
	mu         sync.RWMutex
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	incoming   chan ClientMessage
	done       chan struct{}
	buffer     *EventRingBuffer
	upgrader   gws.Upgrader
	instanceID string
	seq        atomic.Uint64
	startTime  time.Time
	heartbeat  time.Duration
	initial    func() any
	initialEv  string

	bulkMaxEvents int
	bulkMaxBytes  int
}

const (
	writeDeadline = 5 * time.Second
	pongWait      = 60 * time.Second
	pingInterval  = 30 * time.Second
	sendBuffer    = 64
)

type client struct {
	id      string
	conn    *gws.Conn
	send    chan []byte
	hub     *Hub
	closed  chan struct{}
	closeMu sync.Mutex
}

// ClientMessage is an inbound text frame from a client.
type ClientMessage struct {
	ClientID string
	Payload  []byte
}

// NewHub returns a Hub. Call Run to start delivering events.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	check := opts.CheckOrigin
	if check == nil {
		check = sameOrigin
	}
	h := &Hub{
		logger:        opts.Logger,
		clients:       make(map[string]*client),
		broadcast:     make(chan []byte, 256),
		register:      make(chan *client),
		unregister:    make(chan *client),
		incoming:      make(chan ClientMessage, 64),
		done:          make(chan struct{}),
		buffer:        NewEventRingBuffer(opts.BufferSize),
		upgrader:      gws.Upgrader{CheckOrigin: check},
		instanceID:    uuid.NewString(),
		startTime:     time.Now(),
		heartbeat:     opts.Heartbeat,
		initial:       opts.Initial,
		initialEv:     opts.InitialEvent,
		bulkMaxEvents: opts.BulkMaxEvents,
		bulkMaxBytes:  opts.BulkMaxBytes,
	}
	h.emit(Event{Event: EventHello, StartedAt: h.startTime.Format(time.RFC3339)})
	return h
}

// sameOrigin accepts requests without an Origin header, from the serving
// host, or from loopback.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	rest, ok := strings.CutPrefix(origin, "http://")
	if !ok {
		rest, ok = strings.CutPrefix(origin, "https://")
	}
	if !ok {
		return false
	}
	if rest == r.Host {
		return true
	}
	host := rest
	if i := strings.LastIndexByte(rest, ':'); i >= 0 && !strings.HasSuffix(rest, "]") {
		host = rest[:i]
	}
	switch strings.Trim(host, "[]") {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Run delivers events until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, c := range h.snapshotClients() {
				h.removeClient(c.id)
			}
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "event", "ws.connect", "client", c.id, "clients", n)
		case c := <-h.unregister:
			h.removeClient(c.id)
		case msg := <-h.broadcast:
			for _, c := range h.snapshotClients() {
				h.enqueue(c, msg)
			}
		case <-ticker.C:
			last := h.seq.Load()
			uptime := int64(time.Since(h.startTime).Seconds())
			h.emit(Event{Event: EventHeartbeat, UptimeSec: &uptime, LastSeq: &last})
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshotClients() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// enqueue queues payload for c, dropping the oldest queued frame when the
// client is behind. A closed client is skipped.
func (h *Hub) enqueue(c *client, payload []byte) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}
	for {
		select {
		case c.send <- payload:
			return
		default:
		}
		select {
		case <-c.send:
			h.logger.Debug("websocket client behind; dropped oldest frame", "event", "ws.drop", "client", c.id)
		default:
		}
	}
}

func (h *Hub) removeClient(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		h.logger.Debug("websocket client disconnected", "event", "ws.disconnect", "client", id, "clients", n)
	}
}

// EmitJSON publishes an event carrying payload to every client and the replay
// buffer.
func (h *Hub) EmitJSON(event string, payload any) error {
	if strings.TrimSpace(event) == "" {
		return errors.New("event name required")
	}
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = data
	}
	h.emit(Event{Event: event, Payload: raw})
	return nil
}

func (h *Hub) emit(e Event) {
	if e.Time == "" {
		e.Time = time.Now().Format(time.RFC3339)
	}
	e.InstanceID = h.instanceID
	e.Seq = h.seq.Add(1)
	h.buffer.Add(e)

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("websocket broadcast queue full", "event", "ws.drop", "seq", e.Seq)
	}
}

// Recent returns the newest buffered events.
func (h *Hub) Recent(limit int) []Event {
	return h.buffer.Tail(limit)
}

// Incoming returns inbound client messages.
func (h *Hub) Incoming() <-chan ClientMessage {
	return h.incoming
}

func (h *Hub) replay() ([]byte, int) {
	if h.initial != nil {
		e := Event{Time: time.Now().Format(time.RFC3339), Event: h.initialEv, InstanceID: h.instanceID, Seq: h.seq.Load()}
		if payload, err := json.Marshal(h.initial()); err == nil {
			e.Payload = payload
		}
		data, err := json.Marshal(e)
		if err != nil {
			return nil, 0
		}
		return data, 1
	}
	limit := h.bulkMaxEvents
	if limit <= 0 {
		limit = h.buffer.Len()
	}
	return encodeNDJSONLimited(h.buffer.Tail(limit), h.bulkMaxBytes)
}

// ServeHTTP upgrades the request and registers the client. The first frame is
// the Initial event when configured, else an NDJSON replay of buffered events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "event", "ws.upgrade.error", "error", err)
		return
	}

	bulk, included := h.replay()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(gws.TextMessage, bulk); err != nil {
		h.logger.Warn("websocket replay failed", "event", "ws.replay.error", "error", err)
		_ = conn.Close()
		return
	}
	h.logger.Debug("websocket replay sent", "event", "ws.replay", "events", included, "bytes", len(bulk))

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
		closed: make(chan struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.close()
		}
	}()

	c.conn.SetReadLimit(64 << 10)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "event", "ws.read.error", "client", c.id, "error", err)
			}
			return
		}
		if msgType != gws.TextMessage {
			continue
		}
		select {
		case c.hub.incoming <- ClientMessage{ClientID: c.id, Payload: payload}:
		default:
			c.hub.logger.Warn("websocket inbound queue full", "event", "ws.inbound.drop", "client", c.id)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(gws.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = c.conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseGoingAway, ""))
			return
		}
	}
}

// close is idempotent. The send channel is never closed so enqueue cannot
// panic on a torn-down client.
func (c *client) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}
