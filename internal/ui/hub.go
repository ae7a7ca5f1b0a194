// Package ui pushes live session events to browser clients over WebSocket.
//
// The [Hub] implements the session sinks: every volume sample, transcript
// change, state change and analysis report is encoded once and offered to each
// connected client. Each client has its own bounded queue drained by a writer
// goroutine; when a client falls behind its newest events are dropped, so a
// slow browser never stalls the audio pipeline.
package ui

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/MrWong99/koojai/internal/transcript"
	"github.com/MrWong99/koojai/pkg/memory"
	"github.com/MrWong99/koojai/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 4096

	// DefaultClientBuffer is the per-client event queue length.
	DefaultClientBuffer = 64
)

// Event types sent to clients.
const (
	EventVolume     = "volume"
	EventTranscript = "transcript"
	EventState      = "state"
	EventReport     = "report"
	EventBreath     = "breath"
)

// Event is one JSON message on the /ws stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type string `json:"type"`

	Volume *Volume `json:"volume,omitempty"`

	// Transcript.
	Turns []transcript.Turn `json:"turns,omitempty"`

	// State.
	State     string `json:"state,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Report.
	Report *memory.Report `json:"report,omitempty"`

	// Breath: idle indicator scale, around 1.
	Pulse float64 `json:"pulse,omitempty"`

	TimestampMS int64 `json:"ts_ms"`
}

// Volume is the payload of an [EventVolume].
type Volume struct {
	Level   float64       `json:"level"`
	Speaker types.Speaker `json:"speaker"`
	Active  bool          `json:"active"`
}

// Option is a functional option for configuring a [Hub].
type Option func(*Hub)

// WithAllowedOrigins adds browser origins that may connect in addition to
// same-origin, localhost and private-network pages.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Hub) { h.origins = append(h.origins, origins...) }
}

// WithClientBuffer sets the per-client queue length.
func WithClientBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithSnapshot registers fn to produce the events sent to a client right
// after it connects, e.g. the current state and transcript.
func WithSnapshot(fn func() []Event) Option {
	return func(h *Hub) { h.snapshot = fn }
}

// Hub fans events out to connected WebSocket clients. All methods are safe
// for concurrent use.
type Hub struct {
	origins  []string
	buffer   int
	snapshot func() []Event
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Int64
}

type client struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

// offer queues ev without blocking. It reports false when the queue is full.
func (c *client) offer(ev Event) bool {
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		buffer:  DefaultClientBuffer,
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of events discarded for slow clients.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Volume implements session.VisualizerSink.
func (h *Hub) Volume(level float64, speaker types.Speaker, active bool) {
	h.Broadcast(Event{Type: EventVolume, Volume: &Volume{Level: level, Speaker: speaker, Active: active}})
}

// Transcript implements session.TranscriptSink.
func (h *Hub) Transcript(turns []transcript.Turn) {
	h.Broadcast(Event{Type: EventTranscript, Turns: turns})
}

// State announces a lifecycle change.
func (h *Hub) State(state, sessionID string) {
	h.Broadcast(Event{Type: EventState, State: state, SessionID: sessionID})
}

// Report pushes a stored analysis report.
func (h *Hub) Report(r memory.Report) {
	h.Broadcast(Event{Type: EventReport, Report: &r})
}

// Breath pushes one frame of the idle indicator animation.
func (h *Hub) Breath(pulse float64) {
	h.Broadcast(Event{Type: EventBreath, Pulse: pulse})
}

// Broadcast offers ev to every client. It never blocks.
func (h *Hub) Broadcast(ev Event) {
	if ev.TimestampMS == 0 {
		ev.TimestampMS = h.now().UnixMilli()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.offer(ev) {
			if h.dropped.Add(1) == 1 {
				slog.Warn("ui: client too slow, dropping events", "type", ev.Type)
			}
		}
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("ui: websocket upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan Event, h.buffer)}

	if h.snapshot != nil {
		for _, ev := range h.snapshot() {
			if ev.TimestampMS == 0 {
				ev.TimestampMS = h.now().UnixMilli()
			}
			c.offer(ev)
		}
	}
	if !h.add(c) {
		_ = conn.Close()
		return
	}
	slog.Debug("ui: client connected", "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// readLoop discards client messages and keeps the read deadline alive. It
// returns when the client goes away.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the only writer on c.conn.
func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// checkOrigin reports whether the WebSocket connection origin is allowed.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests omit the Origin header
	if origin == "" {
		return true
	}
	if slices.Contains(h.origins, origin) {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("ui: rejected websocket connection, invalid origin", "origin", origin)
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("ui: rejected websocket connection", "origin", origin, "host", host)
	return false
}
