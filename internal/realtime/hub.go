// Package realtime streams score and score-run events to WebSocket clients.
//
// Clients receive every event by default and may narrow their subscription
// by sending a JSON Subscription message at any time.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/altscore/internal/metrics"
	"github.com/mbd888/altscore/internal/scoring"
)

// EventType names an event on the stream.
type EventType string

const (
	EventScoreComputed EventType = "score.computed"
	// Score run events are "score_run." followed by the run status.
	EventRunPrefix = "score_run."
)

// RunEvent returns the event type for a run entering status.
func RunEvent(status string) EventType {
	return EventType(EventRunPrefix + status)
}

// Event is one message on the stream.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	PersonaID string    `json:"persona_id,omitempty"`
	Band      string    `json:"band,omitempty"`
	Score     *int      `json:"score,omitempty"`
	Data      any       `json:"data"`
}

// DefaultMaxClients caps concurrent websocket connections.
const DefaultMaxClients = 10000

// Stats is a point-in-time view of hub activity.
type Stats struct {
	ConnectedClients int   `json:"connected_clients"`
	TotalClients     int64 `json:"total_clients"`
	PeakClients      int64 `json:"peak_clients"`
	TotalEvents      int64 `json:"total_events"`
	DroppedEvents    int64 `json:"dropped_events"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigin additionally accepts browser upgrades from origin.
// "*" accepts any origin.
func WithAllowedOrigin(origin string) Option {
	return func(h *Hub) { h.allowedOrigin = origin }
}

// WithMaxClients overrides DefaultMaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// Hub fans events out to subscribed clients. All client set mutations
// happen on the Run goroutine.
type Hub struct {
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	allowedOrigin string
	maxClients    int

	mu      sync.RWMutex
	clients map[*Client]struct{}

	events     chan *Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		logger:     logger,
		maxClients: DefaultMaxClients,
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts non-browser clients, same-host pages and the
// configured origin.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		return true
	case h.allowedOrigin == "*":
		return true
	case h.allowedOrigin != "" && origin == h.allowedOrigin:
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Run delivers events until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// drop removes c and closes its queue. Callers hold h.mu.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// deliver encodes ev once and queues it on every matching client. Clients
// whose queue is full are disconnected.
func (h *Hub) deliver(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("realtime event not encodable", "type", ev.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if _, ok := h.clients[c]; ok {
			h.drop(c)
		}
	}
	h.mu.Unlock()
	h.logger.Debug("dropped slow realtime clients", "count", len(slow))
}

// Broadcast queues ev without blocking. Events are discarded when the
// queue is full.
func (h *Hub) Broadcast(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case h.events <- ev:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", ev.Type)
	}
}

// Publish broadcasts data as an event of the given type about personaID.
func (h *Hub) Publish(eventType EventType, personaID string, data any) {
	h.Broadcast(&Event{Type: eventType, PersonaID: personaID, Data: data})
}

// ScoreComputed implements scoring.Notifier.
func (h *Hub) ScoreComputed(_ context.Context, e *scoring.Explanation) {
	score := e.Score
	h.Broadcast(&Event{
		Type:      EventScoreComputed,
		PersonaID: e.PersonaID,
		Band:      e.Band.Label,
		Score:     &score,
		Data:      e,
	})
}

// Stats reports connection and event counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	return Stats{
		ConnectedClients: n,
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
	}
}

// HandleWebSocket upgrades the request and subscribes the connection to all
// events.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		sub:  Subscription{AllEvents: true},
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}
