package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/altscore/internal/scoring"
)

const eventRunCompleted EventType = EventRunPrefix + "completed"

func testHub() *Hub {
	return NewHub(slog.Default())
}

func intPtr(n int) *int { return &n }

// ---------------------------------------------------------------------------
// Subscription tests
// ---------------------------------------------------------------------------

func TestSubscription_AllEvents(t *testing.T) {
	sub := Subscription{AllEvents: true, PersonaIDs: []string{"per_a"}}

	if !sub.Matches(&Event{Type: EventScoreComputed, PersonaID: "per_z"}) {
		t.Error("AllEvents should override every other filter")
	}
}

func TestSubscription_EventTypeFilter(t *testing.T) {
	sub := Subscription{EventTypes: []EventType{eventRunCompleted}}

	if !sub.Matches(&Event{Type: eventRunCompleted}) {
		t.Error("Should receive subscribed event type")
	}
	if sub.Matches(&Event{Type: EventScoreComputed}) {
		t.Error("Should NOT receive unsubscribed event type")
	}
}

func TestSubscription_PersonaFilter(t *testing.T) {
	sub := Subscription{PersonaIDs: []string{"per_a"}}

	if !sub.Matches(&Event{Type: EventScoreComputed, PersonaID: "per_a"}) {
		t.Error("Should match watched persona")
	}
	if sub.Matches(&Event{Type: EventScoreComputed, PersonaID: "per_b"}) {
		t.Error("Should NOT match other personas")
	}
	if sub.Matches(&Event{Type: eventRunCompleted}) {
		t.Error("Events without a persona should not match a persona filter")
	}
}

func TestSubscription_BandFilter(t *testing.T) {
	sub := Subscription{Bands: []string{"A", "B"}}

	if !sub.Matches(&Event{Type: EventScoreComputed, Band: "B"}) {
		t.Error("Should match listed band")
	}
	if sub.Matches(&Event{Type: eventRunCompleted, Band: "D"}) {
		t.Error("Should NOT match other bands")
	}
	if sub.Matches(&Event{Type: RunEvent("running")}) {
		t.Error("Events without a band should not match a band filter")
	}
}

func TestSubscription_MinScoreFilter(t *testing.T) {
	sub := Subscription{MinScore: 600}

	if sub.Matches(&Event{Type: EventScoreComputed, Score: intPtr(527)}) {
		t.Error("Should filter scores below min_score")
	}
	if !sub.Matches(&Event{Type: EventScoreComputed, Score: intPtr(752)}) {
		t.Error("Should pass scores at or above min_score")
	}
	if !sub.Matches(&Event{Type: eventRunCompleted, Score: intPtr(10)}) {
		t.Error("min_score applies only to score events")
	}
}

func TestSubscription_Empty(t *testing.T) {
	if !(Subscription{}).Matches(&Event{Type: EventScoreComputed}) {
		t.Error("Empty subscription should pass all events")
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(slog.Default(), WithAllowedOrigin("https://app.example.com"))

	cases := map[string]bool{
		"":                        true,
		"https://app.example.com": true,
		"https://api.local":       true,
		"https://evil.example":    false,
	}
	for origin, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "https://api.local/ws", nil)
		req.Host = "api.local"
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := h.checkOrigin(req); got != want {
			t.Errorf("checkOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients, got %d", stats.ConnectedClients)
	}
	if stats.TotalEvents != 0 {
		t.Errorf("Expected 0 total events, got %d", stats.TotalEvents)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	if n := h.Stats().ConnectedClients; n != 1 {
		t.Errorf("Expected 1 connected client, got %d", n)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %d", stats.ConnectedClients)
	}
	if stats.PeakClients != 1 {
		t.Errorf("Expected peak still 1, got %d", stats.PeakClients)
	}
}

func TestHub_ScoreComputed(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.ScoreComputed(ctx, &scoring.Explanation{PersonaID: "per_a", ModelID: "baseline", Score: 527})

	select {
	case msg := <-client.send:
		var got struct {
			Type      EventType `json:"type"`
			PersonaID string    `json:"persona_id"`
			Data      struct {
				Score int `json:"score"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("bad event json: %v", err)
		}
		if got.Type != EventScoreComputed || got.PersonaID != "per_a" || got.Data.Score != 527 {
			t.Errorf("Unexpected event: %s", msg)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{eventRunCompleted}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(EventScoreComputed, "per_a", nil)
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive score event")
	default:
	}

	h.Publish(eventRunCompleted, "per_a", map[string]any{"id": "run_1"})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive run event")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(Subscription{PersonaIDs: []string{"per_b"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.Publish(EventScoreComputed, "per_a", nil)
	h.Publish(eventRunCompleted, "per_b", map[string]any{"id": "run_2"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != eventRunCompleted || ev.PersonaID != "per_b" {
		t.Errorf("Expected run event for per_b, got %+v", ev)
	}
}
