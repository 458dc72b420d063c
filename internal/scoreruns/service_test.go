package scoreruns

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/altscore/internal/scoring"
)

// fakeScorer returns a fixed result, optionally blocking until released.
type fakeScorer struct {
	gate chan struct{}
	err  error
}

func (f *fakeScorer) Compute(ctx context.Context, personaID, modelID string) (*scoring.Explanation, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &scoring.Explanation{
		PersonaID: personaID,
		ModelID:   modelID,
		Score:     527,
		Band:      scoring.Band{Label: "C", MinScore: 450, MaxScore: 649},
	}, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Status
}

func (r *recordingEmitter) EmitRunEvent(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, run.Status)
}

func (r *recordingEmitter) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.events...)
}

func newTestService(scorer Scorer) (*Service, *MemoryStore, *recordingEmitter) {
	store := NewMemoryStore()
	events := &recordingEmitter{}
	svc := NewService(store, scorer, slog.Default()).WithEvents(events)
	return svc, store, events
}

func TestService_StartCompletes(t *testing.T) {
	svc, _, events := newTestService(&fakeScorer{})
	ctx := context.Background()

	run, err := svc.Start(ctx, "client_1", "per_1", "alt-v1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != StatusRunning {
		t.Errorf("Expected running, got %s", run.Status)
	}
	svc.Wait()

	got, err := svc.Get(ctx, "client_1", run.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.Status, got.Error)
	}
	if got.ScoreResult == nil || *got.ScoreResult != 527 || got.RiskBand != "C" {
		t.Errorf("Unexpected result: %+v", got)
	}
	if got.Explanation == nil || got.CompletedAt == nil {
		t.Error("Expected explanation and completed_at")
	}
	if s := events.statuses(); len(s) != 2 || s[0] != StatusRunning || s[1] != StatusCompleted {
		t.Errorf("Expected running then completed events, got %v", s)
	}
}

func TestService_StartFails(t *testing.T) {
	svc, _, _ := newTestService(&fakeScorer{err: scoring.ErrModelNotFound})
	ctx := context.Background()

	run, _ := svc.Start(ctx, "client_1", "per_1", "ghost")
	svc.Wait()

	got, _ := svc.Get(ctx, "client_1", run.ID)
	if got.Status != StatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if got.Error == "" || got.Error == "internal error" {
		t.Errorf("Expected the not-found message, got %q", got.Error)
	}
}

func TestService_InternalErrorHidden(t *testing.T) {
	svc, _, _ := newTestService(&fakeScorer{err: errors.New("pq: connection refused")})
	run, _ := svc.Start(context.Background(), "client_1", "per_1", "alt-v1")
	svc.Wait()

	got, _ := svc.Get(context.Background(), "client_1", run.ID)
	if got.Error != "internal error" {
		t.Errorf("Expected generic error, got %q", got.Error)
	}
}

func TestService_StartValidation(t *testing.T) {
	svc, _, _ := newTestService(&fakeScorer{})
	if _, err := svc.Start(context.Background(), "c", "bad persona!", "alt-v1"); !errors.Is(err, ErrInvalidPersona) {
		t.Errorf("Expected ErrInvalidPersona, got %v", err)
	}
	if _, err := svc.Start(context.Background(), "c", "per_1", ""); !errors.Is(err, ErrInvalidModel) {
		t.Errorf("Expected ErrInvalidModel, got %v", err)
	}
}

func TestService_Cancel(t *testing.T) {
	scorer := &fakeScorer{gate: make(chan struct{})}
	svc, _, events := newTestService(scorer)
	ctx := context.Background()

	run, _ := svc.Start(ctx, "client_1", "per_1", "alt-v1")

	cancelled, err := svc.Cancel(ctx, "client_1", run.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", cancelled.Status)
	}
	svc.Wait()

	got, _ := svc.Get(ctx, "client_1", run.ID)
	if got.Status != StatusCancelled {
		t.Errorf("Cancelled run must stay cancelled, got %s", got.Status)
	}
	if _, err := svc.Cancel(ctx, "client_1", run.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("Expected ErrTerminal on second cancel, got %v", err)
	}
	if s := events.statuses(); len(s) != 2 || s[1] != StatusCancelled {
		t.Errorf("Expected running then cancelled events, got %v", s)
	}
}

func TestService_CancelCompleted(t *testing.T) {
	svc, _, _ := newTestService(&fakeScorer{})
	run, _ := svc.Start(context.Background(), "client_1", "per_1", "alt-v1")
	svc.Wait()

	if _, err := svc.Cancel(context.Background(), "client_1", run.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("Expected ErrTerminal, got %v", err)
	}
}

func TestService_OwnerIsolation(t *testing.T) {
	svc, _, _ := newTestService(&fakeScorer{})
	ctx := context.Background()
	run, _ := svc.Start(ctx, "client_1", "per_1", "alt-v1")
	svc.Wait()

	if _, err := svc.Get(ctx, "client_2", run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound for other owner, got %v", err)
	}
	if _, err := svc.Cancel(ctx, "client_2", run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound on cancel by other owner, got %v", err)
	}
	runs, _ := svc.ListByOwner(ctx, "client_2", 0)
	if len(runs) != 0 {
		t.Errorf("Expected no runs for client_2, got %d", len(runs))
	}
}

func TestService_ListByOwnerNewestFirst(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _ := newTestService(&fakeScorer{})
	svc.WithClock(func() time.Time { return now })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		run, _ := svc.Start(ctx, "client_1", "per_1", "alt-v1")
		ids = append(ids, run.ID)
		svc.Wait()
		now = now.Add(time.Second)
	}

	runs, err := svc.ListByOwner(ctx, "client_1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Errorf("Expected newest two runs first, got %v", runs)
	}
}

func TestService_Reap(t *testing.T) {
	scorer := &fakeScorer{gate: make(chan struct{})}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	svc, _, events := newTestService(scorer)
	svc.WithClock(func() time.Time { return now })
	ctx := context.Background()

	run, _ := svc.Start(ctx, "client_1", "per_1", "alt-v1")

	n, err := svc.Reap(ctx, DefaultTimeout)
	if err != nil || n != 0 {
		t.Fatalf("Fresh run should not be reaped: n=%d err=%v", n, err)
	}

	now = now.Add(DefaultTimeout + time.Second)
	n, err = svc.Reap(ctx, DefaultTimeout)
	if err != nil || n != 1 {
		t.Fatalf("Expected 1 reaped run: n=%d err=%v", n, err)
	}
	svc.Wait()

	got, _ := svc.Get(ctx, "client_1", run.ID)
	if got.Status != StatusFailed || got.Error != "timed out" {
		t.Errorf("Expected failed/timed out, got %s/%q", got.Status, got.Error)
	}
	if s := events.statuses(); s[len(s)-1] != StatusFailed {
		t.Errorf("Expected a failed event last, got %v", s)
	}
}

func TestService_Shutdown(t *testing.T) {
	scorer := &fakeScorer{gate: make(chan struct{})}
	svc, _, _ := newTestService(scorer)
	run, _ := svc.Start(context.Background(), "client_1", "per_1", "alt-v1")

	done := make(chan struct{})
	go func() {
		svc.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	got, _ := svc.Get(context.Background(), "client_1", run.ID)
	if got.Status != StatusRunning {
		t.Errorf("Interrupted run should be left for the reaper, got %s", got.Status)
	}
}

func TestMemoryStore_TransitionGuardsStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	run := &Run{ID: "run_1", Status: StatusCompleted}
	_ = store.Create(ctx, run)

	update := *run
	update.Status = StatusFailed
	if err := store.Transition(ctx, &update, StatusRunning); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("Expected ErrStatusConflict, got %v", err)
	}
	if err := store.Transition(ctx, &Run{ID: "ghost"}, StatusRunning); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
	got, _ := store.Get(ctx, "run_1")
	if got.Status != StatusCompleted {
		t.Errorf("Terminal run was modified: %s", got.Status)
	}
}

func TestReaper_StartStop(t *testing.T) {
	svc, _, _ := newTestService(&fakeScorer{})
	r := NewReaper(svc, DefaultTimeout, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	if !r.Running() {
		t.Error("Expected reaper to be running")
	}
	r.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Reaper did not stop")
	}
}
