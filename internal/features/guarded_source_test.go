package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/altscore/internal/circuitbreaker"
)

type countingSource struct {
	calls int
	err   error
}

func (c *countingSource) Aggregate(context.Context, string, Window) (*Aggregates, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &Aggregates{}, nil
}

func TestGuardedSource_OpensAfterFailures(t *testing.T) {
	src := &countingSource{err: errors.New("connection refused")}
	g := NewGuardedSource(src, circuitbreaker.New(2, time.Minute))
	ctx := context.Background()
	w := NewWindow(fixedNow)

	for range 2 {
		if _, err := g.Aggregate(ctx, "per_a", w); err == nil {
			t.Fatal("expected source error")
		}
	}
	if _, err := g.Aggregate(ctx, "per_a", w); !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("expected source skipped while open, got %d calls", src.calls)
	}

	// The extractor still answers with marked defaults.
	set := newTestExtractor(g).Extract(ctx, "per_a")
	if set.Error != ErrorMarkerUnavailable {
		t.Fatalf("Expected %q, got %q", ErrorMarkerUnavailable, set.Error)
	}
}

func TestGuardedSource_CancelledRequestDoesNotTrip(t *testing.T) {
	src := &countingSource{err: context.Canceled}
	b := circuitbreaker.New(1, time.Minute)
	g := NewGuardedSource(src, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Aggregate(ctx, "per_a", NewWindow(fixedNow)); err == nil {
		t.Fatal("expected an error for a cancelled request")
	}
	if b.State(breakerKey) != circuitbreaker.StateClosed {
		t.Fatalf("expected closed circuit, got %v", b.State(breakerKey))
	}
}

func TestGuardedSource_PassesThrough(t *testing.T) {
	src := &countingSource{}
	g := NewGuardedSource(src, circuitbreaker.New(1, time.Minute))

	a, err := g.Aggregate(context.Background(), "per_a", NewWindow(fixedNow))
	if err != nil || a == nil {
		t.Fatalf("expected aggregates, got %v, %v", a, err)
	}
}
