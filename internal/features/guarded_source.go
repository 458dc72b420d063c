package features

import (
	"context"

	"github.com/mbd888/altscore/internal/circuitbreaker"
)

// breakerKey names the activity store in the circuit breaker.
const breakerKey = "activity_source"

// GuardedSource wraps an ActivitySource with a circuit breaker. While the
// circuit is open Aggregate fails immediately with circuitbreaker.ErrOpen,
// so extraction degrades to defaults without waiting on a dead store.
type GuardedSource struct {
	source  ActivitySource
	breaker *circuitbreaker.Breaker
}

// NewGuardedSource wraps source.
func NewGuardedSource(source ActivitySource, breaker *circuitbreaker.Breaker) *GuardedSource {
	return &GuardedSource{source: source, breaker: breaker}
}

// Aggregate implements ActivitySource.
func (g *GuardedSource) Aggregate(ctx context.Context, personaID string, w Window) (*Aggregates, error) {
	var out *Aggregates
	err := g.breaker.Do(breakerKey, func() error {
		a, err := g.source.Aggregate(ctx, personaID, w)
		if err != nil {
			// A cancelled request says nothing about the store.
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ctx.Err()
	}
	return out, nil
}

var _ ActivitySource = (*GuardedSource)(nil)
