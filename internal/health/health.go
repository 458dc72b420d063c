// Package health runs named subsystem checks for the /health endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Checker checks one subsystem. It should honour ctx.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry holds checkers in registration order.
type Registry struct {
	timeout time.Duration

	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates a registry whose checks each get DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a checker reported under name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and reports healthy only if all
// of them pass. Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	entries := append([]entry(nil), r.entries...)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			statuses[i] = r.run(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, e entry) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	s := e.check(ctx)
	s.Name = e.name
	s.LatencyMS = time.Since(start).Milliseconds()
	if !s.Healthy && s.Detail == "" && ctx.Err() != nil {
		s.Detail = "check timed out"
	}
	return s
}
