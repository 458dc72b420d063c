package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore is a process-local CounterStore. It is correct only for
// a single instance.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*counter
	now      func() time.Time
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// Incr implements CounterStore.
func (m *MemoryCounterStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(window)}
		m.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// Sweep drops expired windows and returns how many were removed.
func (m *MemoryCounterStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, c := range m.counters {
		if !now.Before(c.expiresAt) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live and expired windows held.
func (m *MemoryCounterStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

// Start sweeps expired windows every interval until ctx is cancelled.
func (m *MemoryCounterStore) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
