package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records redeemed nonces until their token expires.
type NonceStore interface {
	// Consume records nonce and reports whether this is its first use.
	Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
}

// Compile-time checks.
var (
	_ NonceStore = (*MemoryNonceStore)(nil)
	_ NonceStore = (*RedisNonceStore)(nil)
)

// MemoryNonceStore keeps nonces in process memory. Expired entries are
// removed by Sweep.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewMemoryNonceStore creates an empty in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Consume implements NonceStore.
func (m *MemoryNonceStore) Consume(_ context.Context, nonce string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.nonces[nonce]; ok && m.now().Before(exp) {
		return false, nil
	}
	m.nonces[nonce] = expiresAt
	return true, nil
}

// Sweep removes nonces whose token has expired and returns how many were
// removed.
func (m *MemoryNonceStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for nonce, exp := range m.nonces {
		if !now.Before(exp) {
			delete(m.nonces, nonce)
			removed++
		}
	}
	return removed
}

// Len returns the number of nonces held.
func (m *MemoryNonceStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nonces)
}

// RedisNonceStore records nonces with SETNX so every instance shares replay
// state. Keys expire with their token.
type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisNonceStore creates a Redis-backed nonce store.
func NewRedisNonceStore(client redis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "altscore:nonce:", now: time.Now}
}

// Consume implements NonceStore.
func (r *RedisNonceStore) Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(r.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := r.client.SetNX(ctx, r.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return ok, nil
}
