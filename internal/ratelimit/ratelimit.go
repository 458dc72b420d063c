// Package ratelimit provides the two rate-limiting layers of the API: a
// blocking per-IP token bucket applied as HTTP middleware, and a log-only
// soft limiter the token broker consults per identity and per requester.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
)

// Config configures the token bucket.
type Config struct {
	// RequestsPerMinute is the sustained refill rate per key.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// CleanupInterval is how often idle buckets are evicted.
	CleanupInterval time.Duration
	// ExemptPrefixes are request paths never limited (health checks, metric scrapes).
	ExemptPrefixes []string
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
		ExemptPrefixes:    []string{"/health", "/metrics"},
	}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter is a token bucket per key.
type Limiter struct {
	cfg  Config
	now  func() time.Time
	rate float64 // tokens per second

	mu      sync.Mutex
	buckets map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// New creates a limiter. Call Start to evict idle buckets.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		rate:    float64(cfg.RequestsPerMinute) / 60,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
}

// WithClock overrides the clock. For tests.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow takes one token from key's bucket and reports whether one was
// available.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), seen: now}
		return true
	}

	b.tokens = min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// retryAfter is the whole seconds until one token refills.
func (l *Limiter) retryAfter() int {
	return max(1, int(1/l.rate+0.999))
}

// evict drops buckets idle long enough to have refilled completely.
func (l *Limiter) evict() int {
	idle := time.Duration(float64(l.cfg.BurstSize)/l.rate*float64(time.Second)) + time.Minute
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Running reports whether the eviction loop is running.
func (l *Limiter) Running() bool {
	return l.running.Load()
}

// Start runs the eviction loop until ctx is done or Stop is called.
func (l *Limiter) Start(ctx context.Context) {
	l.running.Store(true)
	defer l.running.Store(false)

	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			l.evict()
		}
	}
}

// Stop ends the eviction loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) exempt(path string) bool {
	for _, p := range l.cfg.ExemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Middleware rejects requests over the limit with 429, keyed by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.exempt(c.Request.URL.Path) || l.Allow(c.ClientIP()) {
			c.Next()
			return
		}

		wait := l.retryAfter()
		metrics.RateLimitedRequests.Inc()
		logging.L(c.Request.Context()).Warn("request rate limited", "client_ip", c.ClientIP())
		c.Header("Retry-After", strconv.Itoa(wait))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":          "rate_limit_exceeded",
			"message":        "too many requests",
			"retry_after":    wait,
			"correlation_id": logging.CorrelationID(c.Request.Context()),
		})
	}
}
