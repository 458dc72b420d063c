package ratelimit

import (
	"context"
	"time"

	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
)

// Rule is a fixed-window soft limit.
type Rule struct {
	Name   string
	Limit  int64
	Window time.Duration
}

// Broker soft limits.
var (
	PerIdentity  = Rule{Name: "identity", Limit: 1, Window: time.Minute}
	PerRequester = Rule{Name: "requester", Limit: 10, Window: time.Hour}
)

// CounterStore counts events per key in fixed windows.
type CounterStore interface {
	// Incr adds one to key's counter, starting a window of the given length
	// when the key is new, and returns the updated count.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// SoftLimiter counts events against rules and reports breaches. It never
// blocks a request.
type SoftLimiter struct {
	store CounterStore
}

// NewSoftLimiter creates a soft limiter over store.
func NewSoftLimiter(store CounterStore) *SoftLimiter {
	return &SoftLimiter{store: store}
}

// Observe records one event for key under rule and reports whether the rule
// is now exceeded. A breach is logged and counted. Store failures are logged
// and treated as no breach.
func (s *SoftLimiter) Observe(ctx context.Context, rule Rule, key string) bool {
	count, err := s.store.Incr(ctx, rule.Name+":"+key, rule.Window)
	if err != nil {
		logging.L(ctx).Warn("soft limit counter unavailable", "limit", rule.Name, "error", err)
		return false
	}
	if count <= rule.Limit {
		return false
	}
	metrics.SoftLimitBreaches.WithLabelValues(rule.Name).Inc()
	logging.L(ctx).Warn("soft rate limit exceeded",
		"limit", rule.Name,
		"key", key,
		"count", count,
		"max", rule.Limit,
		"window", rule.Window.String())
	return true
}
