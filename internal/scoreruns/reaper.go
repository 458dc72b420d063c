package scoreruns

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Reaper periodically fails runs stuck in "running".
type Reaper struct {
	service  *Service
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewReaper creates a reaper that fails runs older than timeout. It checks
// every timeout/4, at least once a second.
func NewReaper(service *Service, timeout time.Duration, logger *slog.Logger) *Reaper {
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{
		service:  service,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the reaper loop is actively running.
func (r *Reaper) Running() bool {
	return r.running.Load()
}

// Start begins the reap loop. Call in a goroutine.
func (r *Reaper) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeReap(ctx)
		}
	}
}

// Stop signals the reaper to stop.
func (r *Reaper) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reaper) safeReap(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in score run reaper", "panic", fmt.Sprint(p))
		}
	}()
	n, err := r.service.Reap(ctx, r.timeout)
	if err != nil {
		r.logger.Warn("score run reap failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("stale score runs failed", "count", n)
	}
}
