package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/altscore/internal/metrics"
)

// Sweeper periodically evicts expired nonces from a MemoryNonceStore.
type Sweeper struct {
	store    *MemoryNonceStore
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a nonce sweeper.
func NewSweeper(store *MemoryNonceStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start runs the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in nonce sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.sweep()
}

func (s *Sweeper) sweep() {
	removed := s.store.Sweep()
	metrics.NonceStoreSize.Set(float64(s.store.Len()))
	if removed > 0 {
		s.logger.Debug("expired nonces swept", "removed", removed)
	}
}
