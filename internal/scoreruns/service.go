package scoreruns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/idgen"
	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
	"github.com/mbd888/altscore/internal/scoring"
	"github.com/mbd888/altscore/internal/traces"
	"github.com/mbd888/altscore/internal/validation"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Service manages score runs.
type Service struct {
	store  Store
	scorer Scorer
	events EventEmitter
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a new score run service.
func NewService(store Store, scorer Scorer, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		scorer:  scorer,
		logger:  logger,
		now:     time.Now,
		cancels: make(map[string]context.CancelFunc),
	}
}

// WithEvents registers an emitter for run transitions.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Start creates a running run and computes it in the background. The
// computation outlives ctx; Shutdown cancels it.
func (s *Service) Start(ctx context.Context, ownerID, personaID, modelID string) (*Run, error) {
	if !validation.IsValidID(personaID) {
		return nil, ErrInvalidPersona
	}
	if !validation.IsValidID(modelID) {
		return nil, ErrInvalidModel
	}

	now := s.now().UTC()
	run := &Run{
		ID:        idgen.WithPrefix("run_"),
		OwnerID:   ownerID,
		PersonaID: personaID,
		ModelID:   modelID,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, apperr.Internal("create score run", err)
	}
	s.observe(run)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(runCtx, *run)

	logging.L(ctx).Info("score run started", "run_id", run.ID, "persona_id", personaID, "model_id", modelID)
	return run, nil
}

func (s *Service) execute(ctx context.Context, run Run) {
	defer s.wg.Done()
	defer s.release(run.ID)

	ctx, span := traces.StartSpan(ctx, "scoreruns.execute", traces.RunID(run.ID))
	defer span.End()

	explanation, err := s.safeCompute(ctx, run.PersonaID, run.ModelID)
	if ctx.Err() != nil {
		// Cancelled or shut down; the canceller owns the transition.
		return
	}

	now := s.now().UTC()
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err != nil {
		traces.RecordError(span, err)
		run.Status = StatusFailed
		run.Error = runError(err)
	} else {
		score := explanation.Score
		run.Status = StatusCompleted
		run.ScoreResult = &score
		run.RiskBand = explanation.Band.Label
		run.Explanation = explanation
	}

	if err := s.store.Transition(ctx, &run, StatusRunning); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			s.logger.Debug("score run finished after leaving running", "run_id", run.ID)
			return
		}
		s.logger.Warn("failed to record score run result", "run_id", run.ID, "error", err)
		return
	}
	s.observe(&run)
}

func (s *Service) safeCompute(ctx context.Context, personaID, modelID string) (e *scoring.Explanation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in score run: %v", r)
		}
	}()
	return s.scorer.Compute(ctx, personaID, modelID)
}

// runError returns a message safe to show the run owner.
func runError(err error) string {
	if e, ok := apperr.As(err); ok && e.Kind != apperr.KindInternal {
		return e.Message
	}
	return "internal error"
}

func (s *Service) release(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Get returns a run owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID, runID string) (*Run, error) {
	run, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.OwnerID != ownerID {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// ListByOwner returns ownerID's runs, newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	runs, err := s.store.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, apperr.Internal("list score runs", err)
	}
	return runs, nil
}

// Cancel stops a running run. Terminal runs return ErrTerminal.
func (s *Service) Cancel(ctx context.Context, ownerID, runID string) (*Run, error) {
	run, err := s.Get(ctx, ownerID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, ErrTerminal
	}

	now := s.now().UTC()
	run.Status = StatusCancelled
	run.UpdatedAt = now
	run.CompletedAt = &now
	if err := s.store.Transition(ctx, run, StatusRunning); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, ErrTerminal
		}
		return nil, apperr.Internal("cancel score run", err)
	}
	s.release(run.ID)
	s.observe(run)

	logging.L(ctx).Info("score run cancelled", "run_id", run.ID)
	return run, nil
}

// Reap fails runs that have been running longer than timeout and returns
// how many it failed.
func (s *Service) Reap(ctx context.Context, timeout time.Duration) (int, error) {
	now := s.now().UTC()
	stale, err := s.store.ListStale(ctx, now.Add(-timeout), 100)
	if err != nil {
		return 0, fmt.Errorf("list stale runs: %w", err)
	}
	reaped := 0
	for _, run := range stale {
		run.Status = StatusFailed
		run.Error = "timed out"
		run.UpdatedAt = now
		run.CompletedAt = &now
		if err := s.store.Transition(ctx, run, StatusRunning); err != nil {
			if !errors.Is(err, ErrStatusConflict) {
				s.logger.Warn("failed to reap score run", "run_id", run.ID, "error", err)
			}
			continue
		}
		s.release(run.ID)
		s.observe(run)
		reaped++
	}
	return reaped, nil
}

// Shutdown cancels every in-flight computation and waits for them to stop.
// Cancelled computations leave their run in "running" for the reaper.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every background computation has returned.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) observe(run *Run) {
	metrics.ScoreRunsTotal.WithLabelValues(string(run.Status)).Inc()
	if s.events != nil {
		cp := *run
		s.events.EmitRunEvent(&cp)
	}
}
