// Package scoreruns executes credit score computations asynchronously.
//
// Lifecycle:
//  1. Start creates a run in "running" and computes in the background
//  2. The computation moves it to "completed" or "failed"
//  3. The owner may cancel a running run
//  4. The reaper fails runs stuck in "running" past the timeout
//
// Every transition is a compare-and-set on status, so a terminal run is
// never modified.
package scoreruns

import (
	"context"
	"time"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/scoring"
)

var (
	ErrRunNotFound = apperr.NotFound("run_not_found", "score run not found")
	ErrTerminal    = apperr.Conflict("run_terminal", "score run already finished")
	// ErrStatusConflict is returned by stores when the run is no longer in
	// the expected status.
	ErrStatusConflict = apperr.Conflict("run_status_conflict", "score run status changed concurrently")
	ErrInvalidPersona = apperr.Validation("invalid_persona_id", "persona_id", "persona_id must be 1-64 characters of letters, digits, '_', '.', ':' or '-'")
	ErrInvalidModel   = apperr.Validation("invalid_model_id", "model_id", "model_id must be 1-64 characters of letters, digits, '_', '.', ':' or '-'")
)

// Status represents the state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultTimeout is how long a run may stay running before the reaper fails it.
const DefaultTimeout = 2 * time.Minute

// Run is one asynchronous score computation.
type Run struct {
	ID          string               `json:"id"`
	OwnerID     string               `json:"owner_id"`
	PersonaID   string               `json:"persona_id"`
	ModelID     string               `json:"model_id"`
	Status      Status               `json:"status"`
	ScoreResult *int                 `json:"score_result,omitempty"`
	RiskBand    string               `json:"risk_band,omitempty"`
	Explanation *scoring.Explanation `json:"explanation,omitempty"`
	Error       string               `json:"error,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Store persists runs.
type Store interface {
	Create(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Run, error)
	// Transition replaces run's mutable fields only if its stored status is
	// still from. Otherwise it returns ErrStatusConflict.
	Transition(ctx context.Context, run *Run, from Status) error
	// ListStale returns running runs created before cutoff, oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Run, error)
}

// Scorer computes and persists a credit score.
type Scorer interface {
	Compute(ctx context.Context, personaID, modelID string) (*scoring.Explanation, error)
}

// EventEmitter is told about every run transition. Implementations must not
// block.
type EventEmitter interface {
	EmitRunEvent(run *Run)
}
