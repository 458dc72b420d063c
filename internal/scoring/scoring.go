// Package scoring implements the credit-scoring pipeline: weighting a
// feature vector with a model's factors, normalizing the raw score onto
// [0,1000], classifying it into a risk band, and orchestrating compute,
// simulate, trend and batch-simulate over those steps.
package scoring

import (
	"context"
	"time"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/features"
	"github.com/mbd888/altscore/internal/pagination"
)

var (
	ErrModelNotFound    = apperr.NotFound("model_not_found", "scoring model not found")
	ErrInvalidBounds    = apperr.Validation("invalid_bounds", "bounds", "raw score bounds require max > min")
	ErrInvalidBands     = apperr.Validation("invalid_risk_bands", "bands", "risk bands must partition [0,1000]")
	ErrInvalidModel     = apperr.Validation("invalid_model", "model", "invalid model configuration")
	ErrInvalidMonths    = apperr.Validation("invalid_months", "months", "months must be between 1 and 36")
	ErrNoScenarios      = apperr.Validation("no_scenarios", "scenarios", "at least one scenario is required")
	ErrTooManyScenarios = apperr.Validation("too_many_scenarios", "scenarios", "too many scenarios")
	ErrInvalidCursor    = apperr.Validation("invalid_cursor", "cursor", "cursor is malformed")
)

// Score scale.
const (
	ScoreMin = 0
	ScoreMax = 1000
)

// Band sentinel returned when no configured band contains a score.
const (
	UnclassifiedLabel          = "UNCLASSIFIED"
	ManualReviewRecommendation = "Manual review required"
)

// Trend and batch limits.
const (
	DefaultTrendMonths = 6
	MaxTrendMonths     = 36
	MaxScenarios       = 20
	batchConcurrency   = 4
)

// Audit operations.
const (
	OpCompute       = "compute"
	OpSimulate      = "simulate"
	OpBatchSimulate = "batch_simulate"
)

// Model is a scoring model header.
type Model struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	Version       string    `json:"version" yaml:"version"`
	SchemaVersion string    `json:"schema_version" yaml:"schema_version"`
	RawMin        *float64  `json:"raw_min,omitempty" yaml:"raw_min"`
	RawMax        *float64  `json:"raw_max,omitempty" yaml:"raw_max"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"-"`
}

// Factor weights one feature of a model.
type Factor struct {
	ModelID     string  `json:"-" yaml:"-"`
	FeatureKey  string  `json:"feature_key" yaml:"feature"`
	Weight      float64 `json:"weight" yaml:"weight"`
	Description string  `json:"description,omitempty" yaml:"description"`
}

// Band is a named inclusive score range with a recommendation.
type Band struct {
	ModelID        string `json:"-" yaml:"-"`
	Label          string `json:"label" yaml:"label"`
	MinScore       int    `json:"min_score" yaml:"min"`
	MaxScore       int    `json:"max_score" yaml:"max"`
	Recommendation string `json:"recommendation" yaml:"recommendation"`
}

// Contains reports whether score falls inside the band.
func (b Band) Contains(score int) bool {
	return score >= b.MinScore && score <= b.MaxScore
}

// ModelConfig is a model together with its factors and bands.
type ModelConfig struct {
	Model   `yaml:",inline"`
	Factors []Factor `json:"factors" yaml:"factors"`
	Bands   []Band   `json:"bands" yaml:"bands"`
}

// Contribution is one factor's share of a raw score.
type Contribution struct {
	RawValue     float64 `json:"raw_value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Bounds are the raw-score limits used for normalization.
type Bounds struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Source string  `json:"source"`
}

// Bound sources.
const (
	BoundsFromModel    = "model"
	BoundsFromBands    = "bands"
	BoundsFromDefaults = "defaults"
)

// Explanation is the full result of one pipeline pass.
type Explanation struct {
	PersonaID     string                  `json:"persona_id"`
	ModelID       string                  `json:"model_id"`
	ModelVersion  string                  `json:"model_version"`
	SchemaVersion string                  `json:"schema_version"`
	Features      features.Vector         `json:"features"`
	FeatureError  string                  `json:"feature_error,omitempty"`
	Contributions map[string]Contribution `json:"contributions"`
	RawScore      float64                 `json:"raw_score"`
	Bounds        Bounds                  `json:"bounds"`
	Score         int                     `json:"score"`
	Band          Band                    `json:"band"`
	ComputedAt    time.Time               `json:"computed_at"`
	ScoreID       string                  `json:"score_id,omitempty"`
	AuditRef      *string                 `json:"audit_ref"`
}

// CreditScore is one persisted compute result. Rows are append-only.
type CreditScore struct {
	ID          string       `json:"id"`
	PersonaID   string       `json:"persona_id"`
	ModelID     string       `json:"model_id"`
	Score       int          `json:"score"`
	Band        string       `json:"band"`
	Explanation *Explanation `json:"explanation,omitempty"`
	ComputedAt  time.Time    `json:"computed_at"`
}

// AuditEntry records a scoring operation.
type AuditEntry struct {
	ID            string         `json:"id"`
	PersonaID     string         `json:"persona_id"`
	ModelID       string         `json:"model_id"`
	Operation     string         `json:"operation"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Score         int            `json:"score"`
	Detail        map[string]any `json:"detail,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RiskLevelChange describes how a simulation moved the risk band.
type RiskLevelChange string

const (
	RiskNoChange RiskLevelChange = "NO_CHANGE"
	RiskImproved RiskLevelChange = "IMPROVED"
	RiskDegraded RiskLevelChange = "DEGRADED"
)

// BandChange reports the band label before and after a simulation.
type BandChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Impact compares a simulated explanation with the original.
type Impact struct {
	ScoreChange     int             `json:"score_change"`
	BandChange      BandChange      `json:"band_change"`
	RiskLevelChange RiskLevelChange `json:"risk_level_change"`
}

// SimulationResult is the response of Simulate.
type SimulationResult struct {
	PersonaID        string          `json:"persona_id"`
	ModelID          string          `json:"model_id"`
	Original         *Explanation    `json:"original"`
	Simulated        *Explanation    `json:"simulated"`
	AppliedOverrides features.Vector `json:"applied_overrides"`
	DroppedOverrides []string        `json:"dropped_overrides"`
	Warnings         []string        `json:"warnings"`
	Impact           Impact          `json:"impact"`
}

// ScenarioResult is one entry of a batch simulation. Exactly one of Result
// and Error is set.
type ScenarioResult struct {
	Result *SimulationResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// TrendPoint is one calendar month of score history.
type TrendPoint struct {
	Month    string  `json:"month"`
	AvgScore float64 `json:"avg_score"`
	Count    int     `json:"count"`
}

// ModelStore reads and writes model configuration.
type ModelStore interface {
	GetModel(ctx context.Context, id string) (*Model, error)
	ListModels(ctx context.Context) ([]*Model, error)
	ListFactors(ctx context.Context, modelID string) ([]Factor, error)
	ListBands(ctx context.Context, modelID string) ([]Band, error)
	// SaveModel replaces the model header, factors and bands atomically.
	SaveModel(ctx context.Context, cfg *ModelConfig) error
}

// ScoreStore appends and reads CreditScore history.
type ScoreStore interface {
	Append(ctx context.Context, score *CreditScore) error
	// ListByPersona returns rows newest first, starting after cursor when set.
	ListByPersona(ctx context.Context, personaID, modelID string, cursor *pagination.Cursor, limit int) ([]*CreditScore, error)
	// ListSince returns rows computed at or after since, oldest first.
	ListSince(ctx context.Context, personaID, modelID string, since time.Time) ([]*CreditScore, error)
}

// AuditStore records scoring audit entries.
type AuditStore interface {
	Record(ctx context.Context, entry *AuditEntry) error
	List(ctx context.Context, personaID string, limit int) ([]*AuditEntry, error)
}

// Notifier is told about persisted scores. Implementations must not block.
type Notifier interface {
	ScoreComputed(ctx context.Context, e *Explanation)
}
