package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/features"
	"github.com/mbd888/altscore/internal/idgen"
	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
	"github.com/mbd888/altscore/internal/pagination"
	"github.com/mbd888/altscore/internal/retry"
	"github.com/mbd888/altscore/internal/traces"
)

// History page limits.
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
)

// DefaultBounds are used when a model has neither raw bounds nor bands.
var DefaultBounds = Bounds{Min: 0, Max: 1000, Source: BoundsFromDefaults}

// Service orchestrates the scoring pipeline.
type Service struct {
	models    ModelStore
	scores    ScoreStore
	audit     AuditStore
	extractor *features.Extractor
	engine    *WeightingEngine
	defaults  Bounds
	notifier  Notifier
	now       func() time.Time

	// pending tracks asynchronous audit writes.
	pending sync.WaitGroup
}

// NewService creates a new scoring service.
func NewService(models ModelStore, scores ScoreStore, audit AuditStore, extractor *features.Extractor) *Service {
	return &Service{
		models:    models,
		scores:    scores,
		audit:     audit,
		extractor: extractor,
		engine:    NewWeightingEngine(models),
		defaults:  DefaultBounds,
		now:       time.Now,
	}
}

// WithDefaultBounds sets the fallback normalization bounds.
func (s *Service) WithDefaultBounds(b Bounds) *Service {
	b.Source = BoundsFromDefaults
	s.defaults = b
	return s
}

// WithNotifier registers a listener for computed scores.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Wait blocks until pending asynchronous audit writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

// loadedModel is everything one pipeline pass needs about a model.
type loadedModel struct {
	model  *Model
	bands  []Band
	schema *features.Schema
	bounds Bounds
}

func (s *Service) loadModel(ctx context.Context, modelID string) (*loadedModel, error) {
	m, err := s.models.GetModel(ctx, modelID)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, apperr.Internal("failed to load model", err)
	}
	bands, err := s.models.ListBands(ctx, modelID)
	if err != nil {
		return nil, apperr.Internal("failed to load risk bands", err)
	}
	schema, ok := features.LookupSchema(m.SchemaVersion)
	if !ok {
		return nil, apperr.WithMessage(ErrInvalidModel, fmt.Sprintf("model %s uses unknown feature schema %q", m.ID, m.SchemaVersion))
	}
	return &loadedModel{
		model:  m,
		bands:  bands,
		schema: schema,
		bounds: ResolveBounds(m, bands, s.defaults),
	}, nil
}

// evaluate runs validate, weight, normalize and classify over v.
func (s *Service) evaluate(ctx context.Context, lm *loadedModel, set *features.Set, v features.Vector) (*Explanation, error) {
	if err := lm.schema.Validate(v); err != nil {
		return nil, err
	}
	w, err := s.engine.Apply(ctx, v, lm.model.ID)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return nil, err
		}
		return nil, apperr.Internal("failed to weigh features", err)
	}
	score, err := normalizeDecimal(w.Raw, lm.bounds)
	if err != nil {
		return nil, err
	}
	band := Classify(score, lm.bands)

	return &Explanation{
		PersonaID:     set.PersonaID,
		ModelID:       lm.model.ID,
		ModelVersion:  lm.model.Version,
		SchemaVersion: lm.schema.Version,
		Features:      v,
		FeatureError:  set.Error,
		Contributions: w.Contributions,
		RawScore:      w.RawScore(),
		Bounds:        lm.bounds,
		Score:         score,
		Band:          band,
		ComputedAt:    s.now().UTC(),
	}, nil
}

// Features returns the current feature set for a persona.
func (s *Service) Features(ctx context.Context, personaID string) *features.Set {
	return s.extractor.Extract(ctx, personaID)
}

// Compute scores a persona, appends the result to its history and records
// an audit entry. A failed audit write leaves AuditRef nil.
func (s *Service) Compute(ctx context.Context, personaID, modelID string) (*Explanation, error) {
	defer metrics.ObservePipeline(OpCompute)()
	ctx, span := traces.StartSpan(ctx, "scoring.Compute", traces.PersonaID(personaID), traces.ModelID(modelID))
	defer span.End()

	lm, err := s.loadModel(ctx, modelID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	set := s.extractor.Extract(ctx, personaID)
	exp, err := s.evaluate(ctx, lm, set, set.Values)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	exp.ScoreID = idgen.WithPrefix("cs_")

	stored := *exp
	if err := s.scores.Append(ctx, &CreditScore{
		ID:          exp.ScoreID,
		PersonaID:   personaID,
		ModelID:     lm.model.ID,
		Score:       exp.Score,
		Band:        exp.Band.Label,
		Explanation: &stored,
		ComputedAt:  exp.ComputedAt,
	}); err != nil {
		traces.RecordError(span, err)
		return nil, apperr.Internal("failed to persist credit score", err)
	}

	metrics.ScoresComputedTotal.WithLabelValues(lm.model.ID, exp.Band.Label).Inc()
	metrics.ScoreValue.WithLabelValues(lm.model.ID).Observe(float64(exp.Score))
	span.SetAttributes(traces.Score(exp.Score), traces.Band(exp.Band.Label))

	exp.AuditRef = s.recordAudit(ctx, &AuditEntry{
		PersonaID: personaID,
		ModelID:   lm.model.ID,
		Operation: OpCompute,
		Score:     exp.Score,
		Detail: map[string]any{
			"score_id":  exp.ScoreID,
			"band":      exp.Band.Label,
			"raw_score": exp.RawScore,
		},
	})

	if s.notifier != nil {
		s.notifier.ScoreComputed(ctx, exp)
	}
	return exp, nil
}

// Simulate scores a persona twice, once as extracted and once with
// overrides merged in, and reports the impact. Nothing is persisted apart
// from an asynchronous audit entry.
func (s *Service) Simulate(ctx context.Context, personaID, modelID string, overrides map[string]any) (*SimulationResult, error) {
	defer metrics.ObservePipeline(OpSimulate)()
	ctx, span := traces.StartSpan(ctx, "scoring.Simulate", traces.PersonaID(personaID), traces.ModelID(modelID))
	defer span.End()

	lm, err := s.loadModel(ctx, modelID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	set := s.extractor.Extract(ctx, personaID)
	res, err := s.simulate(ctx, lm, set, overrides)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.recordAuditAsync(ctx, &AuditEntry{
		PersonaID: personaID,
		ModelID:   lm.model.ID,
		Operation: OpSimulate,
		Score:     res.Simulated.Score,
		Detail: map[string]any{
			"original_score":    res.Original.Score,
			"score_change":      res.Impact.ScoreChange,
			"risk_level_change": string(res.Impact.RiskLevelChange),
			"overrides":         res.AppliedOverrides.Keys(),
		},
	})
	return res, nil
}

func (s *Service) simulate(ctx context.Context, lm *loadedModel, set *features.Set, overrides map[string]any) (*SimulationResult, error) {
	original, err := s.evaluate(ctx, lm, set, set.Values)
	if err != nil {
		return nil, err
	}
	merged, applied, dropped, warnings := MergeOverrides(lm.schema, set.Values, overrides)
	simulated, err := s.evaluate(ctx, lm, set, merged)
	if err != nil {
		return nil, err
	}

	change := simulated.Score - original.Score
	impact := Impact{
		ScoreChange:     change,
		BandChange:      BandChange{From: original.Band.Label, To: simulated.Band.Label},
		RiskLevelChange: CompareBands(original.Band, simulated.Band, change),
	}
	metrics.SimulationsTotal.WithLabelValues(string(impact.RiskLevelChange)).Inc()

	return &SimulationResult{
		PersonaID:        set.PersonaID,
		ModelID:          lm.model.ID,
		Original:         original,
		Simulated:        simulated,
		AppliedOverrides: applied,
		DroppedOverrides: dropped,
		Warnings:         warnings,
		Impact:           impact,
	}, nil
}

// MergeOverrides applies overrides to a copy of base. Only keys declared by
// schema are applied, coerced to the field kind; the rest are dropped with
// a warning. Derived features are then recomputed from the merged primary
// features unless a derived key was overridden itself.
func MergeOverrides(schema *features.Schema, base features.Vector, overrides map[string]any) (merged, applied features.Vector, dropped, warnings []string) {
	merged = base.Clone()
	applied = features.Vector{}
	dropped = []string{}
	warnings = []string{}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	keep := make(map[string]bool)
	for _, key := range keys {
		field, ok := schema.Field(key)
		if !ok {
			dropped = append(dropped, key)
			warnings = append(warnings, fmt.Sprintf("unknown feature %q ignored", key))
			continue
		}
		val, err := schema.Coerce(key, overrides[key])
		if err != nil {
			dropped = append(dropped, key)
			warnings = append(warnings, fmt.Sprintf("feature %q expects a %s value; override ignored", key, field.Kind))
			continue
		}
		merged[key] = val
		applied[key] = val
		if field.Derived {
			keep[key] = true
		}
	}
	features.Derive(merged, keep)
	return merged, applied, dropped, warnings
}

// BatchSimulate runs one simulation per named scenario with bounded
// concurrency. A failing scenario is reported under its name and does not
// abort the others.
func (s *Service) BatchSimulate(ctx context.Context, personaID, modelID string, scenarios map[string]map[string]any) (map[string]ScenarioResult, error) {
	if len(scenarios) == 0 {
		return nil, ErrNoScenarios
	}
	if len(scenarios) > MaxScenarios {
		return nil, apperr.WithMessage(ErrTooManyScenarios, fmt.Sprintf("at most %d scenarios are allowed", MaxScenarios))
	}
	defer metrics.ObservePipeline(OpBatchSimulate)()
	ctx, span := traces.StartSpan(ctx, "scoring.BatchSimulate", traces.PersonaID(personaID), traces.ModelID(modelID))
	defer span.End()

	lm, err := s.loadModel(ctx, modelID)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	set := s.extractor.Extract(ctx, personaID)

	var mu sync.Mutex
	results := make(map[string]ScenarioResult, len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for name, overrides := range scenarios {
		g.Go(func() error {
			res := s.runScenario(gctx, lm, set, overrides)
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	changes := make(map[string]any, len(results))
	for name, r := range results {
		if r.Result != nil {
			changes[name] = r.Result.Impact.ScoreChange
		} else {
			changes[name] = r.Error
		}
	}
	s.recordAuditAsync(ctx, &AuditEntry{
		PersonaID: personaID,
		ModelID:   lm.model.ID,
		Operation: OpBatchSimulate,
		Detail:    map[string]any{"scenarios": changes},
	})
	return results, nil
}

func (s *Service) runScenario(ctx context.Context, lm *loadedModel, set *features.Set, overrides map[string]any) (out ScenarioResult) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("scenario panicked", "persona_id", set.PersonaID, "panic", r)
			out = ScenarioResult{Error: "internal error"}
		}
	}()
	if err := ctx.Err(); err != nil {
		return ScenarioResult{Error: err.Error()}
	}
	res, err := s.simulate(ctx, lm, set, overrides)
	if err != nil {
		return ScenarioResult{Error: scenarioError(err)}
	}
	return ScenarioResult{Result: res}
}

func scenarioError(err error) string {
	if e, ok := apperr.As(err); ok {
		if e.Kind == apperr.KindInternal {
			return "internal error"
		}
		return e.Message
	}
	return "internal error"
}

// Trend aggregates a persona's score history into calendar months. Only
// months with rows are returned, oldest first.
func (s *Service) Trend(ctx context.Context, personaID, modelID string, months int) ([]TrendPoint, error) {
	if months == 0 {
		months = DefaultTrendMonths
	}
	if months < 1 || months > MaxTrendMonths {
		return nil, ErrInvalidMonths
	}
	if modelID != "" {
		if _, err := s.models.GetModel(ctx, modelID); err != nil {
			if errors.Is(err, ErrModelNotFound) {
				return nil, ErrModelNotFound
			}
			return nil, apperr.Internal("failed to load model", err)
		}
	}

	now := s.now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(months - 1), 0)
	rows, err := s.scores.ListSince(ctx, personaID, modelID, since)
	if err != nil {
		return nil, apperr.Internal("failed to load score history", err)
	}

	type bucket struct {
		sum   int64
		count int
	}
	buckets := make(map[string]*bucket)
	for _, r := range rows {
		month := r.ComputedAt.UTC().Format("2006-01")
		b, ok := buckets[month]
		if !ok {
			b = &bucket{}
			buckets[month] = b
		}
		b.sum += int64(r.Score)
		b.count++
	}

	points := make([]TrendPoint, 0, len(buckets))
	for month, b := range buckets {
		avg := decimal.NewFromInt(b.sum).Div(decimal.NewFromInt(int64(b.count))).Round(2)
		points = append(points, TrendPoint{Month: month, AvgScore: avg.InexactFloat64(), Count: b.count})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Month < points[j].Month })
	return points, nil
}

// History returns one page of a persona's scores, newest first.
func (s *Service) History(ctx context.Context, personaID, modelID, cursor string, limit int) ([]*CreditScore, string, bool, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", false, ErrInvalidCursor
	}
	limit = pagination.Limit(limit, DefaultHistoryLimit, MaxHistoryLimit)
	rows, err := s.scores.ListByPersona(ctx, personaID, modelID, c, limit+1)
	if err != nil {
		return nil, "", false, apperr.Internal("failed to list scores", err)
	}
	page, next, more := pagination.ComputePage(rows, limit, func(cs *CreditScore) (time.Time, string) {
		return cs.ComputedAt, cs.ID
	})
	return page, next, more, nil
}

// ListModels returns every model with its factors and bands.
func (s *Service) ListModels(ctx context.Context) ([]*ModelConfig, error) {
	models, err := s.models.ListModels(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to list models", err)
	}
	out := make([]*ModelConfig, 0, len(models))
	for _, m := range models {
		cfg, err := s.assemble(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// GetModel returns one model with its factors and bands.
func (s *Service) GetModel(ctx context.Context, modelID string) (*ModelConfig, error) {
	m, err := s.models.GetModel(ctx, modelID)
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return nil, ErrModelNotFound
		}
		return nil, apperr.Internal("failed to load model", err)
	}
	return s.assemble(ctx, m)
}

func (s *Service) assemble(ctx context.Context, m *Model) (*ModelConfig, error) {
	factors, err := s.models.ListFactors(ctx, m.ID)
	if err != nil {
		return nil, apperr.Internal("failed to load factors", err)
	}
	bands, err := s.models.ListBands(ctx, m.ID)
	if err != nil {
		return nil, apperr.Internal("failed to load risk bands", err)
	}
	if factors == nil {
		factors = []Factor{}
	}
	if bands == nil {
		bands = []Band{}
	}
	return &ModelConfig{Model: *m, Factors: factors, Bands: bands}, nil
}

// SaveModel validates cfg and replaces the stored model configuration.
func (s *Service) SaveModel(ctx context.Context, cfg *ModelConfig) (*ModelConfig, error) {
	if err := ValidateModelConfig(cfg); err != nil {
		return nil, err
	}
	if err := s.models.SaveModel(ctx, cfg); err != nil {
		return nil, apperr.Internal("failed to save model", err)
	}
	logging.L(ctx).Info("scoring model saved",
		"model_id", cfg.ID, "version", cfg.Version,
		"factors", len(cfg.Factors), "bands", len(cfg.Bands))
	return s.GetModel(ctx, cfg.ID)
}

// ListAudit returns recent audit entries, optionally for one persona.
func (s *Service) ListAudit(ctx context.Context, personaID string, limit int) ([]*AuditEntry, error) {
	limit = pagination.Limit(limit, DefaultHistoryLimit, MaxHistoryLimit)
	entries, err := s.audit.List(ctx, personaID, limit)
	if err != nil {
		return nil, apperr.Internal("failed to list audit entries", err)
	}
	return entries, nil
}

// recordAudit writes e with the audit retry policy and returns its id, or
// nil when every attempt failed.
func (s *Service) recordAudit(ctx context.Context, e *AuditEntry) *string {
	e.ID = idgen.WithPrefix("aud_")
	e.CorrelationID = logging.CorrelationID(ctx)
	e.CreatedAt = s.now().UTC()

	err := retry.AuditPolicy.Do(ctx, func() error {
		return s.audit.Record(ctx, e)
	})
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		logging.L(ctx).Warn("audit write failed",
			"operation", e.Operation, "persona_id", e.PersonaID, "model_id", e.ModelID, "error", err)
		return nil
	}
	id := e.ID
	return &id
}

func (s *Service) recordAuditAsync(ctx context.Context, e *AuditEntry) {
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.recordAudit(ctx, e)
	}()
}
