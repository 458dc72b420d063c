package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/altscore/internal/apperr"
	"github.com/mbd888/altscore/internal/features"
	"github.com/mbd888/altscore/internal/logging"
)

var fixedNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

// seedExamplePersona gives per_example ten recent transactions and five
// bills, four of them paid on time: tx_6m_count 10, bills_paid_ratio 0.8.
func seedExamplePersona(t *testing.T, src *features.MemorySource, personaID string) {
	t.Helper()
	ctx := context.Background()
	d := func(days int) time.Time { return fixedNow.AddDate(0, 0, -days) }

	for i := 0; i < 10; i++ {
		if err := src.AddTransaction(ctx, features.Transaction{PersonaID: personaID, Amount: decimal.NewFromInt(25), OccurredAt: d(5 + i*5)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		due := d(30 + i*30)
		paid := due.Add(-24 * time.Hour)
		if i == 4 {
			paid = due.Add(72 * time.Hour)
		}
		if err := src.AddBill(ctx, features.Bill{PersonaID: personaID, Amount: decimal.NewFromInt(40), DueAt: due, PaidAt: &paid}); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *features.MemorySource) {
	t.Helper()
	store := NewMemoryStore()
	cfgs, err := DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog: %v", err)
	}
	if err := SeedCatalog(context.Background(), store, cfgs); err != nil {
		t.Fatalf("SeedCatalog: %v", err)
	}
	src := features.NewMemorySource()
	seedExamplePersona(t, src, "per_example")
	extractor := features.NewExtractor(src, nil).WithClock(clock)
	svc := NewService(store, store, store, extractor).WithClock(clock)
	return svc, store, src
}

type failingAudit struct{ calls atomic.Int32 }

func (f *failingAudit) Record(context.Context, *AuditEntry) error {
	f.calls.Add(1)
	return errors.New("audit table locked")
}

func (f *failingAudit) List(context.Context, string, int) ([]*AuditEntry, error) {
	return nil, errors.New("audit table locked")
}

type failingScores struct{ *MemoryStore }

func (failingScores) Append(context.Context, *CreditScore) error {
	return errors.New("disk full")
}

// flakyModels fails exactly one ListFactors call.
type flakyModels struct {
	*MemoryStore
	failOn int32
	calls  atomic.Int32
}

func (f *flakyModels) ListFactors(ctx context.Context, modelID string) ([]Factor, error) {
	if f.calls.Add(1) == f.failOn {
		return nil, errors.New("connection reset")
	}
	return f.MemoryStore.ListFactors(ctx, modelID)
}

type recordingNotifier struct{ got []*Explanation }

func (r *recordingNotifier) ScoreComputed(_ context.Context, e *Explanation) {
	r.got = append(r.got, e)
}

func TestService_Compute_WorkedExample(t *testing.T) {
	svc, store, _ := newTestService(t)
	notifier := &recordingNotifier{}
	svc.WithNotifier(notifier)
	ctx := logging.WithCorrelationID(context.Background(), "corr-compute")

	exp, err := svc.Compute(ctx, "per_example", "example-v1")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	if exp.RawScore != 5.56 {
		t.Errorf("raw = %v, want 5.56", exp.RawScore)
	}
	if exp.Score != 527 || exp.Band.Label != "C" {
		t.Errorf("score = %d/%s, want 527/C", exp.Score, exp.Band.Label)
	}
	if exp.Bounds.Source != BoundsFromModel {
		t.Errorf("bounds source = %s", exp.Bounds.Source)
	}
	if exp.ModelVersion != "1.0.0" || exp.SchemaVersion != "v1" {
		t.Errorf("versions = %s/%s", exp.ModelVersion, exp.SchemaVersion)
	}
	if exp.ScoreID == "" || exp.AuditRef == nil {
		t.Fatalf("score id %q, audit ref %v", exp.ScoreID, exp.AuditRef)
	}
	if store.ScoreCount() != 1 {
		t.Errorf("persisted scores = %d, want 1", store.ScoreCount())
	}

	entries, _ := store.List(context.Background(), "per_example", 10)
	if len(entries) != 1 || entries[0].ID != *exp.AuditRef {
		t.Fatalf("audit entries = %+v", entries)
	}
	if entries[0].Operation != OpCompute || entries[0].CorrelationID != "corr-compute" {
		t.Errorf("audit entry = %+v", entries[0])
	}
	if len(notifier.got) != 1 || notifier.got[0].ScoreID != exp.ScoreID {
		t.Errorf("notifier saw %d scores", len(notifier.got))
	}
}

func TestService_Compute_UnknownModel(t *testing.T) {
	svc, store, _ := newTestService(t)

	_, err := svc.Compute(context.Background(), "per_example", "ghost-v9")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	if store.ScoreCount() != 0 {
		t.Errorf("score persisted for unknown model")
	}
}

func TestService_Compute_AuditFailureIsSecondary(t *testing.T) {
	store := NewMemoryStore()
	cfgs, _ := DefaultCatalog()
	if err := SeedCatalog(context.Background(), store, cfgs); err != nil {
		t.Fatal(err)
	}
	src := features.NewMemorySource()
	seedExamplePersona(t, src, "per_example")
	audit := &failingAudit{}
	svc := NewService(store, store, audit, features.NewExtractor(src, nil).WithClock(clock)).WithClock(clock)

	exp, err := svc.Compute(context.Background(), "per_example", "example-v1")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if exp.AuditRef != nil {
		t.Errorf("audit ref = %v, want nil", *exp.AuditRef)
	}
	if store.ScoreCount() != 1 {
		t.Errorf("score not persisted")
	}
	if audit.calls.Load() < 2 {
		t.Errorf("audit write attempted %d times, want retries", audit.calls.Load())
	}
}

func TestService_Compute_PersistFailureIsInternal(t *testing.T) {
	store := NewMemoryStore()
	cfgs, _ := DefaultCatalog()
	if err := SeedCatalog(context.Background(), store, cfgs); err != nil {
		t.Fatal(err)
	}
	svc := NewService(store, failingScores{store}, store, features.NewExtractor(features.NewMemorySource(), nil))

	_, err := svc.Compute(context.Background(), "per_x", "example-v1")
	if apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("err = %v, want internal", err)
	}
}

type brokenSource struct{}

func (brokenSource) Aggregate(context.Context, string, features.Window) (*features.Aggregates, error) {
	return nil, errors.New("replica lagging")
}

func TestService_Compute_DegradedFeatures(t *testing.T) {
	store := NewMemoryStore()
	cfgs, _ := DefaultCatalog()
	if err := SeedCatalog(context.Background(), store, cfgs); err != nil {
		t.Fatal(err)
	}
	svc := NewService(store, store, store, features.NewExtractor(brokenSource{}, nil).WithClock(clock)).WithClock(clock)

	exp, err := svc.Compute(context.Background(), "per_example", "example-v1")
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if exp.FeatureError != features.ErrorMarkerUnavailable {
		t.Errorf("feature error = %q", exp.FeatureError)
	}
	// All-defaults vector: raw 0 on [-100,100] normalizes to 500.
	if exp.Score != 500 || exp.Band.Label != "C" {
		t.Errorf("score = %d/%s, want 500/C", exp.Score, exp.Band.Label)
	}
}

func TestService_Simulate(t *testing.T) {
	svc, store, _ := newTestService(t)

	res, err := svc.Simulate(context.Background(), "per_example", "example-v1", map[string]any{
		features.KeyBillsPaidRatio: 1.0,
		"credit_card_limit":        5000.0,
		features.KeyTx6mCount:      "many",
	})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	svc.Wait()

	if res.Original.Score != 527 || res.Simulated.Score != 528 {
		t.Errorf("scores = %d -> %d, want 527 -> 528", res.Original.Score, res.Simulated.Score)
	}
	if res.Impact.ScoreChange != 1 || res.Impact.RiskLevelChange != RiskNoChange {
		t.Errorf("impact = %+v", res.Impact)
	}
	if res.Impact.BandChange.From != "C" || res.Impact.BandChange.To != "C" {
		t.Errorf("band change = %+v", res.Impact.BandChange)
	}
	if len(res.AppliedOverrides) != 1 {
		t.Errorf("applied = %v", res.AppliedOverrides)
	}
	if len(res.DroppedOverrides) != 2 || len(res.Warnings) != 2 {
		t.Errorf("dropped = %v, warnings = %v", res.DroppedOverrides, res.Warnings)
	}
	if store.ScoreCount() != 0 {
		t.Errorf("simulate persisted %d scores", store.ScoreCount())
	}

	entries, _ := store.List(context.Background(), "per_example", 10)
	if len(entries) != 1 || entries[0].Operation != OpSimulate {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestService_Simulate_BandImprovement(t *testing.T) {
	svc, _, _ := newTestService(t)

	res, err := svc.Simulate(context.Background(), "per_example", "example-v1", map[string]any{
		features.KeyTx6mCount: 100.0,
	})
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	svc.Wait()

	if res.Simulated.Score != 752 || res.Simulated.Band.Label != "B" {
		t.Errorf("simulated = %d/%s, want 752/B", res.Simulated.Score, res.Simulated.Band.Label)
	}
	if res.Impact.RiskLevelChange != RiskImproved {
		t.Errorf("risk level change = %s, want IMPROVED", res.Impact.RiskLevelChange)
	}
}

func TestService_Simulate_NeverPersists(t *testing.T) {
	svc, store, _ := newTestService(t)
	if _, err := svc.Compute(context.Background(), "per_example", "alt-v1"); err != nil {
		t.Fatal(err)
	}
	before := store.ScoreCount()

	for i := 0; i < 5; i++ {
		if _, err := svc.Simulate(context.Background(), "per_example", "alt-v1", map[string]any{
			features.KeyTx6mCount: float64(i * 10),
		}); err != nil {
			t.Fatal(err)
		}
	}
	svc.Wait()

	if store.ScoreCount() != before {
		t.Errorf("score count %d -> %d", before, store.ScoreCount())
	}
}

func TestMergeOverrides(t *testing.T) {
	base := features.Defaults()

	t.Run("derived recomputed", func(t *testing.T) {
		merged, _, _, _ := MergeOverrides(features.SchemaV1, base, map[string]any{
			features.KeyBillsPaidRatio:       0.5,
			features.KeyDaysSinceLastActive:  45.0,
			features.KeyRemit12mActiveMonths: 6.0,
		})
		if got := merged.Float(features.KeyPaymentConsistency); got != 0.6 {
			t.Errorf("payment_consistency = %v, want 0.6", got)
		}
		if got := merged.Float(features.KeyRecencyRisk); got != 0.3 {
			t.Errorf("recency_risk = %v, want 0.3", got)
		}
		if got := merged.Float(features.KeyRemittanceRegularity); got != 0.5 {
			t.Errorf("remittance_regularity = %v, want 0.5", got)
		}
	})

	t.Run("extreme inactivity is max risk", func(t *testing.T) {
		merged, _, _, _ := MergeOverrides(features.SchemaV1, base, map[string]any{
			features.KeyDaysSinceLastActive: 1e19,
		})
		if got := merged.Float(features.KeyRecencyRisk); got != 1 {
			t.Errorf("recency_risk = %v, want 1", got)
		}
	})

	t.Run("derived override kept", func(t *testing.T) {
		merged, _, _, _ := MergeOverrides(features.SchemaV1, base, map[string]any{
			features.KeyBillsPaidRatio:     0.5,
			features.KeyPaymentConsistency: 0.9,
		})
		if got := merged.Float(features.KeyPaymentConsistency); got != 0.9 {
			t.Errorf("payment_consistency = %v, want 0.9", got)
		}
	})

	t.Run("bool coercion", func(t *testing.T) {
		merged, applied, dropped, _ := MergeOverrides(features.SchemaV1, base, map[string]any{
			features.KeyHasRemittances: 1.0,
			features.KeyTx6mCount:      true,
		})
		if v := merged[features.KeyHasRemittances]; v.Kind() != features.KindBool || v.Float() != 1 {
			t.Errorf("has_remittances = %+v", v)
		}
		if v := merged[features.KeyTx6mCount]; v.Kind() != features.KindNumber || v.Float() != 1 {
			t.Errorf("tx_6m_count = %+v", v)
		}
		if len(applied) != 2 || len(dropped) != 0 {
			t.Errorf("applied = %v, dropped = %v", applied, dropped)
		}
	})

	t.Run("bad bool dropped", func(t *testing.T) {
		_, applied, dropped, warnings := MergeOverrides(features.SchemaV1, base, map[string]any{
			features.KeyHasRemittances: 2.0,
		})
		if len(applied) != 0 || len(dropped) != 1 || len(warnings) != 1 {
			t.Errorf("applied = %v, dropped = %v, warnings = %v", applied, dropped, warnings)
		}
	})

	t.Run("base untouched", func(t *testing.T) {
		MergeOverrides(features.SchemaV1, base, map[string]any{features.KeyTx6mCount: 99.0})
		if base.Float(features.KeyTx6mCount) != 0 {
			t.Error("base vector mutated")
		}
	})
}

func TestService_BatchSimulate(t *testing.T) {
	svc, store, _ := newTestService(t)

	results, err := svc.BatchSimulate(context.Background(), "per_example", "example-v1", map[string]map[string]any{
		"perfect_bills": {features.KeyBillsPaidRatio: 1.0},
		"busy":          {features.KeyTx6mCount: 100.0},
		"noop":          {},
	})
	if err != nil {
		t.Fatalf("BatchSimulate: %v", err)
	}
	svc.Wait()

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if r := results["busy"]; r.Result == nil || r.Result.Simulated.Score != 752 {
		t.Errorf("busy = %+v", r)
	}
	if r := results["noop"]; r.Result == nil || r.Result.Impact.ScoreChange != 0 {
		t.Errorf("noop = %+v", r)
	}
	if store.ScoreCount() != 0 {
		t.Errorf("batch persisted scores")
	}
	entries, _ := store.List(context.Background(), "per_example", 10)
	if len(entries) != 1 || entries[0].Operation != OpBatchSimulate {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestService_BatchSimulate_IsolatesFailures(t *testing.T) {
	store := NewMemoryStore()
	cfgs, _ := DefaultCatalog()
	if err := SeedCatalog(context.Background(), store, cfgs); err != nil {
		t.Fatal(err)
	}
	models := &flakyModels{MemoryStore: store, failOn: 3}
	src := features.NewMemorySource()
	seedExamplePersona(t, src, "per_example")
	svc := NewService(models, store, store, features.NewExtractor(src, nil).WithClock(clock)).WithClock(clock)

	scenarios := map[string]map[string]any{}
	for i := 0; i < 6; i++ {
		scenarios[fmt.Sprintf("s%d", i)] = map[string]any{features.KeyTx6mCount: float64(i)}
	}
	results, err := svc.BatchSimulate(context.Background(), "per_example", "example-v1", scenarios)
	if err != nil {
		t.Fatalf("BatchSimulate: %v", err)
	}
	svc.Wait()

	failed, ok := 0, 0
	for name, r := range results {
		switch {
		case r.Error != "":
			failed++
			if r.Error != "internal error" {
				t.Errorf("%s error = %q", name, r.Error)
			}
		case r.Result != nil:
			ok++
		}
	}
	if failed != 1 || ok != 5 {
		t.Errorf("failed = %d, ok = %d, want 1 and 5", failed, ok)
	}
}

func TestService_BatchSimulate_Limits(t *testing.T) {
	svc, _, _ := newTestService(t)

	if _, err := svc.BatchSimulate(context.Background(), "per_example", "example-v1", nil); !errors.Is(err, ErrNoScenarios) {
		t.Errorf("empty: err = %v", err)
	}
	many := map[string]map[string]any{}
	for i := 0; i <= MaxScenarios; i++ {
		many[fmt.Sprintf("s%d", i)] = nil
	}
	if _, err := svc.BatchSimulate(context.Background(), "per_example", "example-v1", many); !errors.Is(err, ErrTooManyScenarios) {
		t.Errorf("too many: err = %v", err)
	}
}

func TestService_Trend(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	rows := []struct {
		at    time.Time
		score int
	}{
		{time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC), 100},
		{time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC), 500},
		{time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC), 601},
		{time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), 700},
	}
	for i, r := range rows {
		if err := store.Append(ctx, &CreditScore{
			ID: fmt.Sprintf("cs_%d", i), PersonaID: "per_example", ModelID: "example-v1",
			Score: r.score, Band: "C", ComputedAt: r.at,
		}); err != nil {
			t.Fatal(err)
		}
	}

	points, err := svc.Trend(ctx, "per_example", "example-v1", 3)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	want := []TrendPoint{
		{Month: "2026-04", AvgScore: 550.5, Count: 2},
		{Month: "2026-06", AvgScore: 700, Count: 1},
	}
	if len(points) != len(want) {
		t.Fatalf("points = %+v, want %+v", points, want)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, points[i], want[i])
		}
	}

	// A score computed this month lands in this month's average.
	exp, err := svc.Compute(ctx, "per_example", "example-v1")
	if err != nil {
		t.Fatal(err)
	}
	points, _ = svc.Trend(ctx, "per_example", "example-v1", 0)
	last := points[len(points)-1]
	if last.Month != "2026-06" || last.Count != 2 || last.AvgScore != float64(700+exp.Score)/2 {
		t.Errorf("current month = %+v", last)
	}
}

func TestService_Trend_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	for _, months := range []int{-1, 37} {
		if _, err := svc.Trend(context.Background(), "per_example", "example-v1", months); !errors.Is(err, ErrInvalidMonths) {
			t.Errorf("months %d: err = %v", months, err)
		}
	}
	if _, err := svc.Trend(context.Background(), "per_example", "ghost", 6); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("unknown model: err = %v", err)
	}
}

func TestService_History(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.Append(ctx, &CreditScore{
			ID: fmt.Sprintf("cs_%d", i), PersonaID: "per_example", ModelID: "alt-v1",
			Score: 400 + i, Band: "D", ComputedAt: fixedNow.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, next, more, err := svc.History(ctx, "per_example", "", "", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page) != 2 || !more || page[0].ID != "cs_4" || page[1].ID != "cs_3" {
		t.Fatalf("page 1 = %v more=%v", ids(page), more)
	}
	page, next, more, _ = svc.History(ctx, "per_example", "", next, 2)
	if len(page) != 2 || !more || page[0].ID != "cs_2" {
		t.Fatalf("page 2 = %v more=%v", ids(page), more)
	}
	page, _, more, _ = svc.History(ctx, "per_example", "", next, 2)
	if len(page) != 1 || more || page[0].ID != "cs_0" {
		t.Fatalf("page 3 = %v more=%v", ids(page), more)
	}

	if _, _, _, err := svc.History(ctx, "per_example", "", "%%%", 2); !errors.Is(err, ErrInvalidCursor) {
		t.Errorf("bad cursor: err = %v", err)
	}
}

func ids(scores []*CreditScore) []string {
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.ID
	}
	return out
}

func TestService_SaveModel(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	cfg := &ModelConfig{
		Model:   Model{ID: "thin-file", Version: "0.1.0"},
		Factors: []Factor{{FeatureKey: features.KeyHasRemittances, Weight: 10}},
		Bands: []Band{
			{Label: "PASS", MinScore: 500, MaxScore: 1000},
			{Label: "FAIL", MinScore: 0, MaxScore: 500},
		},
	}
	if _, err := svc.SaveModel(ctx, cfg); !errors.Is(err, ErrInvalidBands) {
		t.Fatalf("overlapping bands: err = %v", err)
	}

	cfg.Bands[1].MaxScore = 499
	saved, err := svc.SaveModel(ctx, cfg)
	if err != nil {
		t.Fatalf("SaveModel: %v", err)
	}
	if saved.SchemaVersion != features.CurrentSchemaVersion || len(saved.Factors) != 1 || len(saved.Bands) != 2 {
		t.Errorf("saved = %+v", saved)
	}
	if saved.Bands[0].Label != "PASS" {
		t.Errorf("bands not ordered highest first: %+v", saved.Bands)
	}

	// No raw bounds: the band envelope [0,1000] is used.
	exp, err := svc.Compute(ctx, "per_example", "thin-file")
	if err != nil {
		t.Fatal(err)
	}
	if exp.Bounds.Source != BoundsFromBands || exp.Score != 0 || exp.Band.Label != "FAIL" {
		t.Errorf("explanation = %d/%s/%s", exp.Score, exp.Band.Label, exp.Bounds.Source)
	}
}
