package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/altscore/internal/logging"
	"github.com/mbd888/altscore/internal/metrics"
	"github.com/mbd888/altscore/internal/traces"
)

// Recency risk buckets: days since last activity up to each limit map to the
// paired risk; anything older is 1.0.
var recencyBuckets = []struct {
	maxDays float64
	risk    float64
}{
	{30, 0},
	{90, 0.3},
	{180, 0.6},
}

// Extractor builds feature sets from an ActivitySource.
type Extractor struct {
	source ActivitySource
	now    func() time.Time
	logger *slog.Logger
}

// NewExtractor creates an extractor over source.
func NewExtractor(source ActivitySource, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{source: source, now: time.Now, logger: logger}
}

// WithClock overrides the clock used to place extraction windows.
func (e *Extractor) WithClock(now func() time.Time) *Extractor {
	e.now = now
	return e
}

// Extract returns the schema v1 feature set for personaID. It never fails:
// when the source errors or panics the result is the all-defaults set with
// Error set to ErrorMarkerUnavailable.
func (e *Extractor) Extract(ctx context.Context, personaID string) *Set {
	ctx, span := traces.StartSpan(ctx, "features.Extract", traces.PersonaID(personaID))
	defer span.End()

	asOf := e.now().UTC()
	set := &Set{
		PersonaID:     personaID,
		SchemaVersion: SchemaV1.Version,
		WindowEnd:     asOf,
	}

	agg, err := e.aggregate(ctx, personaID, NewWindow(asOf))
	if err != nil {
		logging.L(ctx).Warn("feature extraction failed, using defaults",
			"persona_id", personaID, "error", err)
		metrics.FeatureExtractionFailures.Inc()
		set.Values = Defaults()
		set.Error = ErrorMarkerUnavailable
		return set
	}
	set.Values = FromAggregates(agg, asOf)
	return set
}

func (e *Extractor) aggregate(ctx context.Context, personaID string, w Window) (agg *Aggregates, err error) {
	defer func() {
		if r := recover(); r != nil {
			agg, err = nil, fmt.Errorf("activity source panic: %v", r)
		}
	}()
	if e.source == nil {
		return nil, fmt.Errorf("no activity source configured")
	}
	agg, err = e.source.Aggregate(ctx, personaID, w)
	if err == nil && agg == nil {
		err = fmt.Errorf("activity source returned no aggregates")
	}
	return agg, err
}

// Defaults returns the feature vector of a persona with no activity.
func Defaults() Vector {
	return FromAggregates(&Aggregates{}, time.Time{})
}

// FromAggregates computes the primary features from a and then the derived
// ones.
func FromAggregates(a *Aggregates, asOf time.Time) Vector {
	v := Vector{
		KeyTx6mCount:            Number(float64(a.TxCount)),
		KeyTx6mVolume:           Number(a.TxVolume.Round(2).InexactFloat64()),
		KeyTx6mAvgAmount:        Number(ratio(a.TxVolume, decimal.NewFromInt(a.TxCount), 2)),
		KeyRemit12mCount:        Number(float64(a.RemitCount)),
		KeyRemit12mVolume:       Number(a.RemitVolume.Round(2).InexactFloat64()),
		KeyRemit12mActiveMonths: Number(float64(a.RemitActiveMonths)),
		KeyBills12mTotal:        Number(float64(a.BillsTotal)),
		KeyBills12mPaidOnTime:   Number(float64(a.BillsPaidOnTime)),
		KeyBillsPaidRatio:       Number(ratio(decimal.NewFromInt(a.BillsPaidOnTime), decimal.NewFromInt(a.BillsTotal), 4)),
		KeyDaysSinceLastActive:  Number(float64(daysSince(a.LastActivityAt, asOf))),
		KeyHasRemittances:       Bool(a.RemitCount > 0),
	}
	Derive(v, nil)
	return v
}

// Derive (re)computes the derived features of v from its primary features.
// Keys present in keep are left untouched.
func Derive(v Vector, keep map[string]bool) {
	set := func(key string, val Value) {
		if !keep[key] {
			v[key] = val
		}
	}

	paid := decimal.NewFromFloat(v.Float(KeyBillsPaidRatio))
	consistency := decimal.Min(decimal.NewFromInt(1), paid.Mul(decimal.RequireFromString("1.2")))
	set(KeyPaymentConsistency, Number(consistency.Round(4).InexactFloat64()))

	set(KeyRecencyRisk, Number(RecencyRisk(v.Float(KeyDaysSinceLastActive))))

	months := decimal.NewFromFloat(v.Float(KeyRemit12mActiveMonths))
	set(KeyRemittanceRegularity, Number(months.Div(decimal.NewFromInt(12)).Round(4).InexactFloat64()))
}

// RecencyRisk maps days since last activity to a risk in [0,1]. Days past
// the last bucket, however large, are maximum risk.
func RecencyRisk(days float64) float64 {
	for _, b := range recencyBuckets {
		if days <= b.maxDays {
			return b.risk
		}
	}
	return 1.0
}

func daysSince(last *time.Time, asOf time.Time) int64 {
	if last == nil || last.IsZero() {
		return NoActivityDays
	}
	d := asOf.Sub(*last)
	if d < 0 {
		return 0
	}
	return int64(d / (24 * time.Hour))
}

func ratio(num, den decimal.Decimal, places int32) float64 {
	if den.IsZero() {
		return 0
	}
	return num.Div(den).Round(places).InexactFloat64()
}
