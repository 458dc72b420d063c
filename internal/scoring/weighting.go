package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mbd888/altscore/internal/features"
)

// Weighting is the weighted sum of a feature vector under a model.
type Weighting struct {
	Raw           decimal.Decimal
	Contributions map[string]Contribution
}

// RawScore returns the raw score as a float.
func (w *Weighting) RawScore() float64 {
	return w.Raw.InexactFloat64()
}

// Weigh applies factors to v in lexicographic feature-key order. Missing
// features count as 0 and booleans as 0 or 1. Sums are exact decimals.
func Weigh(v features.Vector, factors []Factor) *Weighting {
	ordered := make([]Factor, len(factors))
	copy(ordered, factors)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].FeatureKey < ordered[j].FeatureKey })

	w := &Weighting{Raw: decimal.Zero, Contributions: make(map[string]Contribution, len(ordered))}
	for _, f := range ordered {
		value := decimal.Zero
		if val, ok := v[f.FeatureKey]; ok {
			value = val.Decimal()
		}
		weight := decimal.NewFromFloat(f.Weight)
		contribution := value.Mul(weight)
		w.Raw = w.Raw.Add(contribution)
		w.Contributions[f.FeatureKey] = Contribution{
			RawValue:     value.InexactFloat64(),
			Weight:       f.Weight,
			Contribution: contribution.InexactFloat64(),
		}
	}
	return w
}

// WeightingEngine loads a model's factors and weighs vectors with them.
type WeightingEngine struct {
	models ModelStore
}

// NewWeightingEngine creates an engine over models.
func NewWeightingEngine(models ModelStore) *WeightingEngine {
	return &WeightingEngine{models: models}
}

// Apply weighs v with modelID's factors. A model with no factors and no
// model record yields ErrModelNotFound; a known model with no factors
// weighs to zero.
func (e *WeightingEngine) Apply(ctx context.Context, v features.Vector, modelID string) (*Weighting, error) {
	factors, err := e.models.ListFactors(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("list factors: %w", err)
	}
	if len(factors) == 0 {
		if _, err := e.models.GetModel(ctx, modelID); err != nil {
			if errors.Is(err, ErrModelNotFound) {
				return nil, ErrModelNotFound
			}
			return nil, fmt.Errorf("get model: %w", err)
		}
	}
	return Weigh(v, factors), nil
}
