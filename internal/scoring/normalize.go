package scoring

import (
	"github.com/shopspring/decimal"
)

var scaleMax = decimal.NewFromInt(ScoreMax)

// Normalize maps raw onto [0,1000]:
// clamp(floor((raw-min)/(max-min)*1000), 0, 1000).
func Normalize(raw float64, b Bounds) (int, error) {
	return normalizeDecimal(decimal.NewFromFloat(raw), b)
}

func normalizeDecimal(raw decimal.Decimal, b Bounds) (int, error) {
	if b.Max <= b.Min {
		return 0, ErrInvalidBounds
	}
	lo := decimal.NewFromFloat(b.Min)
	span := decimal.NewFromFloat(b.Max).Sub(lo)

	scaled := raw.Sub(lo).Div(span).Mul(scaleMax).Floor()
	if scaled.LessThan(decimal.Zero) {
		return ScoreMin, nil
	}
	if scaled.GreaterThan(scaleMax) {
		return ScoreMax, nil
	}
	return int(scaled.IntPart()), nil
}

// ResolveBounds picks the normalization bounds for a model: its explicit
// raw bounds, else the envelope of its bands, else def.
func ResolveBounds(m *Model, bands []Band, def Bounds) Bounds {
	if m != nil && m.RawMin != nil && m.RawMax != nil {
		return Bounds{Min: *m.RawMin, Max: *m.RawMax, Source: BoundsFromModel}
	}
	if len(bands) > 0 {
		lo, hi := bands[0].MinScore, bands[0].MaxScore
		for _, b := range bands[1:] {
			if b.MinScore < lo {
				lo = b.MinScore
			}
			if b.MaxScore > hi {
				hi = b.MaxScore
			}
		}
		return Bounds{Min: float64(lo), Max: float64(hi), Source: BoundsFromBands}
	}
	def.Source = BoundsFromDefaults
	return def
}
