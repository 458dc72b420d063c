package scoring

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mbd888/altscore/internal/apperr"
)

// Unclassified returns the sentinel band for scores no band contains.
func Unclassified() Band {
	return Band{
		Label:          UnclassifiedLabel,
		MinScore:       ScoreMin,
		MaxScore:       ScoreMax,
		Recommendation: ManualReviewRecommendation,
	}
}

// Classify returns the band containing score. When several bands contain it
// the one with the highest min_score wins; when none does the result is
// Unclassified.
func Classify(score int, bands []Band) Band {
	var best *Band
	for i := range bands {
		b := &bands[i]
		if !b.Contains(score) {
			continue
		}
		if best == nil || b.MinScore > best.MinScore {
			best = b
		}
	}
	if best == nil {
		return Unclassified()
	}
	return *best
}

// ValidateBands checks that bands partition [0,1000]: labels are unique and
// non-empty, every band is well formed, and sorted bands neither overlap nor
// leave gaps.
func ValidateBands(bands []Band) error {
	if len(bands) == 0 {
		return apperr.WithMessage(ErrInvalidBands, "at least one risk band is required")
	}

	labels := make(map[string]bool, len(bands))
	sorted := make([]Band, len(bands))
	copy(sorted, bands)
	for _, b := range sorted {
		label := strings.TrimSpace(b.Label)
		if label == "" || strings.EqualFold(label, UnclassifiedLabel) {
			return apperr.WithMessage(ErrInvalidBands, fmt.Sprintf("invalid band label %q", b.Label))
		}
		if labels[label] {
			return apperr.WithMessage(ErrInvalidBands, fmt.Sprintf("duplicate band label %q", label))
		}
		labels[label] = true
		if b.MinScore < ScoreMin || b.MaxScore > ScoreMax || b.MinScore > b.MaxScore {
			return apperr.WithMessage(ErrInvalidBands, fmt.Sprintf("band %s range [%d,%d] is invalid", label, b.MinScore, b.MaxScore))
		}
	}

	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinScore < sorted[j].MinScore })
	if sorted[0].MinScore != ScoreMin {
		return apperr.WithMessage(ErrInvalidBands, fmt.Sprintf("bands leave [%d,%d] uncovered", ScoreMin, sorted[0].MinScore-1))
	}
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		switch {
		case cur.MinScore <= prev.MaxScore:
			return apperr.WithMessage(ErrInvalidBands, fmt.Sprintf("bands %s and %s overlap", prev.Label, cur.Label))
		case cur.MinScore > prev.MaxScore+1:
			return apperr.WithMessage(ErrInvalidBands, fmt.Sprintf("bands leave [%d,%d] uncovered", prev.MaxScore+1, cur.MinScore-1))
		}
	}
	if last := sorted[len(sorted)-1]; last.MaxScore != ScoreMax {
		return apperr.WithMessage(ErrInvalidBands, fmt.Sprintf("bands leave [%d,%d] uncovered", last.MaxScore+1, ScoreMax))
	}
	return nil
}

// CompareBands derives the risk level change of moving from one band to
// another. A higher min_score is a lower-risk band; when either side is
// unclassified the sign of scoreChange decides.
func CompareBands(from, to Band, scoreChange int) RiskLevelChange {
	if from.Label == to.Label {
		return RiskNoChange
	}
	if from.Label == UnclassifiedLabel || to.Label == UnclassifiedLabel {
		return bySign(scoreChange)
	}
	return bySign(to.MinScore - from.MinScore)
}

func bySign(delta int) RiskLevelChange {
	switch {
	case delta > 0:
		return RiskImproved
	case delta < 0:
		return RiskDegraded
	default:
		return RiskNoChange
	}
}
