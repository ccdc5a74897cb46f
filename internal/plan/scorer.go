package plan

import (
	"math"

	"github.com/loomctl/loom/internal/types"
)

// Factor weights for the complexity score. Risk and novelty dominate
// because they correlate with rework, which is what the score exists to
// predict.
const (
	weightScope        = 0.25
	weightNovelty      = 0.30
	weightDependencies = 0.15
	weightRisk         = 0.30
)

// scoreTolerance is how far a declared score may drift from the recomputed
// one before the recomputed value replaces it.
const scoreTolerance = 0.05

// Score computes the complexity score for a set of declared factors.
// Factors outside the 1..5 rating scale are clamped before weighting.
func Score(f types.ComplexityFactors) float64 {
	return weightScope*clamp(f.Scope) +
		weightNovelty*clamp(f.Novelty) +
		weightDependencies*clamp(f.Dependencies) +
		weightRisk*clamp(f.Risk)
}

// Rescore reconciles a unit's declared complexity with the score recomputed
// from its factors, preferring the recomputed value whenever the two
// disagree. Returns true if the declared score was replaced.
func Rescore(unit *types.SemanticUnit) bool {
	computed := Score(unit.Factors)
	if math.Abs(unit.Complexity-computed) <= scoreTolerance {
		return false
	}
	unit.Complexity = computed
	return true
}

func clamp(rating int) float64 {
	if rating < 1 {
		return 1
	}
	if rating > 5 {
		return 5
	}
	return float64(rating)
}
