// Package scoring reduces a per-ply evaluation trace into game quality metrics.
package scoring

import (
	"math"

	"github.com/park285/chess-quant/internal/domain"
)

const (
	// LossCap bounds the contribution of a single move to the average.
	LossCap = 300
	// BlunderThreshold is exceeded (strictly) by a blunder's uncapped loss.
	BlunderThreshold = 300
)

// Compute returns ACPL and blunder count for the tracked color. evals[i] is the
// white-relative evaluation after ply i; even plies belong to white.
func Compute(evals []int, color domain.Color) domain.AnalysisResult {
	var (
		total    int
		blunders int
		moves    int
	)
	isWhite := color == domain.White

	for i := 1; i < len(evals); i++ {
		whitePly := i%2 == 0
		if whitePly != isWhite {
			continue
		}
		loss := evals[i] - evals[i-1]
		if isWhite {
			loss = evals[i-1] - evals[i]
		}
		if loss < 0 {
			loss = 0
		}
		if loss > BlunderThreshold {
			blunders++
		}
		total += min(loss, LossCap)
		moves++
	}

	acpl := 0
	if moves > 0 {
		acpl = int(math.Round(float64(total) / float64(moves)))
	}
	return domain.AnalysisResult{
		ACPL:     acpl,
		Blunders: blunders,
		RawEvals: evals,
	}
}
