// Package alignment scores how well an evaluation agrees with human-labelled
// ground truth. Everything here is pure and deterministic.
//
// The score is the Matthews Correlation Coefficient of the confusion matrix,
// rescaled from [-1,1] to an integer in [0,100]. Thresholds elsewhere are
// expressed on that scale.
package alignment

import (
	"fmt"
	"math"

	"github.com/ashita-ai/hyoka/internal/model"
)

// InsufficientDataError is returned when there is nothing to score on one
// side of the confusion matrix. Retrying does not help without new examples.
type InsufficientDataError struct {
	Positives int
	Negatives int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("alignment: insufficient data: %d positive and %d negative results", e.Positives, e.Negatives)
}

// Result is a scored confusion matrix.
type Result struct {
	MCC             int                   `json:"mcc"`
	ConfusionMatrix model.ConfusionMatrix `json:"confusionMatrix"`
}

// Score builds a confusion matrix from the outcomes of examples that should
// pass and examples that should fail, and scores it.
func Score(shouldPass, shouldFail []bool) (Result, error) {
	if len(shouldPass) == 0 || len(shouldFail) == 0 {
		return Result{}, &InsufficientDataError{Positives: len(shouldPass), Negatives: len(shouldFail)}
	}

	m := Count(shouldPass, shouldFail)
	return Result{MCC: scale(rawMCC(m)), ConfusionMatrix: m}, nil
}

// Count builds the confusion matrix without scoring it. Either side may be
// empty.
func Count(shouldPass, shouldFail []bool) model.ConfusionMatrix {
	var m model.ConfusionMatrix
	for _, passed := range shouldPass {
		if passed {
			m.TruePositives++
		} else {
			m.FalseNegatives++
		}
	}
	for _, passed := range shouldFail {
		if passed {
			m.FalsePositives++
		} else {
			m.TrueNegatives++
		}
	}
	return m
}

// ScoreMatrix scores an already accumulated confusion matrix. It fails the
// same way Score does when either side has no results.
func ScoreMatrix(m model.ConfusionMatrix) (Result, error) {
	if m.Positives() == 0 || m.Negatives() == 0 {
		return Result{}, &InsufficientDataError{Positives: m.Positives(), Negatives: m.Negatives()}
	}
	return Result{MCC: scale(rawMCC(m)), ConfusionMatrix: m}, nil
}

// rawMCC returns the coefficient in [-1,1]. A zero denominator yields 0.
func rawMCC(m model.ConfusionMatrix) float64 {
	tp := float64(m.TruePositives)
	tn := float64(m.TrueNegatives)
	fp := float64(m.FalsePositives)
	fn := float64(m.FalseNegatives)

	denominator := math.Sqrt((tp + fp) * (tp + fn) * (tn + fp) * (tn + fn))
	if denominator == 0 {
		return 0
	}
	return (tp*tn - fp*fn) / denominator
}

func scale(raw float64) int {
	score := int(math.Round(50 * (raw + 1)))
	return max(0, min(100, score))
}
