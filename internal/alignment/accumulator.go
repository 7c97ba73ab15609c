package alignment

import (
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// Fresh is the result of one incremental recalculation pass.
type Fresh struct {
	ConfusionMatrix        model.ConfusionMatrix
	LatestPositiveSpanDate *time.Time
	LatestNegativeSpanDate *time.Time
	// AlignmentHash is the hash of the configuration the pass was scored under.
	AlignmentHash string
}

// Accumulate merges a fresh pass into the previously persisted metadata.
//
// When configurationChanged is set, prior is ignored entirely. Otherwise the
// matrices are summed and each cutoff date moves forward only: a missing or
// older fresh date keeps the prior cutoff. The result never carries a
// recalculation mark.
func Accumulate(fresh Fresh, prior *model.AlignmentMetricMetadata, configurationChanged bool) model.AlignmentMetricMetadata {
	if configurationChanged {
		prior = nil
	}

	out := model.AlignmentMetricMetadata{
		ConfusionMatrix:               fresh.ConfusionMatrix,
		AlignmentHash:                 fresh.AlignmentHash,
		LastProcessedPositiveSpanDate: copyTime(fresh.LatestPositiveSpanDate),
		LastProcessedNegativeSpanDate: copyTime(fresh.LatestNegativeSpanDate),
	}
	if prior == nil {
		return out
	}

	out.ConfusionMatrix = prior.ConfusionMatrix.Add(fresh.ConfusionMatrix)
	out.LastProcessedPositiveSpanDate = advance(prior.LastProcessedPositiveSpanDate, fresh.LatestPositiveSpanDate)
	out.LastProcessedNegativeSpanDate = advance(prior.LastProcessedNegativeSpanDate, fresh.LatestNegativeSpanDate)
	return out
}

// Covered reports whether every example behind a fresh pass is at or before
// the prior cutoffs, meaning the pass was already accumulated. A redelivered
// recalculation job uses this to avoid counting the same batch twice.
func Covered(fresh Fresh, prior *model.AlignmentMetricMetadata) bool {
	if prior == nil {
		return false
	}
	if fresh.LatestPositiveSpanDate == nil && fresh.LatestNegativeSpanDate == nil {
		return false
	}
	return notAfter(fresh.LatestPositiveSpanDate, prior.LastProcessedPositiveSpanDate) &&
		notAfter(fresh.LatestNegativeSpanDate, prior.LastProcessedNegativeSpanDate)
}

func notAfter(fresh, cutoff *time.Time) bool {
	if fresh == nil {
		return true
	}
	return cutoff != nil && !fresh.After(*cutoff)
}

func advance(prior, fresh *time.Time) *time.Time {
	if fresh != nil && (prior == nil || fresh.After(*prior)) {
		return copyTime(fresh)
	}
	return copyTime(prior)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
