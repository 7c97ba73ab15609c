package alignment

import (
	"time"

	"github.com/ashita-ai/hyoka/internal/model"
)

// MatchResult holds the outcomes that matched a ground-truth example, split
// by the list they matched, in outcome order.
type MatchResult struct {
	PassResults []bool
	FailResults []bool
	// Dropped counts outcomes that matched neither list.
	Dropped int
	// LatestPositive and LatestNegative are the newest CreatedAt among the
	// matched examples on each side, nil when nothing matched on that side.
	LatestPositive *time.Time
	LatestNegative *time.Time
}

// Mismatches are the matched outcomes that disagree with ground truth.
type Mismatches struct {
	// FalsePositives matched a should-fail example but passed.
	FalsePositives []model.SpanTraceID
	// FalseNegatives matched a should-pass example but failed.
	FalseNegatives []model.SpanTraceID
}

// Truncate caps both lists at n entries.
func (m Mismatches) Truncate(n int) Mismatches {
	if n < 0 {
		n = 0
	}
	if len(m.FalsePositives) > n {
		m.FalsePositives = m.FalsePositives[:n]
	}
	if len(m.FalseNegatives) > n {
		m.FalseNegatives = m.FalseNegatives[:n]
	}
	return m
}

type index map[model.SpanTraceID]model.GroundTruthExample

func indexExamples(examples []model.GroundTruthExample) index {
	idx := make(index, len(examples))
	for _, e := range examples {
		idx[e.Pair()] = e
	}
	return idx
}

// Match pairs each outcome with a ground-truth example by (spanId, traceId).
// The should-pass list is consulted first. Outcomes matching neither list
// contribute nothing.
func Match(outcomes []model.EvaluationRunOutcome, shouldPass, shouldFail []model.GroundTruthExample) MatchResult {
	pass := indexExamples(shouldPass)
	fail := indexExamples(shouldFail)

	var r MatchResult
	for _, o := range outcomes {
		if e, ok := pass[o.Pair()]; ok {
			r.PassResults = append(r.PassResults, o.HasPassed)
			r.LatestPositive = later(r.LatestPositive, e.CreatedAt)
			continue
		}
		if e, ok := fail[o.Pair()]; ok {
			r.FailResults = append(r.FailResults, o.HasPassed)
			r.LatestNegative = later(r.LatestNegative, e.CreatedAt)
			continue
		}
		r.Dropped++
	}
	return r
}

// FindMismatches lists the matched outcomes that disagree with ground truth,
// in outcome order. Callers cap the lists with Truncate.
func FindMismatches(outcomes []model.EvaluationRunOutcome, shouldPass, shouldFail []model.GroundTruthExample) Mismatches {
	pass := indexExamples(shouldPass)
	fail := indexExamples(shouldFail)

	var m Mismatches
	for _, o := range outcomes {
		if _, ok := pass[o.Pair()]; ok {
			if !o.HasPassed {
				m.FalseNegatives = append(m.FalseNegatives, o.Pair())
			}
			continue
		}
		if _, ok := fail[o.Pair()]; ok && o.HasPassed {
			m.FalsePositives = append(m.FalsePositives, o.Pair())
		}
	}
	return m
}

func later(cur *time.Time, t time.Time) *time.Time {
	if t.IsZero() {
		return cur
	}
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}
