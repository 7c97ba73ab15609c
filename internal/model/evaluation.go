// Package model defines the core domain types for Hyoka.
//
// Types map onto database rows (workspaces, commits, evaluation versions,
// ground-truth examples, active evaluations) and onto the JSON payloads that
// travel through the job scheduler. Wire field names follow the camelCase
// contract shared with the rest of the platform.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is the tenant boundary. Every evaluation belongs to one.
type Workspace struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Commit is a version of a project. Evaluations are versioned per commit;
// a merged commit is immutable except for system-driven (forced) updates.
type Commit struct {
	ID          int64      `json:"id"`
	UUID        uuid.UUID  `json:"uuid"`
	WorkspaceID int64      `json:"workspaceId"`
	ProjectID   int64      `json:"projectId"`
	Title       string     `json:"title"`
	MergedAt    *time.Time `json:"mergedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// EvaluationConfiguration is the LLM-as-judge configuration that gets scored.
// The free-text fields are what a regeneration attempt is allowed to adjust.
type EvaluationConfiguration struct {
	Criteria        string `json:"criteria"`
	PassDescription string `json:"passDescription"`
	FailDescription string `json:"failDescription"`
	ProviderName    string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
}

// ConfusionMatrix counts binary classification outcomes against ground truth.
// Positives are examples that should pass the evaluation.
type ConfusionMatrix struct {
	TruePositives  int `json:"truePositives"`
	TrueNegatives  int `json:"trueNegatives"`
	FalsePositives int `json:"falsePositives"`
	FalseNegatives int `json:"falseNegatives"`
}

// Add returns the component-wise sum of m and o.
func (m ConfusionMatrix) Add(o ConfusionMatrix) ConfusionMatrix {
	return ConfusionMatrix{
		TruePositives:  m.TruePositives + o.TruePositives,
		TrueNegatives:  m.TrueNegatives + o.TrueNegatives,
		FalsePositives: m.FalsePositives + o.FalsePositives,
		FalseNegatives: m.FalseNegatives + o.FalseNegatives,
	}
}

// Positives is the number of matched examples that should pass.
func (m ConfusionMatrix) Positives() int { return m.TruePositives + m.FalseNegatives }

// Negatives is the number of matched examples that should fail.
func (m ConfusionMatrix) Negatives() int { return m.TrueNegatives + m.FalsePositives }

// AlignmentMetricMetadata is persisted alongside the alignment score.
// The cutoff dates form the cursor for incremental recalculation, and
// AlignmentHash identifies the configuration the matrix was scored under.
type AlignmentMetricMetadata struct {
	ConfusionMatrix               ConfusionMatrix `json:"confusionMatrix"`
	AlignmentHash                 string          `json:"alignmentHash"`
	LastProcessedPositiveSpanDate *time.Time      `json:"lastProcessedPositiveSpanDate,omitempty"`
	LastProcessedNegativeSpanDate *time.Time      `json:"lastProcessedNegativeSpanDate,omitempty"`
	RecalculatingAt               *time.Time      `json:"recalculatingAt,omitempty"`
}

// EvaluationVersion is one evaluation as it exists at one commit.
// ID identifies the version row; UUID identifies the evaluation across commits.
type EvaluationVersion struct {
	ID                      int64                    `json:"versionId"`
	UUID                    uuid.UUID                `json:"uuid"`
	WorkspaceID             int64                    `json:"workspaceId"`
	CommitID                int64                    `json:"commitId"`
	DocumentUUID            uuid.UUID                `json:"documentUuid"`
	IssueID                 *int64                   `json:"issueId,omitempty"`
	Name                    string                   `json:"name"`
	Configuration           EvaluationConfiguration  `json:"configuration"`
	AlignmentMetric         *int                     `json:"alignmentMetric,omitempty"`
	AlignmentMetricMetadata *AlignmentMetricMetadata `json:"alignmentMetricMetadata,omitempty"`
	QualityMetric           *int                     `json:"qualityMetric,omitempty"`
	DeletedAt               *time.Time               `json:"deletedAt,omitempty"`
	CreatedAt               time.Time                `json:"createdAt"`
	UpdatedAt               time.Time                `json:"updatedAt"`
}

// GroundTruthExample is a human-labelled span. Identity is the (SpanID, TraceID) pair.
type GroundTruthExample struct {
	SpanID    string    `json:"spanId"`
	TraceID   string    `json:"traceId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Pair returns the identity of the example.
func (e GroundTruthExample) Pair() SpanTraceID {
	return SpanTraceID{SpanID: e.SpanID, TraceID: e.TraceID}
}

// EvaluationRunOutcome is the decoded result of one child evaluation run.
type EvaluationRunOutcome struct {
	SpanID    string `json:"spanId"`
	TraceID   string `json:"traceId"`
	HasPassed bool   `json:"hasPassed"`
}

// Pair returns the identity of the evaluated span.
func (o EvaluationRunOutcome) Pair() SpanTraceID {
	return SpanTraceID{SpanID: o.SpanID, TraceID: o.TraceID}
}
