package model

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// payloadValidate validates job payloads and child results as they cross the
// scheduler boundary.
var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New()
}

// SpanTraceID identifies one span. Both fields must be equal for two spans to match.
type SpanTraceID struct {
	SpanID  string `json:"spanId" validate:"required"`
	TraceID string `json:"traceId" validate:"required"`
}

// PreviousEvaluationConfiguration carries the free-text fields of a rejected
// configuration into the next generation attempt.
type PreviousEvaluationConfiguration struct {
	Criteria        string `json:"criteria"`
	PassDescription string `json:"passDescription"`
	FailDescription string `json:"failDescription"`
}

// PreviousConfigurationOf extracts the fields a regeneration may adjust.
func PreviousConfigurationOf(cfg EvaluationConfiguration) *PreviousEvaluationConfiguration {
	return &PreviousEvaluationConfiguration{
		Criteria:        cfg.Criteria,
		PassDescription: cfg.PassDescription,
		FailDescription: cfg.FailDescription,
	}
}

// WorkflowPayload is the payload of the parent jobs that score a generated
// evaluation (alignment validation and quality metric). ProjectID completes
// the ledger key of the workflow; when it is zero the project is looked up
// from the commit.
type WorkflowPayload struct {
	WorkspaceID       int64         `json:"workspaceId" validate:"required,gt=0"`
	CommitID          int64         `json:"commitId" validate:"required,gt=0"`
	ProjectID         int64         `json:"projectId,omitempty" validate:"gte=0"`
	WorkflowUUID      string        `json:"workflowUuid" validate:"required,uuid"`
	GenerationAttempt int           `json:"generationAttempt" validate:"gte=1"`
	EvaluationUUID    string        `json:"evaluationUuid" validate:"required,uuid"`
	DocumentUUID      string        `json:"documentUuid" validate:"required,uuid"`
	IssueID           int64         `json:"issueId" validate:"required,gt=0"`
	ProviderName      string        `json:"providerName"`
	Model             string        `json:"model"`
	ShouldPass        []SpanTraceID `json:"spanAndTraceIdPairsOfExamplesThatShouldPassTheEvaluation" validate:"dive"`
	ShouldFail        []SpanTraceID `json:"spanAndTraceIdPairsOfExamplesThatShouldFailTheEvaluation" validate:"dive"`
}

// Validate checks the payload after decoding.
func (p WorkflowPayload) Validate() error {
	return payloadValidate.Struct(p)
}

// GenerationPayload is the payload of a generation job. The first attempt of a
// workflow carries no evaluation or feedback; every regeneration carries the
// previous attempt's evaluation, its mismatches and its free-text fields.
type GenerationPayload struct {
	WorkspaceID                     int64                            `json:"workspaceId" validate:"required,gt=0"`
	CommitID                        int64                            `json:"commitId" validate:"required,gt=0"`
	ProjectID                       int64                            `json:"projectId,omitempty" validate:"gte=0"`
	WorkflowUUID                    string                           `json:"workflowUuid" validate:"required,uuid"`
	GenerationAttempt               int                              `json:"generationAttempt" validate:"gte=1"`
	EvaluationUUID                  string                           `json:"evaluationUuid,omitempty" validate:"omitempty,uuid"`
	DocumentUUID                    string                           `json:"documentUuid" validate:"required,uuid"`
	IssueID                         int64                            `json:"issueId" validate:"required,gt=0"`
	ProviderName                    string                           `json:"providerName"`
	Model                           string                           `json:"model"`
	ShouldPass                      []SpanTraceID                    `json:"spanAndTraceIdPairsOfExamplesThatShouldPassTheEvaluation" validate:"dive"`
	ShouldFail                      []SpanTraceID                    `json:"spanAndTraceIdPairsOfExamplesThatShouldFailTheEvaluation" validate:"dive"`
	FalsePositives                  []SpanTraceID                    `json:"falsePositivesSpanAndTraceIdPairs,omitempty" validate:"dive"`
	FalseNegatives                  []SpanTraceID                    `json:"falseNegativesSpanAndTraceIdPairs,omitempty" validate:"dive"`
	PreviousEvaluationConfiguration *PreviousEvaluationConfiguration `json:"previousEvaluationConfiguration,omitempty"`
}

// Validate checks the payload after decoding.
func (p GenerationPayload) Validate() error {
	return payloadValidate.Struct(p)
}

// NextGeneration builds the follow-up generation payload for a rejected
// configuration. The attempt counter is advanced by one.
func NextGeneration(p WorkflowPayload, cfg EvaluationConfiguration, falsePositives, falseNegatives []SpanTraceID) GenerationPayload {
	return GenerationPayload{
		WorkspaceID:                     p.WorkspaceID,
		CommitID:                        p.CommitID,
		ProjectID:                       p.ProjectID,
		WorkflowUUID:                    p.WorkflowUUID,
		GenerationAttempt:               p.GenerationAttempt + 1,
		EvaluationUUID:                  p.EvaluationUUID,
		DocumentUUID:                    p.DocumentUUID,
		IssueID:                         p.IssueID,
		ProviderName:                    p.ProviderName,
		Model:                           p.Model,
		ShouldPass:                      p.ShouldPass,
		ShouldFail:                      p.ShouldFail,
		FalsePositives:                  falsePositives,
		FalseNegatives:                  falseNegatives,
		PreviousEvaluationConfiguration: PreviousConfigurationOf(cfg),
	}
}

// Workflow returns the scoring payload for the evaluation created by this
// generation attempt.
func (p GenerationPayload) Workflow(evaluationUUID string) WorkflowPayload {
	return WorkflowPayload{
		WorkspaceID:       p.WorkspaceID,
		CommitID:          p.CommitID,
		ProjectID:         p.ProjectID,
		WorkflowUUID:      p.WorkflowUUID,
		GenerationAttempt: p.GenerationAttempt,
		EvaluationUUID:    evaluationUUID,
		DocumentUUID:      p.DocumentUUID,
		IssueID:           p.IssueID,
		ProviderName:      p.ProviderName,
		Model:             p.Model,
		ShouldPass:        p.ShouldPass,
		ShouldFail:        p.ShouldFail,
	}
}

// RecalculationPayload is the payload of an incremental alignment
// recalculation. It is not tied to a generation workflow.
type RecalculationPayload struct {
	WorkspaceID    int64         `json:"workspaceId" validate:"required,gt=0"`
	CommitID       int64         `json:"commitId" validate:"required,gt=0"`
	EvaluationUUID string        `json:"evaluationUuid" validate:"required,uuid"`
	DocumentUUID   string        `json:"documentUuid" validate:"required,uuid"`
	AlignmentHash  string        `json:"alignmentHash" validate:"required"`
	ShouldPass     []SpanTraceID `json:"spanAndTraceIdPairsOfExamplesThatShouldPassTheEvaluation" validate:"dive"`
	ShouldFail     []SpanTraceID `json:"spanAndTraceIdPairsOfExamplesThatShouldFailTheEvaluation" validate:"dive"`
}

// Validate checks the payload after decoding.
func (p RecalculationPayload) Validate() error {
	return payloadValidate.Struct(p)
}

// RunExamplePayload is the payload of a child job that runs one evaluation
// against one ground-truth span.
type RunExamplePayload struct {
	WorkspaceID    int64  `json:"workspaceId" validate:"required,gt=0"`
	CommitID       int64  `json:"commitId" validate:"required,gt=0"`
	EvaluationUUID string `json:"evaluationUuid" validate:"required,uuid"`
	DocumentUUID   string `json:"documentUuid" validate:"required,uuid"`
	SpanID         string `json:"spanId" validate:"required"`
	TraceID        string `json:"traceId" validate:"required"`
}

// Validate checks the payload after decoding.
func (p RunExamplePayload) Validate() error {
	return payloadValidate.Struct(p)
}

// RunExampleResult is the value a child job stores as its result.
// HasPassed is a pointer so that a missing field is rejected rather than read as false.
type RunExampleResult struct {
	HasPassed        *bool  `json:"hasPassed" validate:"required"`
	EvaluatedSpanID  string `json:"evaluatedSpanId" validate:"required"`
	EvaluatedTraceID string `json:"evaluatedTraceId" validate:"required"`
}

// DecodeRunOutcome decodes and validates a child job result.
func DecodeRunOutcome(raw json.RawMessage) (EvaluationRunOutcome, error) {
	var r RunExampleResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return EvaluationRunOutcome{}, fmt.Errorf("model: decode run result: %w", err)
	}
	if err := payloadValidate.Struct(r); err != nil {
		return EvaluationRunOutcome{}, fmt.Errorf("model: invalid run result: %w", err)
	}
	return EvaluationRunOutcome{
		SpanID:    r.EvaluatedSpanID,
		TraceID:   r.EvaluatedTraceID,
		HasPassed: *r.HasPassed,
	}, nil
}

// DecodePayload unmarshals a job payload and validates it.
func DecodePayload[T interface{ Validate() error }](raw json.RawMessage) (T, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("model: decode payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("model: invalid payload: %w", err)
	}
	return p, nil
}
