package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// RecalculationResponse is the response for a manual alignment recalculation trigger.
type RecalculationResponse struct {
	JobID          string    `json:"job_id"`
	EvaluationUUID uuid.UUID `json:"evaluation_uuid"`
	PositiveCount  int       `json:"positive_examples"`
	NegativeCount  int       `json:"negative_examples"`
	AlignmentHash  string    `json:"alignment_hash"`
}

// StartGenerationRequest starts a generation workflow for an issue.
type StartGenerationRequest struct {
	IssueID      int64     `json:"issue_id" validate:"required,gt=0"`
	DocumentUUID uuid.UUID `json:"document_uuid" validate:"required"`
	ProviderName string    `json:"provider_name,omitempty"`
	Model        string    `json:"model,omitempty"`
}

// Validate checks the request after decoding.
func (r StartGenerationRequest) Validate() error {
	return payloadValidate.Struct(r)
}

// StartGenerationResponse is the response for a started generation workflow.
type StartGenerationResponse struct {
	ActiveEvaluation ActiveEvaluation `json:"active_evaluation"`
	JobID            string           `json:"job_id"`
}

// JobResponse carries the id of an enqueued job.
type JobResponse struct {
	JobID string `json:"job_id"`
}

// AlignmentResponse reports the persisted alignment state of an evaluation.
type AlignmentResponse struct {
	EvaluationUUID  uuid.UUID                `json:"evaluation_uuid"`
	CommitID        int64                    `json:"commit_id"`
	AlignmentMetric *int                     `json:"alignment_metric,omitempty"`
	QualityMetric   *int                     `json:"quality_metric,omitempty"`
	Metadata        *AlignmentMetricMetadata `json:"metadata,omitempty"`
}

// AlignmentOf projects the persisted alignment state of an evaluation.
func AlignmentOf(ev EvaluationVersion) AlignmentResponse {
	return AlignmentResponse{
		EvaluationUUID:  ev.UUID,
		CommitID:        ev.CommitID,
		AlignmentMetric: ev.AlignmentMetric,
		QualityMetric:   ev.QualityMetric,
		Metadata:        ev.AlignmentMetricMetadata,
	}
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Postgres   string `json:"postgres"`
	QueueDepth int    `json:"queue_depth"`
	SSEBroker  string `json:"sse_broker,omitempty"`
	Uptime     int64  `json:"uptime_seconds"`
}
