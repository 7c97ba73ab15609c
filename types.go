package hyoka

import (
	"github.com/google/uuid"
)

// EvaluationConfiguration is the prompt-level definition of an LLM-as-judge
// evaluation.
type EvaluationConfiguration struct {
	Criteria        string
	PassDescription string
	FailDescription string
	ProviderName    string
	Model           string
}

// Span identifies one labelled span by its span and trace ids.
type Span struct {
	SpanID  string
	TraceID string
}

// GenerationRequest asks a Generator for a configuration for an issue.
// Previous, FalsePositives and FalseNegatives are empty on the first attempt;
// on later attempts they describe the rejected configuration and the spans it
// judged wrongly.
type GenerationRequest struct {
	WorkspaceID    int64
	CommitID       int64
	IssueID        int64
	DocumentUUID   uuid.UUID
	ProviderName   string
	Model          string
	Attempt        int
	Previous       *EvaluationConfiguration
	FalsePositives []Span
	FalseNegatives []Span
}

// GeneratedEvaluation is a Generator's answer.
type GeneratedEvaluation struct {
	Name          string
	Configuration EvaluationConfiguration
}

// RunRequest asks a Runner to judge one span.
type RunRequest struct {
	WorkspaceID    int64
	CommitID       int64
	EvaluationUUID uuid.UUID
	DocumentUUID   uuid.UUID
	Configuration  EvaluationConfiguration
	Span           Span
}
