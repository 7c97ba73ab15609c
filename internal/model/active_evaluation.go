package model

import (
	"time"

	"github.com/google/uuid"
)

// ActiveEvaluationKey identifies one in-flight generation workflow.
type ActiveEvaluationKey struct {
	WorkspaceID  int64  `json:"workspaceId"`
	ProjectID    int64  `json:"projectId"`
	WorkflowUUID string `json:"workflowUuid"`
}

// ActiveEvaluation tracks a generation workflow from queueing until it ends.
// The row is deleted when the workflow ends; Error is set when it fails.
type ActiveEvaluation struct {
	WorkspaceID    int64      `json:"workspaceId"`
	ProjectID      int64      `json:"projectId"`
	WorkflowUUID   string     `json:"workflowUuid"`
	IssueID        int64      `json:"issueId"`
	EvaluationUUID *uuid.UUID `json:"evaluationUuid,omitempty"`
	QueuedAt       time.Time  `json:"queuedAt"`
	Error          *string    `json:"error,omitempty"`
}

// Key returns the ledger key of the active evaluation.
func (a ActiveEvaluation) Key() ActiveEvaluationKey {
	return ActiveEvaluationKey{
		WorkspaceID:  a.WorkspaceID,
		ProjectID:    a.ProjectID,
		WorkflowUUID: a.WorkflowUUID,
	}
}

// EvaluationEventType names an active evaluation lifecycle event.
type EvaluationEventType string

const (
	EventEvaluationEnded  EvaluationEventType = "evaluationEnded"
	EventEvaluationFailed EvaluationEventType = "evaluationFailed"
)

// EvaluationEvent is published on every ledger transition.
type EvaluationEvent struct {
	Type             EvaluationEventType `json:"type"`
	ActiveEvaluation ActiveEvaluation    `json:"activeEvaluation"`
	OccurredAt       time.Time           `json:"occurredAt"`
}
