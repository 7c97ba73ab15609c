// Package activeeval tracks in-flight generation workflows.
//
// Each workflow owns one entry keyed by (workspace, project, workflow uuid).
// End and Fail are safe under redelivery: ending an entry that is already
// gone is a no-op, and both transitions publish an event on a best-effort
// basis.
package activeeval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// Store is the persistence the ledger needs. *storage.DB satisfies it.
type Store interface {
	CreateActiveEvaluation(ctx context.Context, ae model.ActiveEvaluation) (model.ActiveEvaluation, error)
	EndActiveEvaluation(ctx context.Context, key model.ActiveEvaluationKey) (*model.ActiveEvaluation, error)
	FailActiveEvaluation(ctx context.Context, key model.ActiveEvaluationKey, errMsg string) (model.ActiveEvaluation, error)
	SetActiveEvaluationTarget(ctx context.Context, key model.ActiveEvaluationKey, evaluationUUID uuid.UUID) error
	ListActiveEvaluations(ctx context.Context, workspaceID, projectID int64) ([]model.ActiveEvaluation, error)
	Notify(ctx context.Context, channel, payload string) error
}

// Ledger is the active evaluation ledger.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger on store.
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Start records a queued workflow. Starting the same key twice returns the
// original entry.
func (l *Ledger) Start(ctx context.Context, ae model.ActiveEvaluation) (model.ActiveEvaluation, error) {
	created, err := l.store.CreateActiveEvaluation(ctx, ae)
	if err != nil {
		return model.ActiveEvaluation{}, fmt.Errorf("activeeval: start: %w", err)
	}
	return created, nil
}

// Track records the evaluation a workflow is currently scoring.
func (l *Ledger) Track(ctx context.Context, key model.ActiveEvaluationKey, evaluationUUID uuid.UUID) error {
	if err := l.store.SetActiveEvaluationTarget(ctx, key, evaluationUUID); err != nil {
		return fmt.Errorf("activeeval: track: %w", err)
	}
	return nil
}

// End removes the entry for key. It reports false when there was nothing to
// end, which is expected when a terminal step is replayed.
func (l *Ledger) End(ctx context.Context, key model.ActiveEvaluationKey) (bool, error) {
	ended, err := l.store.EndActiveEvaluation(ctx, key)
	if err != nil {
		return false, fmt.Errorf("activeeval: end: %w", err)
	}
	if ended == nil {
		l.logger.Debug("activeeval: end of missing entry", "workflow_uuid", key.WorkflowUUID)
		return false, nil
	}
	l.publish(ctx, model.EventEvaluationEnded, *ended)
	return true, nil
}

// Fail records cause on the entry for key and returns the updated entry.
func (l *Ledger) Fail(ctx context.Context, key model.ActiveEvaluationKey, cause error) (model.ActiveEvaluation, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	failed, err := l.store.FailActiveEvaluation(ctx, key, msg)
	if err != nil {
		return model.ActiveEvaluation{}, fmt.Errorf("activeeval: fail: %w", err)
	}
	l.publish(ctx, model.EventEvaluationFailed, failed)
	return failed, nil
}

// List returns the in-flight workflows of a project.
func (l *Ledger) List(ctx context.Context, workspaceID, projectID int64) ([]model.ActiveEvaluation, error) {
	list, err := l.store.ListActiveEvaluations(ctx, workspaceID, projectID)
	if err != nil {
		return nil, fmt.Errorf("activeeval: list: %w", err)
	}
	return list, nil
}

// publish is fire-and-forget: a lost event never fails a transition.
func (l *Ledger) publish(ctx context.Context, typ model.EvaluationEventType, ae model.ActiveEvaluation) {
	payload, err := json.Marshal(model.EvaluationEvent{Type: typ, ActiveEvaluation: ae, OccurredAt: l.now().UTC()})
	if err != nil {
		l.logger.Warn("activeeval: marshal event", "type", typ, "error", err)
		return
	}
	if err := l.store.Notify(context.WithoutCancel(ctx), storage.ChannelEvaluationEvents, string(payload)); err != nil {
		l.logger.Warn("activeeval: publish event", "type", typ, "workflow_uuid", ae.WorkflowUUID, "error", err)
	}
}
