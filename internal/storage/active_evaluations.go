package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

const activeEvaluationColumns = `workspace_id, project_id, workflow_uuid, issue_id, evaluation_uuid, queued_at, error`

// CreateActiveEvaluation records a queued workflow. A zero QueuedAt is
// stamped by the database. Creating an entry that already exists returns the
// existing entry unchanged.
func (db *DB) CreateActiveEvaluation(ctx context.Context, ae model.ActiveEvaluation) (model.ActiveEvaluation, error) {
	var queuedAt *time.Time
	if !ae.QueuedAt.IsZero() {
		queuedAt = &ae.QueuedAt
	}
	created, err := scanActiveEvaluation(db.pool.QueryRow(ctx,
		`INSERT INTO active_evaluations (workspace_id, project_id, workflow_uuid, issue_id, evaluation_uuid, queued_at)
		 VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, now()))
		 ON CONFLICT (workspace_id, project_id, workflow_uuid)
		 DO UPDATE SET queued_at = active_evaluations.queued_at
		 RETURNING `+activeEvaluationColumns,
		ae.WorkspaceID, ae.ProjectID, ae.WorkflowUUID, ae.IssueID, ae.EvaluationUUID, queuedAt,
	))
	if err != nil {
		return model.ActiveEvaluation{}, fmt.Errorf("storage: create active evaluation: %w", err)
	}
	return created, nil
}

// GetActiveEvaluation returns the entry for key.
func (db *DB) GetActiveEvaluation(ctx context.Context, key model.ActiveEvaluationKey) (model.ActiveEvaluation, error) {
	ae, err := scanActiveEvaluation(db.pool.QueryRow(ctx,
		`SELECT `+activeEvaluationColumns+` FROM active_evaluations
		 WHERE workspace_id = $1 AND project_id = $2 AND workflow_uuid = $3`,
		key.WorkspaceID, key.ProjectID, key.WorkflowUUID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ActiveEvaluation{}, fmt.Errorf("storage: active evaluation %s: %w", key.WorkflowUUID, ErrNotFound)
	}
	if err != nil {
		return model.ActiveEvaluation{}, fmt.Errorf("storage: get active evaluation: %w", err)
	}
	return ae, nil
}

// EndActiveEvaluation deletes the entry for key and returns it. Ending an
// entry that no longer exists returns (nil, nil).
func (db *DB) EndActiveEvaluation(ctx context.Context, key model.ActiveEvaluationKey) (*model.ActiveEvaluation, error) {
	ae, err := scanActiveEvaluation(db.pool.QueryRow(ctx,
		`DELETE FROM active_evaluations
		 WHERE workspace_id = $1 AND project_id = $2 AND workflow_uuid = $3
		 RETURNING `+activeEvaluationColumns,
		key.WorkspaceID, key.ProjectID, key.WorkflowUUID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: end active evaluation: %w", err)
	}
	return &ae, nil
}

// FailActiveEvaluation records errMsg on the entry for key and returns it.
func (db *DB) FailActiveEvaluation(ctx context.Context, key model.ActiveEvaluationKey, errMsg string) (model.ActiveEvaluation, error) {
	ae, err := scanActiveEvaluation(db.pool.QueryRow(ctx,
		`UPDATE active_evaluations SET error = $4
		 WHERE workspace_id = $1 AND project_id = $2 AND workflow_uuid = $3
		 RETURNING `+activeEvaluationColumns,
		key.WorkspaceID, key.ProjectID, key.WorkflowUUID, errMsg,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ActiveEvaluation{}, fmt.Errorf("storage: active evaluation %s: %w", key.WorkflowUUID, ErrNotFound)
	}
	if err != nil {
		return model.ActiveEvaluation{}, fmt.Errorf("storage: fail active evaluation: %w", err)
	}
	return ae, nil
}

// SetActiveEvaluationTarget records the evaluation the workflow is currently
// scoring. A missing entry is ignored.
func (db *DB) SetActiveEvaluationTarget(ctx context.Context, key model.ActiveEvaluationKey, evaluationUUID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE active_evaluations SET evaluation_uuid = $4
		 WHERE workspace_id = $1 AND project_id = $2 AND workflow_uuid = $3`,
		key.WorkspaceID, key.ProjectID, key.WorkflowUUID, evaluationUUID,
	)
	if err != nil {
		return fmt.Errorf("storage: set active evaluation target: %w", err)
	}
	return nil
}

// ListActiveEvaluations returns the in-flight workflows of a project, oldest first.
func (db *DB) ListActiveEvaluations(ctx context.Context, workspaceID, projectID int64) ([]model.ActiveEvaluation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+activeEvaluationColumns+` FROM active_evaluations
		 WHERE workspace_id = $1 AND project_id = $2
		 ORDER BY queued_at ASC`,
		workspaceID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active evaluations: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ActiveEvaluation, error) {
		return scanActiveEvaluation(row)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: scan active evaluations: %w", err)
	}
	return list, nil
}

func scanActiveEvaluation(row pgx.Row) (model.ActiveEvaluation, error) {
	var ae model.ActiveEvaluation
	err := row.Scan(&ae.WorkspaceID, &ae.ProjectID, &ae.WorkflowUUID, &ae.IssueID,
		&ae.EvaluationUUID, &ae.QueuedAt, &ae.Error)
	return ae, err
}
