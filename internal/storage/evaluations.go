package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

const evaluationColumns = `id, uuid, workspace_id, commit_id, document_uuid, issue_id, name,
	configuration, alignment_metric, alignment_metric_metadata, quality_metric,
	deleted_at, created_at, updated_at`

// CreateEvaluationParams describes a new evaluation version.
type CreateEvaluationParams struct {
	UUID          uuid.UUID
	WorkspaceID   int64
	CommitID      int64
	DocumentUUID  uuid.UUID
	IssueID       *int64
	Name          string
	Configuration model.EvaluationConfiguration
}

// MetricUpdate carries the metric fields to persist. Nil fields are left
// unchanged. Force skips the optimistic concurrency and merged-commit guards
// and is reserved for system-driven updates.
type MetricUpdate struct {
	AlignmentMetric         *int
	AlignmentMetricMetadata *model.AlignmentMetricMetadata
	QualityMetric           *int
	Force                   bool
}

// CreateEvaluationVersion inserts a live evaluation version. Creating a
// version whose uuid is already live on the commit returns the existing row,
// so replays with a deterministic uuid are harmless.
func (db *DB) CreateEvaluationVersion(ctx context.Context, p CreateEvaluationParams) (model.EvaluationVersion, error) {
	cfg, err := json.Marshal(p.Configuration)
	if err != nil {
		return model.EvaluationVersion{}, fmt.Errorf("storage: marshal configuration: %w", err)
	}

	ev, err := scanEvaluation(db.pool.QueryRow(ctx,
		`INSERT INTO evaluation_versions (uuid, workspace_id, commit_id, document_uuid, issue_id, name, configuration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (commit_id, uuid) WHERE deleted_at IS NULL DO NOTHING
		 RETURNING `+evaluationColumns,
		p.UUID, p.WorkspaceID, p.CommitID, p.DocumentUUID, p.IssueID, p.Name, cfg,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return db.GetEvaluationVersion(ctx, p.WorkspaceID, p.CommitID, p.UUID)
	}
	if err != nil {
		return model.EvaluationVersion{}, fmt.Errorf("storage: create evaluation version: %w", err)
	}
	return ev, nil
}

// GetEvaluationVersion returns the live version of an evaluation at a commit.
func (db *DB) GetEvaluationVersion(ctx context.Context, workspaceID, commitID int64, evaluationUUID uuid.UUID) (model.EvaluationVersion, error) {
	ev, err := scanEvaluation(db.pool.QueryRow(ctx,
		`SELECT `+evaluationColumns+`
		 FROM evaluation_versions
		 WHERE workspace_id = $1 AND commit_id = $2 AND uuid = $3 AND deleted_at IS NULL`,
		workspaceID, commitID, evaluationUUID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EvaluationVersion{}, fmt.Errorf("storage: evaluation %s: %w", evaluationUUID, ErrNotFound)
	}
	if err != nil {
		return model.EvaluationVersion{}, fmt.Errorf("storage: get evaluation version: %w", err)
	}
	return ev, nil
}

// GetEvaluationAtCommitByDocument returns the live version of an evaluation
// attached to a document at a commit.
func (db *DB) GetEvaluationAtCommitByDocument(ctx context.Context, workspaceID, commitID int64, documentUUID, evaluationUUID uuid.UUID) (model.EvaluationVersion, error) {
	ev, err := scanEvaluation(db.pool.QueryRow(ctx,
		`SELECT `+evaluationColumns+`
		 FROM evaluation_versions
		 WHERE workspace_id = $1 AND commit_id = $2 AND document_uuid = $3 AND uuid = $4
		   AND deleted_at IS NULL`,
		workspaceID, commitID, documentUUID, evaluationUUID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.EvaluationVersion{}, fmt.Errorf("storage: evaluation %s at commit %d: %w", evaluationUUID, commitID, ErrNotFound)
	}
	if err != nil {
		return model.EvaluationVersion{}, fmt.Errorf("storage: get evaluation at commit: %w", err)
	}
	return ev, nil
}

// UpdateEvaluationMetric persists metric fields on a live version.
//
// Without Force the update only applies when the version is unchanged since
// it was read (matching updated_at) and its commit is not merged; otherwise
// ErrConflict is returned. Forced updates with the same inputs are safe to
// repeat.
func (db *DB) UpdateEvaluationMetric(ctx context.Context, ev model.EvaluationVersion, upd MetricUpdate) (model.EvaluationVersion, error) {
	var meta []byte
	if upd.AlignmentMetricMetadata != nil {
		b, err := json.Marshal(upd.AlignmentMetricMetadata)
		if err != nil {
			return model.EvaluationVersion{}, fmt.Errorf("storage: marshal alignment metadata: %w", err)
		}
		meta = b
	}

	updated, err := retryValue(ctx, func() (model.EvaluationVersion, error) {
		return scanEvaluation(db.pool.QueryRow(ctx,
			`UPDATE evaluation_versions ev
			 SET alignment_metric = COALESCE($2, ev.alignment_metric),
			     alignment_metric_metadata = COALESCE($3, ev.alignment_metric_metadata),
			     quality_metric = COALESCE($4, ev.quality_metric),
			     updated_at = now()
			 WHERE ev.id = $1 AND ev.deleted_at IS NULL
			   AND ($5 OR (
			     ev.updated_at = $6
			     AND NOT EXISTS (SELECT 1 FROM commits c WHERE c.id = ev.commit_id AND c.merged_at IS NOT NULL)
			   ))
			 RETURNING `+evaluationColumns,
			ev.ID, upd.AlignmentMetric, meta, upd.QualityMetric, upd.Force, ev.UpdatedAt,
		))
	})
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.EvaluationVersion{}, fmt.Errorf("storage: update evaluation metric: %w", err)
	}

	live, err := db.evaluationLive(ctx, ev.ID)
	if err != nil {
		return model.EvaluationVersion{}, err
	}
	if !live {
		return model.EvaluationVersion{}, fmt.Errorf("storage: evaluation version %d: %w", ev.ID, ErrNotFound)
	}
	return model.EvaluationVersion{}, fmt.Errorf("storage: evaluation version %d: %w", ev.ID, ErrConflict)
}

// DeleteEvaluationVersion removes a live version. When another live version
// of the same evaluation exists on a different commit the row is
// soft-deleted, otherwise it is removed. Deleting a version that is no
// longer live returns ErrNotFound.
func (db *DB) DeleteEvaluationVersion(ctx context.Context, ev model.EvaluationVersion) (model.EvaluationVersion, error) {
	var deleted model.EvaluationVersion
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var elsewhere bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (
			   SELECT 1 FROM evaluation_versions
			   WHERE uuid = $1 AND workspace_id = $2 AND commit_id <> $3 AND deleted_at IS NULL
			 )`,
			ev.UUID, ev.WorkspaceID, ev.CommitID,
		).Scan(&elsewhere); err != nil {
			return fmt.Errorf("storage: check other versions: %w", err)
		}

		query := `DELETE FROM evaluation_versions WHERE id = $1 AND deleted_at IS NULL RETURNING ` + evaluationColumns
		if elsewhere {
			query = `UPDATE evaluation_versions SET deleted_at = now(), updated_at = now()
			         WHERE id = $1 AND deleted_at IS NULL RETURNING ` + evaluationColumns
		}
		var err error
		deleted, err = scanEvaluation(tx.QueryRow(ctx, query, ev.ID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("storage: evaluation version %d: %w", ev.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("storage: delete evaluation version: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.EvaluationVersion{}, err
	}
	return deleted, nil
}

// MarkEvaluationRecalculating stamps recalculatingAt on the alignment
// metadata. An existing mark younger than staleAfter blocks the stamp with
// ErrAlreadyRecalculating; an older one is taken over.
func (db *DB) MarkEvaluationRecalculating(ctx context.Context, versionID int64, at time.Time, staleAfter time.Duration) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE evaluation_versions
		 SET alignment_metric_metadata = jsonb_set(
		       COALESCE(alignment_metric_metadata, '{}'::jsonb),
		       '{recalculatingAt}', to_jsonb($2::timestamptz)),
		     updated_at = now()
		 WHERE id = $1 AND deleted_at IS NULL
		   AND (alignment_metric_metadata->>'recalculatingAt' IS NULL
		     OR (alignment_metric_metadata->>'recalculatingAt')::timestamptz < $2::timestamptz - make_interval(secs => $3))`,
		versionID, at, staleAfter.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("storage: mark recalculating: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	live, err := db.evaluationLive(ctx, versionID)
	if err != nil {
		return err
	}
	if !live {
		return fmt.Errorf("storage: evaluation version %d: %w", versionID, ErrNotFound)
	}
	return fmt.Errorf("storage: evaluation version %d: %w", versionID, ErrAlreadyRecalculating)
}

// ClearEvaluationRecalculating removes the recalculation mark. Clearing a
// version without a mark is a no-op.
func (db *DB) ClearEvaluationRecalculating(ctx context.Context, versionID int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE evaluation_versions
		 SET alignment_metric_metadata = alignment_metric_metadata - 'recalculatingAt',
		     updated_at = now()
		 WHERE id = $1 AND alignment_metric_metadata ? 'recalculatingAt'`,
		versionID,
	)
	if err != nil {
		return fmt.Errorf("storage: clear recalculating: %w", err)
	}
	return nil
}

func (db *DB) evaluationLive(ctx context.Context, versionID int64) (bool, error) {
	var live bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM evaluation_versions WHERE id = $1 AND deleted_at IS NULL)`,
		versionID,
	).Scan(&live); err != nil {
		return false, fmt.Errorf("storage: check evaluation version: %w", err)
	}
	return live, nil
}

func scanEvaluation(row pgx.Row) (model.EvaluationVersion, error) {
	var ev model.EvaluationVersion
	var cfg, meta []byte
	if err := row.Scan(
		&ev.ID, &ev.UUID, &ev.WorkspaceID, &ev.CommitID, &ev.DocumentUUID, &ev.IssueID, &ev.Name,
		&cfg, &ev.AlignmentMetric, &meta, &ev.QualityMetric,
		&ev.DeletedAt, &ev.CreatedAt, &ev.UpdatedAt,
	); err != nil {
		return model.EvaluationVersion{}, err
	}
	if err := json.Unmarshal(cfg, &ev.Configuration); err != nil {
		return model.EvaluationVersion{}, fmt.Errorf("storage: decode configuration of %d: %w", ev.ID, err)
	}
	if len(meta) > 0 {
		var m model.AlignmentMetricMetadata
		if err := json.Unmarshal(meta, &m); err != nil {
			return model.EvaluationVersion{}, fmt.Errorf("storage: decode alignment metadata of %d: %w", ev.ID, err)
		}
		ev.AlignmentMetricMetadata = &m
	}
	return ev, nil
}
