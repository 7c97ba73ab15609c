package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

// CreateWorkspace inserts a workspace.
func (db *DB) CreateWorkspace(ctx context.Context, name string) (model.Workspace, error) {
	var w model.Workspace
	err := db.pool.QueryRow(ctx,
		`INSERT INTO workspaces (name) VALUES ($1) RETURNING id, name, created_at`, name,
	).Scan(&w.ID, &w.Name, &w.CreatedAt)
	if err != nil {
		return model.Workspace{}, fmt.Errorf("storage: create workspace: %w", err)
	}
	return w, nil
}

// GetWorkspace returns a workspace by id.
func (db *DB) GetWorkspace(ctx context.Context, id int64) (model.Workspace, error) {
	var w model.Workspace
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM workspaces WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Workspace{}, fmt.Errorf("storage: workspace %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Workspace{}, fmt.Errorf("storage: get workspace: %w", err)
	}
	return w, nil
}

// CreateCommit inserts an unmerged commit for a project.
func (db *DB) CreateCommit(ctx context.Context, workspaceID, projectID int64, title string) (model.Commit, error) {
	var c model.Commit
	err := db.pool.QueryRow(ctx,
		`INSERT INTO commits (uuid, workspace_id, project_id, title)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, uuid, workspace_id, project_id, title, merged_at, created_at`,
		uuid.New(), workspaceID, projectID, title,
	).Scan(&c.ID, &c.UUID, &c.WorkspaceID, &c.ProjectID, &c.Title, &c.MergedAt, &c.CreatedAt)
	if err != nil {
		return model.Commit{}, fmt.Errorf("storage: create commit: %w", err)
	}
	return c, nil
}

// GetCommit returns a commit scoped to its workspace.
func (db *DB) GetCommit(ctx context.Context, workspaceID, commitID int64) (model.Commit, error) {
	var c model.Commit
	err := db.pool.QueryRow(ctx,
		`SELECT id, uuid, workspace_id, project_id, title, merged_at, created_at
		 FROM commits WHERE id = $1 AND workspace_id = $2`,
		commitID, workspaceID,
	).Scan(&c.ID, &c.UUID, &c.WorkspaceID, &c.ProjectID, &c.Title, &c.MergedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Commit{}, fmt.Errorf("storage: commit %d: %w", commitID, ErrNotFound)
	}
	if err != nil {
		return model.Commit{}, fmt.Errorf("storage: get commit: %w", err)
	}
	return c, nil
}

// MergeCommit marks a commit as merged. Merging twice is a no-op.
func (db *DB) MergeCommit(ctx context.Context, workspaceID, commitID int64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE commits SET merged_at = COALESCE(merged_at, now())
		 WHERE id = $1 AND workspace_id = $2`,
		commitID, workspaceID,
	)
	if err != nil {
		return fmt.Errorf("storage: merge commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: commit %d: %w", commitID, ErrNotFound)
	}
	return nil
}
