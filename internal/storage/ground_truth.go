package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hyoka/internal/model"
)

// GroundTruthInput is one labelled span to store. A zero CreatedAt means now.
type GroundTruthInput struct {
	SpanID     string
	TraceID    string
	ShouldPass bool
	CreatedAt  time.Time
}

// GroundTruthQuery selects one side of an issue's ground truth.
type GroundTruthQuery struct {
	WorkspaceID int64
	IssueID     int64
	ShouldPass  bool
	// After skips examples created at or before this cursor.
	After *time.Time
	// Limit caps the result; zero means no limit.
	Limit int
}

// InsertGroundTruthExamples stores labelled spans for an issue. Re-inserting
// a span keeps the original label and timestamp.
func (db *DB) InsertGroundTruthExamples(ctx context.Context, workspaceID, issueID int64, examples []GroundTruthInput) (int, error) {
	if len(examples) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, e := range examples {
		var createdAt *time.Time
		if !e.CreatedAt.IsZero() {
			createdAt = &e.CreatedAt
		}
		batch.Queue(
			`INSERT INTO ground_truth_examples (workspace_id, issue_id, span_id, trace_id, should_pass, created_at)
			 VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
			 ON CONFLICT (workspace_id, issue_id, span_id, trace_id) DO NOTHING`,
			workspaceID, issueID, e.SpanID, e.TraceID, e.ShouldPass, createdAt,
		)
	}

	results := db.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	inserted := 0
	for range examples {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("storage: insert ground truth: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListGroundTruthExamples returns one side of an issue's ground truth, oldest
// first, after the optional cursor.
func (db *DB) ListGroundTruthExamples(ctx context.Context, q GroundTruthQuery) ([]model.GroundTruthExample, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.pool.Query(ctx,
		`SELECT span_id, trace_id, created_at
		 FROM ground_truth_examples
		 WHERE workspace_id = $1 AND issue_id = $2 AND should_pass = $3
		   AND ($4::timestamptz IS NULL OR created_at > $4)
		 ORDER BY created_at ASC, id ASC
		 LIMIT NULLIF($5, -1)`,
		q.WorkspaceID, q.IssueID, q.ShouldPass, q.After, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ground truth: %w", err)
	}
	examples, err := pgx.CollectRows(rows, scanGroundTruth)
	if err != nil {
		return nil, fmt.Errorf("storage: scan ground truth: %w", err)
	}
	return examples, nil
}

// ResolveGroundTruthExamples looks up the stored examples for the given
// pairs. Pairs with no stored example are omitted.
func (db *DB) ResolveGroundTruthExamples(ctx context.Context, workspaceID, issueID int64, pairs []model.SpanTraceID) ([]model.GroundTruthExample, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	spans := make([]string, len(pairs))
	traces := make([]string, len(pairs))
	for i, p := range pairs {
		spans[i] = p.SpanID
		traces[i] = p.TraceID
	}
	rows, err := db.pool.Query(ctx,
		`SELECT g.span_id, g.trace_id, g.created_at
		 FROM ground_truth_examples g
		 JOIN unnest($3::text[], $4::text[]) AS p(span_id, trace_id)
		   ON g.span_id = p.span_id AND g.trace_id = p.trace_id
		 WHERE g.workspace_id = $1 AND g.issue_id = $2`,
		workspaceID, issueID, spans, traces,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve ground truth: %w", err)
	}
	examples, err := pgx.CollectRows(rows, scanGroundTruth)
	if err != nil {
		return nil, fmt.Errorf("storage: scan ground truth: %w", err)
	}
	return examples, nil
}

func scanGroundTruth(row pgx.CollectableRow) (model.GroundTruthExample, error) {
	var e model.GroundTruthExample
	err := row.Scan(&e.SpanID, &e.TraceID, &e.CreatedAt)
	return e, err
}
