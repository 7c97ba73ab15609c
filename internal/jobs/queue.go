package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("jobs: not found")

// EnqueueParams describes one job to insert.
type EnqueueParams struct {
	Queue   string
	Name    string
	Payload any
	// JobID deduplicates enqueues: a second enqueue with the same id is a
	// no-op. A random id is generated when empty.
	JobID string
	// Attempts overrides the queue default when positive.
	Attempts int
}

// ChildParams describes one child of a flow.
type ChildParams struct {
	EnqueueParams
	// IgnoreDependencyOnFailure counts a failed child as ignored rather than
	// failed in the parent's dependency counts.
	IgnoreDependencyOnFailure bool
}

// FlowParams describes a parent job and the children it waits for.
type FlowParams struct {
	Parent   EnqueueParams
	Children []ChildParams
}

// Queue inserts jobs and answers questions about them. It is safe for
// concurrent use.
type Queue struct {
	pool            *pgxpool.Pool
	defaultAttempts int
}

// NewQueue creates a Queue on pool. Jobs enqueued without an explicit
// attempt count get defaultAttempts.
func NewQueue(pool *pgxpool.Pool, defaultAttempts int) *Queue {
	if defaultAttempts < 1 {
		defaultAttempts = 1
	}
	return &Queue{pool: pool, defaultAttempts: defaultAttempts}
}

// Enqueue inserts a runnable job. created is false when a job with the same
// id already exists, in which case nothing is written.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (id string, created bool, err error) {
	id, created, err = q.insert(ctx, q.pool, p, StatusWaiting, nil, false)
	if err != nil {
		return "", false, err
	}
	return id, created, nil
}

// EnqueueFlow inserts a parent and its children in one transaction. The
// parent becomes runnable once every child is completed or failed. When the
// parent id already exists the whole flow is skipped and created is false.
func (q *Queue) EnqueueFlow(ctx context.Context, f FlowParams) (id string, created bool, err error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("jobs: begin flow tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status := StatusWaitingChildren
	if len(f.Children) == 0 {
		status = StatusWaiting
	}
	id, created, err = q.insert(ctx, tx, f.Parent, status, nil, false)
	if err != nil {
		return "", false, err
	}
	if !created {
		return id, false, nil
	}

	for _, c := range f.Children {
		if _, _, err := q.insert(ctx, tx, c.EnqueueParams, StatusWaiting, &id, c.IgnoreDependencyOnFailure); err != nil {
			return "", false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("jobs: commit flow: %w", err)
	}
	return id, true, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (q *Queue) insert(ctx context.Context, db querier, p EnqueueParams, status Status, parentID *string, ignoreOnFailure bool) (string, bool, error) {
	if p.Queue == "" || p.Name == "" {
		return "", false, fmt.Errorf("jobs: enqueue: queue and name are required")
	}
	id := p.JobID
	if id == "" {
		id = uuid.NewString()
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = q.defaultAttempts
	}
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return "", false, fmt.Errorf("jobs: marshal payload for %s: %w", id, err)
	}

	var inserted string
	err = db.QueryRow(ctx,
		`INSERT INTO jobs (id, queue, name, payload, status, parent_id, ignore_dependency_on_failure, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING
		 RETURNING id`,
		id, p.Queue, p.Name, payload, string(status), parentID, ignoreOnFailure, attempts,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return id, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("jobs: insert %s: %w", id, err)
	}
	return id, true, nil
}

// Exists reports whether a job with id exists in any state.
func (q *Queue) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := q.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("jobs: exists %s: %w", id, err)
	}
	return exists, nil
}

// DependenciesCount returns the state of the children of parentID.
func (q *Queue) DependenciesCount(ctx context.Context, parentID string) (DependencyCounts, error) {
	var c DependencyCounts
	err := q.pool.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'failed' AND NOT ignore_dependency_on_failure),
		   COUNT(*) FILTER (WHERE status = 'failed' AND ignore_dependency_on_failure),
		   COUNT(*) FILTER (WHERE status = 'completed'),
		   COUNT(*) FILTER (WHERE status NOT IN ('completed', 'failed'))
		 FROM jobs WHERE parent_id = $1`,
		parentID,
	).Scan(&c.Failed, &c.Ignored, &c.Processed, &c.Unprocessed)
	if err != nil {
		return DependencyCounts{}, fmt.Errorf("jobs: dependencies count %s: %w", parentID, err)
	}
	return c, nil
}

// ChildrenValues returns the results of the completed children of parentID,
// keyed by child job id. Children without a result are omitted.
func (q *Queue) ChildrenValues(ctx context.Context, parentID string) (map[string]json.RawMessage, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT id, result FROM jobs
		 WHERE parent_id = $1 AND status = 'completed' AND result IS NOT NULL`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs: children values %s: %w", parentID, err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var id string
		var result []byte
		if err := rows.Scan(&id, &result); err != nil {
			return nil, fmt.Errorf("jobs: scan child value: %w", err)
		}
		values[id] = json.RawMessage(result)
	}
	return values, rows.Err()
}

// Snapshot is the full persisted state of one job, for inspection.
type Snapshot struct {
	Job
	Status    Status
	Result    json.RawMessage
	LastError *string
}

// Get returns the persisted state of a job.
func (q *Queue) Get(ctx context.Context, id string) (Snapshot, error) {
	var s Snapshot
	var status string
	var payload, result []byte
	err := q.pool.QueryRow(ctx,
		`SELECT id, queue, name, payload, parent_id, attempts_made, max_attempts, created_at,
		        status, result, last_error
		 FROM jobs WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.Queue, &s.Name, &payload, &s.ParentID, &s.AttemptsMade, &s.MaxAttempts, &s.CreatedAt,
		&status, &result, &s.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("jobs: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	s.Status = Status(status)
	s.Payload = payload
	s.Result = result
	return s, nil
}

// Depth is the number of jobs that are not yet completed or failed.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status NOT IN ('completed', 'failed')`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("jobs: depth: %w", err)
	}
	return n, nil
}
