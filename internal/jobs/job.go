// Package jobs is a durable job scheduler on Postgres.
//
// Jobs live in the jobs table and are claimed by workers with
// FOR UPDATE SKIP LOCKED. A claimed job holds a lease; if the worker dies
// the lease expires and another worker picks the job up again, so handlers
// must tolerate redelivery. Failed jobs are retried with exponential backoff
// until their attempts are exhausted.
//
// A flow is a parent job with children. The parent waits in
// waiting_children until every child is completed or failed, then becomes
// runnable and can read its children's counts and results.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job row.
type Status string

const (
	StatusWaiting         Status = "waiting"
	StatusWaitingChildren Status = "waiting_children"
	StatusActive          Status = "active"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Job is a claimed job as seen by a handler.
type Job struct {
	ID           string
	Queue        string
	Name         string
	Payload      json.RawMessage
	ParentID     *string
	AttemptsMade int
	MaxAttempts  int
	CreatedAt    time.Time

	// lockedUntil is the lease this delivery holds. Outcome writes match
	// on it so a delivery that lost its lease cannot overwrite the next one.
	lockedUntil time.Time
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("jobs: decode payload of %s: %w", j.ID, err)
	}
	return nil
}

// Attempt returns the retry bookkeeping of this delivery.
func (j Job) Attempt() AttemptContext {
	return AttemptContext{AttemptsMade: j.AttemptsMade, MaxAttempts: j.MaxAttempts}
}

// AttemptContext is the retry bookkeeping of one job delivery.
// AttemptsMade counts failed attempts before this one.
type AttemptContext struct {
	AttemptsMade int
	MaxAttempts  int
}

// IsLastAttempt reports whether a failure now exhausts the job's attempts.
func (a AttemptContext) IsLastAttempt() bool {
	return a.AttemptsMade+1 >= a.MaxAttempts
}

// DependencyCounts summarizes the state of a parent's children.
type DependencyCounts struct {
	// Failed children that fail their parent's dependency.
	Failed int
	// Ignored children failed but were enqueued with IgnoreDependencyOnFailure.
	Ignored int
	// Processed children completed.
	Processed int
	// Unprocessed children have not reached a terminal state.
	Unprocessed int
}

// Handler processes one job. The returned value is stored as the job's
// result and must be JSON-serializable.
type Handler func(ctx context.Context, job Job) (any, error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as unrecoverable. The worker fails the job without
// scheduling further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
