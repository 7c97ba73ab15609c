package workflow

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/hyoka/internal/storage"
)

// TooManyFailedChildrenError is returned by a scoring job whose children are
// not complete enough to score. It is always retried.
type TooManyFailedChildrenError struct {
	Failed      int
	Ignored     int
	Processed   int
	Unprocessed int
}

func (e *TooManyFailedChildrenError) Error() string {
	return fmt.Sprintf("%d failed and %d ignored children. Waiting for %d unprocessed children to complete",
		e.Failed, e.Ignored, e.Unprocessed)
}

// NotFoundError is returned when an entity a job depends on does not exist.
// It unwraps to storage.ErrNotFound.
type NotFoundError struct {
	Entity string
	ID     string
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workflow: %s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// GenerationLimitError is recorded on the ledger when a workflow runs out of
// generation attempts.
type GenerationLimitError struct {
	Attempt int
	Max     int
}

func (e *GenerationLimitError) Error() string {
	return fmt.Sprintf("workflow: generation attempt %d exceeds the limit of %d", e.Attempt, e.Max)
}

// ErrNoGroundTruth is returned when an evaluation is not linked to an issue
// and so has no labelled examples to score against.
var ErrNoGroundTruth = errors.New("workflow: evaluation has no ground truth")

// notFoundOr converts storage.ErrNotFound into a *NotFoundError and wraps any
// other error.
func notFoundOr(err error, entity, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &NotFoundError{Entity: entity, ID: id, Err: err}
	}
	return fmt.Errorf("workflow: load %s %s: %w", entity, id, err)
}
