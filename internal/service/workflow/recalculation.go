package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hyoka/internal/alignment"
	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// RecalculationRequest names the evaluation to recalculate.
type RecalculationRequest struct {
	WorkspaceID    int64
	CommitID       int64
	EvaluationUUID uuid.UUID
}

// RecalculationResult describes a queued recalculation.
type RecalculationResult struct {
	JobID         string
	PositiveCount int
	NegativeCount int
	AlignmentHash string
}

// RequestRecalculation queues an incremental alignment recalculation.
//
// Only examples created after the stored cursors are run, unless the
// configuration changed since the last score, in which case every example
// is run again. The evaluation is marked as recalculating until the job
// finishes; a second request while the mark is fresh fails with
// storage.ErrAlreadyRecalculating.
func (o *Orchestrator) RequestRecalculation(ctx context.Context, req RecalculationRequest) (RecalculationResult, error) {
	ev, err := o.store.GetEvaluationVersion(ctx, req.WorkspaceID, req.CommitID, req.EvaluationUUID)
	if err != nil {
		return RecalculationResult{}, notFoundOr(err, "evaluation", req.EvaluationUUID.String())
	}
	if ev.IssueID == nil {
		return RecalculationResult{}, ErrNoGroundTruth
	}

	hash := alignment.ConfigurationHash(ev.Configuration)
	var afterPositive, afterNegative *time.Time
	if meta := ev.AlignmentMetricMetadata; meta != nil && meta.AlignmentHash == hash {
		afterPositive = meta.LastProcessedPositiveSpanDate
		afterNegative = meta.LastProcessedNegativeSpanDate
	}

	positives, err := o.store.ListGroundTruthExamples(ctx, storage.GroundTruthQuery{
		WorkspaceID: req.WorkspaceID, IssueID: *ev.IssueID, ShouldPass: true,
		After: afterPositive, Limit: o.cfg.ExampleLimit,
	})
	if err != nil {
		return RecalculationResult{}, fmt.Errorf("workflow: list positive examples: %w", err)
	}
	negatives, err := o.store.ListGroundTruthExamples(ctx, storage.GroundTruthQuery{
		WorkspaceID: req.WorkspaceID, IssueID: *ev.IssueID, ShouldPass: false,
		After: afterNegative, Limit: o.cfg.ExampleLimit,
	})
	if err != nil {
		return RecalculationResult{}, fmt.Errorf("workflow: list negative examples: %w", err)
	}

	now := o.now().UTC()
	if err := o.store.MarkEvaluationRecalculating(ctx, ev.ID, now, o.cfg.RecalculationStaleAfter); err != nil {
		return RecalculationResult{}, fmt.Errorf("workflow: mark recalculating: %w", err)
	}

	payload := model.RecalculationPayload{
		WorkspaceID:    req.WorkspaceID,
		CommitID:       req.CommitID,
		EvaluationUUID: ev.UUID.String(),
		DocumentUUID:   ev.DocumentUUID.String(),
		AlignmentHash:  hash,
		ShouldPass:     pairsOf(positives),
		ShouldFail:     pairsOf(negatives),
	}
	parentID := fmt.Sprintf("%s:evaluation=%s:commit=%d:at=%d", JobRecalculate, ev.UUID, req.CommitID, now.UnixNano())
	id, _, err := o.scheduler.EnqueueFlow(ctx, jobs.FlowParams{
		Parent: jobs.EnqueueParams{
			Queue:   QueueEvaluations,
			Name:    JobRecalculate,
			Payload: payload,
			JobID:   parentID,
		},
		Children: o.runChildren(parentID, req.WorkspaceID, req.CommitID, payload.EvaluationUUID, payload.DocumentUUID,
			slices.Concat(payload.ShouldPass, payload.ShouldFail)),
	})
	if err != nil {
		if clearErr := o.store.ClearEvaluationRecalculating(ctx, ev.ID); clearErr != nil {
			o.capture(ctx, "workflow: clear recalculation mark", clearErr, "evaluation_uuid", ev.UUID)
		}
		return RecalculationResult{}, fmt.Errorf("workflow: enqueue recalculation: %w", err)
	}

	o.logger.Info("workflow: recalculation queued", "evaluation_uuid", ev.UUID, "job_id", id,
		"positives", len(positives), "negatives", len(negatives), "full", afterPositive == nil && afterNegative == nil)
	return RecalculationResult{
		JobID:         id,
		PositiveCount: len(positives),
		NegativeCount: len(negatives),
		AlignmentHash: hash,
	}, nil
}

func pairsOf(examples []model.GroundTruthExample) []model.SpanTraceID {
	pairs := make([]model.SpanTraceID, len(examples))
	for i, e := range examples {
		pairs[i] = e.Pair()
	}
	return pairs
}
