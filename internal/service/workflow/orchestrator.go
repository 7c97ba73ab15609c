package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hyoka/internal/alignment"
	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// MetricKind names the metric a scoring job computes.
type MetricKind string

const (
	MetricAlignment MetricKind = "alignment"
	MetricQuality   MetricKind = "quality"
)

// MetricSpec parametrises a scoring job.
type MetricSpec struct {
	Kind      MetricKind
	Threshold int
	// Incremental folds the pass into the stored alignment metadata instead
	// of replacing it. Incremental passes never regenerate and are not part
	// of a workflow.
	Incremental bool
}

// Outcome is the state a scoring job leaves its workflow in.
type Outcome int

const (
	OutcomeAccepted Outcome = iota + 1
	OutcomeRegenerating
	OutcomeFailedRetryable
	OutcomeFailedTerminal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRegenerating:
		return "regenerating"
	case OutcomeFailedRetryable:
		return "failed_retryable"
	case OutcomeFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Terminal reports whether the workflow is over.
func (o Outcome) Terminal() bool {
	return o == OutcomeAccepted || o == OutcomeFailedTerminal
}

// Decision is the result of a scoring job.
type Decision struct {
	Outcome         Outcome                `json:"outcome"`
	Score           *int                   `json:"score,omitempty"`
	ConfusionMatrix *model.ConfusionMatrix `json:"confusionMatrix,omitempty"`
	// Dropped counts child outcomes that matched no ground-truth example.
	Dropped int `json:"dropped,omitempty"`
	// NextJobID is the generation job enqueued when regenerating.
	NextJobID string `json:"nextJobId,omitempty"`
	// Replayed is set when the job found its work already done.
	Replayed bool `json:"replayed,omitempty"`
}

// Input is one delivery of a scoring job.
type Input struct {
	JobID   string
	Attempt jobs.AttemptContext
	Payload model.WorkflowPayload
	// AlignmentHash is the configuration hash a recalculation was requested
	// under. Empty for workflow scoring.
	AlignmentHash string
}

// Run scores the children of a scoring job and decides what happens to the
// evaluation.
//
// The dependency gate runs first. When it trips, Run returns a
// *TooManyFailedChildrenError without touching the evaluation or the ledger.
// Any later error is returned unchanged after the terminal side effects of a
// last attempt: the evaluation is deleted (incremental passes clear their
// recalculation mark instead) and the workflow's ledger entry is failed. The
// ledger entry is ended once on accept and once on terminal failure.
func (o *Orchestrator) Run(ctx context.Context, spec MetricSpec, in Input) (Decision, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.score", trace.WithAttributes(
		attribute.String("metric", string(spec.Kind)),
		attribute.Bool("incremental", spec.Incremental),
		attribute.String("workflow_uuid", in.Payload.WorkflowUUID),
		attribute.Int("generation_attempt", in.Payload.GenerationAttempt),
		attribute.String("evaluation_uuid", in.Payload.EvaluationUUID),
	))
	defer span.End()

	if err := o.checkDependencies(ctx, in.JobID); err != nil {
		span.RecordError(err)
		d := Decision{Outcome: OutcomeFailedRetryable}
		o.record(ctx, spec, d)
		return d, err
	}

	d, err := o.score(ctx, spec, in)

	sideCtx, cancel := detach(ctx)
	defer cancel()
	if err != nil {
		span.RecordError(err)
		d.Outcome = OutcomeFailedRetryable
		if in.Attempt.IsLastAttempt() || jobs.IsPermanent(err) {
			d.Outcome = OutcomeFailedTerminal
			o.cleanup(sideCtx, spec, in, err)
		}
	}
	o.finish(sideCtx, spec, in, d.Outcome, err)
	o.record(sideCtx, spec, d)
	span.SetAttributes(attribute.String("outcome", d.Outcome.String()))
	return d, err
}

// checkDependencies trips when the failed, ignored and unfinished children
// outnumber processed%10.
func (o *Orchestrator) checkDependencies(ctx context.Context, jobID string) error {
	counts, err := o.scheduler.DependenciesCount(ctx, jobID)
	if err != nil {
		return fmt.Errorf("workflow: dependencies of %s: %w", jobID, err)
	}
	if counts.Failed+counts.Ignored+counts.Unprocessed > counts.Processed%10 {
		return &TooManyFailedChildrenError{
			Failed:      counts.Failed,
			Ignored:     counts.Ignored,
			Processed:   counts.Processed,
			Unprocessed: counts.Unprocessed,
		}
	}
	return nil
}

func (o *Orchestrator) score(ctx context.Context, spec MetricSpec, in Input) (Decision, error) {
	ev, err := o.loadEvaluation(ctx, in.Payload)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) && !spec.Incremental {
			if d, ok := o.regenerated(ctx, in.Payload); ok {
				return d, nil
			}
		}
		return Decision{}, err
	}

	outcomes, err := o.outcomes(ctx, in.JobID)
	if err != nil {
		return Decision{}, err
	}
	issueID := in.Payload.IssueID
	if issueID == 0 && ev.IssueID != nil {
		issueID = *ev.IssueID
	}
	shouldPass, shouldFail, err := o.examples(ctx, in.Payload, issueID)
	if err != nil {
		return Decision{}, err
	}

	if spec.Incremental {
		return o.accumulate(ctx, in, ev, outcomes, shouldPass, shouldFail)
	}

	match := alignment.Match(outcomes, shouldPass, shouldFail)
	if match.Dropped > 0 {
		o.logger.Debug("workflow: dropped unmatched outcomes", "job_id", in.JobID, "dropped", match.Dropped)
	}
	d := Decision{Dropped: match.Dropped}
	res, err := alignment.Score(match.PassResults, match.FailResults)
	if err != nil {
		return d, jobs.Permanent(err)
	}
	d.Score = &res.MCC
	d.ConfusionMatrix = &res.ConfusionMatrix

	if res.MCC >= spec.Threshold {
		if err := o.accept(ctx, spec, ev, res, match); err != nil {
			return d, err
		}
		d.Outcome = OutcomeAccepted
		o.logger.Info("workflow: evaluation accepted",
			"metric", spec.Kind, "score", res.MCC, "evaluation_uuid", ev.UUID, "workflow_uuid", in.Payload.WorkflowUUID)
		return d, nil
	}

	next, err := o.regenerate(ctx, in.Payload, ev, outcomes, shouldPass, shouldFail)
	if err != nil {
		return d, err
	}
	d.Outcome = OutcomeRegenerating
	d.NextJobID = next
	o.logger.Info("workflow: evaluation rejected",
		"metric", spec.Kind, "score", res.MCC, "threshold", spec.Threshold,
		"evaluation_uuid", ev.UUID, "next_job_id", next)
	return d, nil
}

func (o *Orchestrator) loadEvaluation(ctx context.Context, p model.WorkflowPayload) (model.EvaluationVersion, error) {
	evaluationUUID, err := uuid.Parse(p.EvaluationUUID)
	if err != nil {
		return model.EvaluationVersion{}, jobs.Permanent(fmt.Errorf("workflow: evaluation uuid: %w", err))
	}
	documentUUID, err := uuid.Parse(p.DocumentUUID)
	if err != nil {
		return model.EvaluationVersion{}, jobs.Permanent(fmt.Errorf("workflow: document uuid: %w", err))
	}
	ev, err := o.store.GetEvaluationAtCommitByDocument(ctx, p.WorkspaceID, p.CommitID, documentUUID, evaluationUUID)
	if err != nil {
		return model.EvaluationVersion{}, permanentIfMissing(err, "evaluation", p.EvaluationUUID)
	}
	return ev, nil
}

// regenerated detects a redelivered scoring job whose regeneration already
// happened: the evaluation is gone and the next attempt is queued.
func (o *Orchestrator) regenerated(ctx context.Context, p model.WorkflowPayload) (Decision, bool) {
	if p.WorkflowUUID == "" {
		return Decision{}, false
	}
	next := GenerationJobID(p.WorkflowUUID, p.GenerationAttempt+1)
	exists, err := o.scheduler.Exists(ctx, next)
	if err != nil || !exists {
		return Decision{}, false
	}
	o.logger.Info("workflow: regeneration already enqueued", "workflow_uuid", p.WorkflowUUID, "next_job_id", next)
	return Decision{Outcome: OutcomeRegenerating, NextJobID: next, Replayed: true}, true
}

// outcomes decodes the children's results in child id order. Malformed
// results are dropped.
func (o *Orchestrator) outcomes(ctx context.Context, jobID string) ([]model.EvaluationRunOutcome, error) {
	values, err := o.scheduler.ChildrenValues(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("workflow: children of %s: %w", jobID, err)
	}
	out := make([]model.EvaluationRunOutcome, 0, len(values))
	for _, id := range slices.Sorted(maps.Keys(values)) {
		outcome, err := model.DecodeRunOutcome(values[id])
		if err != nil {
			o.logger.Warn("workflow: drop malformed child result", "job_id", jobID, "child_id", id, "error", err)
			continue
		}
		out = append(out, outcome)
	}
	return out, nil
}

// examples builds the ground-truth lists of a payload. Creation dates come
// from the stored examples; pairs with no stored example keep a zero date.
func (o *Orchestrator) examples(ctx context.Context, p model.WorkflowPayload, issueID int64) (shouldPass, shouldFail []model.GroundTruthExample, err error) {
	dates := make(map[model.SpanTraceID]time.Time)
	if issueID != 0 {
		pairs := slices.Concat(p.ShouldPass, p.ShouldFail)
		stored, err := o.store.ResolveGroundTruthExamples(ctx, p.WorkspaceID, issueID, pairs)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow: resolve ground truth: %w", err)
		}
		for _, e := range stored {
			dates[e.Pair()] = e.CreatedAt
		}
	}
	return toExamples(p.ShouldPass, dates), toExamples(p.ShouldFail, dates), nil
}

func toExamples(pairs []model.SpanTraceID, dates map[model.SpanTraceID]time.Time) []model.GroundTruthExample {
	out := make([]model.GroundTruthExample, len(pairs))
	for i, p := range pairs {
		out[i] = model.GroundTruthExample{SpanID: p.SpanID, TraceID: p.TraceID, CreatedAt: dates[p]}
	}
	return out
}

func (o *Orchestrator) accept(ctx context.Context, spec MetricSpec, ev model.EvaluationVersion, res alignment.Result, match alignment.MatchResult) error {
	upd := storage.MetricUpdate{Force: true}
	switch spec.Kind {
	case MetricQuality:
		upd.QualityMetric = &res.MCC
	default:
		upd.AlignmentMetric = &res.MCC
		upd.AlignmentMetricMetadata = &model.AlignmentMetricMetadata{
			ConfusionMatrix:               res.ConfusionMatrix,
			AlignmentHash:                 alignment.ConfigurationHash(ev.Configuration),
			LastProcessedPositiveSpanDate: match.LatestPositive,
			LastProcessedNegativeSpanDate: match.LatestNegative,
		}
	}
	if _, err := o.store.UpdateEvaluationMetric(ctx, ev, upd); err != nil {
		return permanentIfMissing(err, "evaluation", ev.UUID.String())
	}
	return nil
}

// regenerate queues the next generation attempt and then deletes the
// rejected evaluation. Queuing first lets a redelivery that finds the
// evaluation gone recognise the regeneration as done.
func (o *Orchestrator) regenerate(
	ctx context.Context,
	p model.WorkflowPayload,
	ev model.EvaluationVersion,
	outcomes []model.EvaluationRunOutcome,
	shouldPass, shouldFail []model.GroundTruthExample,
) (string, error) {
	mm := alignment.FindMismatches(outcomes, shouldPass, shouldFail).Truncate(o.cfg.FeedbackLimit)
	next := model.NextGeneration(p, ev.Configuration, mm.FalsePositives, mm.FalseNegatives)

	id, _, err := o.scheduler.Enqueue(ctx, jobs.EnqueueParams{
		Queue:   QueueGeneration,
		Name:    JobGenerate,
		Payload: next,
		JobID:   GenerationJobID(p.WorkflowUUID, next.GenerationAttempt),
	})
	if err != nil {
		return "", fmt.Errorf("workflow: enqueue generation attempt %d: %w", next.GenerationAttempt, err)
	}
	if _, err := o.store.DeleteEvaluationVersion(ctx, ev); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return id, fmt.Errorf("workflow: delete rejected evaluation: %w", err)
	}
	return id, nil
}

// accumulate folds an incremental pass into the stored alignment metadata.
func (o *Orchestrator) accumulate(
	ctx context.Context,
	in Input,
	ev model.EvaluationVersion,
	outcomes []model.EvaluationRunOutcome,
	shouldPass, shouldFail []model.GroundTruthExample,
) (Decision, error) {
	match := alignment.Match(outcomes, shouldPass, shouldFail)
	d := Decision{Dropped: match.Dropped}

	prior := ev.AlignmentMetricMetadata
	changed := alignment.ConfigurationChanged(prior, ev.Configuration)
	hash := alignment.ConfigurationHash(ev.Configuration)
	if in.AlignmentHash != "" && in.AlignmentHash != hash {
		o.logger.Warn("workflow: configuration changed since recalculation was requested",
			"evaluation_uuid", ev.UUID, "requested_hash", in.AlignmentHash, "current_hash", hash)
	}

	fresh := alignment.Fresh{
		ConfusionMatrix:        alignment.Count(match.PassResults, match.FailResults),
		LatestPositiveSpanDate: match.LatestPositive,
		LatestNegativeSpanDate: match.LatestNegative,
		AlignmentHash:          hash,
	}
	if !changed && alignment.Covered(fresh, prior) {
		if err := o.store.ClearEvaluationRecalculating(ctx, ev.ID); err != nil {
			return d, fmt.Errorf("workflow: clear recalculation mark: %w", err)
		}
		d.Outcome = OutcomeAccepted
		d.Score = ev.AlignmentMetric
		d.Replayed = true
		o.logger.Info("workflow: recalculation already accumulated", "evaluation_uuid", ev.UUID)
		return d, nil
	}

	meta := alignment.Accumulate(fresh, prior, changed)
	res, err := alignment.ScoreMatrix(meta.ConfusionMatrix)
	if err != nil {
		return d, jobs.Permanent(err)
	}
	d.Score = &res.MCC
	d.ConfusionMatrix = &res.ConfusionMatrix

	if _, err := o.store.UpdateEvaluationMetric(ctx, ev, storage.MetricUpdate{
		AlignmentMetric:         &res.MCC,
		AlignmentMetricMetadata: &meta,
		Force:                   true,
	}); err != nil {
		return d, permanentIfMissing(err, "evaluation", ev.UUID.String())
	}
	d.Outcome = OutcomeAccepted
	o.logger.Info("workflow: alignment recalculated",
		"evaluation_uuid", ev.UUID, "score", res.MCC, "configuration_changed", changed)
	return d, nil
}

// cleanup undoes the evaluation side of a terminally failed scoring job.
func (o *Orchestrator) cleanup(ctx context.Context, spec MetricSpec, in Input, cause error) {
	o.capture(ctx, "workflow: scoring failed", cause,
		"metric", spec.Kind, "job_id", in.JobID, "workflow_uuid", in.Payload.WorkflowUUID,
		"attempts_made", in.Attempt.AttemptsMade)

	ev, err := o.loadEvaluation(ctx, in.Payload)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			o.capture(ctx, "workflow: load evaluation for cleanup", err, "job_id", in.JobID)
		}
		return
	}
	if spec.Incremental {
		if err := o.store.ClearEvaluationRecalculating(ctx, ev.ID); err != nil {
			o.capture(ctx, "workflow: clear recalculation mark", err, "evaluation_uuid", ev.UUID)
		}
		return
	}
	if _, err := o.store.DeleteEvaluationVersion(ctx, ev); err != nil && !errors.Is(err, storage.ErrNotFound) {
		o.capture(ctx, "workflow: delete failed evaluation", err, "evaluation_uuid", ev.UUID)
	}
}

// finish applies the ledger transition of an outcome. Only terminal outcomes
// of a workflow touch the ledger; a failure is recorded before the entry
// ends.
func (o *Orchestrator) finish(ctx context.Context, spec MetricSpec, in Input, outcome Outcome, cause error) {
	p := in.Payload
	if spec.Incremental || p.WorkflowUUID == "" {
		return
	}
	switch outcome {
	case OutcomeAccepted:
		o.endWorkflow(ctx, scoringRef(p))
	case OutcomeFailedTerminal:
		o.failAndEnd(ctx, scoringRef(p), cause)
	}
}

func (o *Orchestrator) record(ctx context.Context, spec MetricSpec, d Decision) {
	attrs := metric.WithAttributes(
		attribute.String("metric", string(spec.Kind)),
		attribute.Bool("incremental", spec.Incremental),
		attribute.String("outcome", d.Outcome.String()),
	)
	if o.decisions != nil {
		o.decisions.Add(ctx, 1, attrs)
	}
	if o.scores != nil && d.Score != nil {
		o.scores.Record(ctx, int64(*d.Score), metric.WithAttributes(attribute.String("metric", string(spec.Kind))))
	}
}

// permanentIfMissing marks a missing entity as a permanent failure and wraps
// anything else for retry.
func permanentIfMissing(err error, entity, id string) error {
	err = notFoundOr(err, entity, id)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return jobs.Permanent(err)
	}
	return err
}
