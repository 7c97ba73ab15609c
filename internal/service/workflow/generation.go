package workflow

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hyoka/internal/alignment"
	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
)

// GenerationRequest is what a Generator is asked to produce a configuration
// from. Previous and the mismatch lists are empty on the first attempt.
type GenerationRequest struct {
	WorkspaceID    int64
	CommitID       int64
	IssueID        int64
	DocumentUUID   uuid.UUID
	ProviderName   string
	Model          string
	Attempt        int
	Previous       *model.PreviousEvaluationConfiguration
	FalsePositives []model.SpanTraceID
	FalseNegatives []model.SpanTraceID
}

// GeneratedEvaluation is a Generator's answer.
type GeneratedEvaluation struct {
	Name          string
	Configuration model.EvaluationConfiguration
}

// Generator writes an evaluation configuration for an issue.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GeneratedEvaluation, error)
}

// RunRequest asks a Runner to judge one span with one evaluation.
type RunRequest struct {
	WorkspaceID int64
	CommitID    int64
	Evaluation  model.EvaluationVersion
	SpanID      string
	TraceID     string
}

// Runner runs an evaluation against a span and reports whether it passed.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (bool, error)
}

// StartParams describes a new generation workflow.
type StartParams struct {
	WorkspaceID  int64
	CommitID     int64
	IssueID      int64
	DocumentUUID uuid.UUID
	ProviderName string
	Model        string
}

// StartResult identifies a started workflow.
type StartResult struct {
	ActiveEvaluation model.ActiveEvaluation `json:"activeEvaluation"`
	JobID            string                 `json:"jobId"`
}

// GenerationResult is the result of a generation job.
type GenerationResult struct {
	EvaluationUUID string `json:"evaluationUuid,omitempty"`
	ScoringJobID   string `json:"scoringJobId,omitempty"`
	// Stopped is set when the attempt limit ended the workflow.
	Stopped bool `json:"stopped,omitempty"`
}

// StartWorkflow records a new workflow on the ledger and queues its first
// generation attempt. The issue needs labelled examples on both sides.
func (o *Orchestrator) StartWorkflow(ctx context.Context, p StartParams) (StartResult, error) {
	commit, err := o.store.GetCommit(ctx, p.WorkspaceID, p.CommitID)
	if err != nil {
		return StartResult{}, notFoundOr(err, "commit", fmt.Sprint(p.CommitID))
	}

	shouldPass, err := o.groundTruthPairs(ctx, p.WorkspaceID, p.IssueID, true)
	if err != nil {
		return StartResult{}, err
	}
	shouldFail, err := o.groundTruthPairs(ctx, p.WorkspaceID, p.IssueID, false)
	if err != nil {
		return StartResult{}, err
	}
	if len(shouldPass) == 0 || len(shouldFail) == 0 {
		return StartResult{}, &alignment.InsufficientDataError{Positives: len(shouldPass), Negatives: len(shouldFail)}
	}

	ae, err := o.ledger.Start(ctx, model.ActiveEvaluation{
		WorkspaceID:  p.WorkspaceID,
		ProjectID:    commit.ProjectID,
		WorkflowUUID: uuid.NewString(),
		IssueID:      p.IssueID,
		QueuedAt:     o.now().UTC(),
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("workflow: start: %w", err)
	}

	payload := model.GenerationPayload{
		WorkspaceID:       p.WorkspaceID,
		CommitID:          p.CommitID,
		ProjectID:         commit.ProjectID,
		WorkflowUUID:      ae.WorkflowUUID,
		GenerationAttempt: 1,
		DocumentUUID:      p.DocumentUUID.String(),
		IssueID:           p.IssueID,
		ProviderName:      p.ProviderName,
		Model:             p.Model,
		ShouldPass:        shouldPass,
		ShouldFail:        shouldFail,
	}
	id, _, err := o.scheduler.Enqueue(ctx, jobs.EnqueueParams{
		Queue:   QueueGeneration,
		Name:    JobGenerate,
		Payload: payload,
		JobID:   GenerationJobID(ae.WorkflowUUID, 1),
	})
	if err != nil {
		err = fmt.Errorf("workflow: enqueue first generation: %w", err)
		sideCtx, cancel := detach(ctx)
		defer cancel()
		o.failAndEnd(sideCtx, generationRef(payload), err)
		return StartResult{}, err
	}

	o.logger.Info("workflow: started", "workflow_uuid", ae.WorkflowUUID, "issue_id", p.IssueID,
		"should_pass", len(shouldPass), "should_fail", len(shouldFail))
	return StartResult{ActiveEvaluation: ae, JobID: id}, nil
}

func (o *Orchestrator) groundTruthPairs(ctx context.Context, workspaceID, issueID int64, shouldPass bool) ([]model.SpanTraceID, error) {
	examples, err := o.store.ListGroundTruthExamples(ctx, storage.GroundTruthQuery{
		WorkspaceID: workspaceID,
		IssueID:     issueID,
		ShouldPass:  shouldPass,
		Limit:       o.cfg.ExampleLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow: list ground truth: %w", err)
	}
	return pairsOf(examples), nil
}

// Generate runs one generation attempt: it writes a configuration, stores it
// as a new evaluation version and queues the scoring flow for it.
//
// Past the attempt limit the workflow is failed and ended and the job
// completes. A failure on the job's last attempt fails and ends the
// workflow before the error is returned.
func (o *Orchestrator) Generate(ctx context.Context, job jobs.Job, p model.GenerationPayload) (GenerationResult, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.generate", trace.WithAttributes(
		attribute.String("workflow_uuid", p.WorkflowUUID),
		attribute.Int("generation_attempt", p.GenerationAttempt),
	))
	defer span.End()

	if p.GenerationAttempt > o.cfg.MaxGenerationAttempts {
		limit := &GenerationLimitError{Attempt: p.GenerationAttempt, Max: o.cfg.MaxGenerationAttempts}
		o.logger.Warn("workflow: generation limit reached", "workflow_uuid", p.WorkflowUUID, "attempt", p.GenerationAttempt)
		o.failAndEnd(ctx, generationRef(p), limit)
		return GenerationResult{Stopped: true}, nil
	}

	res, err := o.generate(ctx, p)
	if err != nil {
		span.RecordError(err)
		if job.Attempt().IsLastAttempt() || jobs.IsPermanent(err) {
			sideCtx, cancel := detach(ctx)
			defer cancel()
			o.capture(sideCtx, "workflow: generation failed", err,
				"workflow_uuid", p.WorkflowUUID, "attempt", p.GenerationAttempt)
			o.failAndEnd(sideCtx, generationRef(p), err)
		}
		return GenerationResult{}, err
	}
	return res, nil
}

func (o *Orchestrator) generate(ctx context.Context, p model.GenerationPayload) (GenerationResult, error) {
	documentUUID, err := uuid.Parse(p.DocumentUUID)
	if err != nil {
		return GenerationResult{}, jobs.Permanent(fmt.Errorf("workflow: document uuid: %w", err))
	}

	gen, err := o.generator.Generate(ctx, GenerationRequest{
		WorkspaceID:    p.WorkspaceID,
		CommitID:       p.CommitID,
		IssueID:        p.IssueID,
		DocumentUUID:   documentUUID,
		ProviderName:   p.ProviderName,
		Model:          p.Model,
		Attempt:        p.GenerationAttempt,
		Previous:       p.PreviousEvaluationConfiguration,
		FalsePositives: p.FalsePositives,
		FalseNegatives: p.FalseNegatives,
	})
	if err != nil {
		return GenerationResult{}, fmt.Errorf("workflow: generate configuration: %w", err)
	}
	if gen.Configuration.ProviderName == "" {
		gen.Configuration.ProviderName = p.ProviderName
	}
	if gen.Configuration.Model == "" {
		gen.Configuration.Model = p.Model
	}

	// One uuid per attempt so a redelivered attempt finds its own version.
	evaluationUUID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(GenerationJobID(p.WorkflowUUID, p.GenerationAttempt)))
	issueID := p.IssueID
	ev, err := o.store.CreateEvaluationVersion(ctx, storage.CreateEvaluationParams{
		UUID:          evaluationUUID,
		WorkspaceID:   p.WorkspaceID,
		CommitID:      p.CommitID,
		DocumentUUID:  documentUUID,
		IssueID:       &issueID,
		Name:          gen.Name,
		Configuration: gen.Configuration,
	})
	if err != nil {
		return GenerationResult{}, fmt.Errorf("workflow: store generated evaluation: %w", err)
	}

	if key, err := o.ledgerKey(ctx, generationRef(p)); err != nil {
		o.capture(ctx, "workflow: resolve ledger key", err, "workflow_uuid", p.WorkflowUUID)
	} else if err := o.ledger.Track(ctx, key, ev.UUID); err != nil {
		o.capture(ctx, "workflow: track evaluation", err, "workflow_uuid", p.WorkflowUUID)
	}

	scoringID, err := o.enqueueScoring(ctx, JobValidate, p.Workflow(ev.UUID.String()))
	if err != nil {
		return GenerationResult{}, err
	}
	o.logger.Info("workflow: evaluation generated",
		"workflow_uuid", p.WorkflowUUID, "attempt", p.GenerationAttempt,
		"evaluation_uuid", ev.UUID, "scoring_job_id", scoringID)
	return GenerationResult{EvaluationUUID: ev.UUID.String(), ScoringJobID: scoringID}, nil
}

// EnqueueQualityMetric queues a quality scoring flow for an evaluation of a
// running workflow.
func (o *Orchestrator) EnqueueQualityMetric(ctx context.Context, p model.WorkflowPayload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", fmt.Errorf("workflow: quality metric payload: %w", err)
	}
	return o.enqueueScoring(ctx, JobQualityMetric, p)
}

// enqueueScoring queues a scoring parent with one run-example child per
// ground-truth pair.
func (o *Orchestrator) enqueueScoring(ctx context.Context, name string, p model.WorkflowPayload) (string, error) {
	parentID := scoringJobID(name, p.WorkflowUUID, p.GenerationAttempt)
	children := o.runChildren(parentID, p.WorkspaceID, p.CommitID, p.EvaluationUUID, p.DocumentUUID,
		slices.Concat(p.ShouldPass, p.ShouldFail))

	id, _, err := o.scheduler.EnqueueFlow(ctx, jobs.FlowParams{
		Parent: jobs.EnqueueParams{
			Queue:   QueueEvaluations,
			Name:    name,
			Payload: p,
			JobID:   parentID,
		},
		Children: children,
	})
	if err != nil {
		return "", fmt.Errorf("workflow: enqueue %s: %w", name, err)
	}
	return id, nil
}

func (o *Orchestrator) runChildren(parentID string, workspaceID, commitID int64, evaluationUUID, documentUUID string, pairs []model.SpanTraceID) []jobs.ChildParams {
	children := make([]jobs.ChildParams, 0, len(pairs))
	for _, pair := range pairs {
		children = append(children, jobs.ChildParams{
			EnqueueParams: jobs.EnqueueParams{
				Queue: QueueEvaluations,
				Name:  JobRunExample,
				Payload: model.RunExamplePayload{
					WorkspaceID:    workspaceID,
					CommitID:       commitID,
					EvaluationUUID: evaluationUUID,
					DocumentUUID:   documentUUID,
					SpanID:         pair.SpanID,
					TraceID:        pair.TraceID,
				},
				JobID:    childJobID(parentID, pair),
				Attempts: o.cfg.ChildAttempts,
			},
			IgnoreDependencyOnFailure: true,
		})
	}
	return children
}

// RunExample judges one span with the evaluation named by p. The result is
// read back by the scoring parent.
func (o *Orchestrator) RunExample(ctx context.Context, p model.RunExamplePayload) (model.RunExampleResult, error) {
	ev, err := o.loadEvaluation(ctx, model.WorkflowPayload{
		WorkspaceID:    p.WorkspaceID,
		CommitID:       p.CommitID,
		EvaluationUUID: p.EvaluationUUID,
		DocumentUUID:   p.DocumentUUID,
	})
	if err != nil {
		return model.RunExampleResult{}, err
	}

	passed, err := o.runner.Run(ctx, RunRequest{
		WorkspaceID: p.WorkspaceID,
		CommitID:    p.CommitID,
		Evaluation:  ev,
		SpanID:      p.SpanID,
		TraceID:     p.TraceID,
	})
	if err != nil {
		return model.RunExampleResult{}, fmt.Errorf("workflow: run %s on %s/%s: %w", p.EvaluationUUID, p.TraceID, p.SpanID, err)
	}
	return model.RunExampleResult{
		HasPassed:        &passed,
		EvaluatedSpanID:  p.SpanID,
		EvaluatedTraceID: p.TraceID,
	}, nil
}
