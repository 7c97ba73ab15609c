// Package workflow drives the evaluation generation loop.
//
// A workflow generates an evaluation configuration from an issue, runs it
// against the issue's labelled spans in child jobs, and scores the results
// in a parent job. A configuration that scores below the threshold is
// deleted and regenerated with feedback from the examples it got wrong; one
// that scores at or above it is kept. The active evaluation ledger entry of
// the workflow is ended exactly once, when the workflow accepts or fails for
// good.
//
// All handlers run under at-least-once delivery and are safe to replay.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/telemetry"
)

// Queues.
const (
	QueueGeneration  = "generation"
	QueueEvaluations = "evaluations"
)

// Job names.
const (
	JobGenerate      = "generateEvaluationV2FromIssueJob"
	JobValidate      = "validateGeneratedEvaluationJob"
	JobQualityMetric = "calculateQualityMetricJob"
	JobRecalculate   = "recalculateAlignmentMetricJob"
	JobRunExample    = "runEvaluationForExampleJob"
)

// terminalTimeout bounds the cleanup and ledger transitions of a terminal
// outcome.
const terminalTimeout = 30 * time.Second

// GenerationJobID is the deterministic id of a generation attempt. Enqueuing
// the same attempt twice is deduplicated by the scheduler.
func GenerationJobID(workflowUUID string, attempt int) string {
	return fmt.Sprintf("%s:wf=%s:generationAttempt=%d", JobGenerate, workflowUUID, attempt)
}

func scoringJobID(name, workflowUUID string, attempt int) string {
	return fmt.Sprintf("%s:wf=%s:generationAttempt=%d", name, workflowUUID, attempt)
}

func childJobID(parentID string, pair model.SpanTraceID) string {
	return fmt.Sprintf("%s:span=%s:trace=%s", parentID, pair.SpanID, pair.TraceID)
}

// Scheduler is the job scheduler surface the workflow uses. *jobs.Queue
// satisfies it.
type Scheduler interface {
	Enqueue(ctx context.Context, p jobs.EnqueueParams) (string, bool, error)
	EnqueueFlow(ctx context.Context, f jobs.FlowParams) (string, bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	DependenciesCount(ctx context.Context, parentID string) (jobs.DependencyCounts, error)
	ChildrenValues(ctx context.Context, parentID string) (map[string]json.RawMessage, error)
}

// Store is the data layer surface the workflow uses. *storage.DB satisfies it.
type Store interface {
	GetCommit(ctx context.Context, workspaceID, commitID int64) (model.Commit, error)
	GetEvaluationVersion(ctx context.Context, workspaceID, commitID int64, evaluationUUID uuid.UUID) (model.EvaluationVersion, error)
	GetEvaluationAtCommitByDocument(ctx context.Context, workspaceID, commitID int64, documentUUID, evaluationUUID uuid.UUID) (model.EvaluationVersion, error)
	CreateEvaluationVersion(ctx context.Context, p storage.CreateEvaluationParams) (model.EvaluationVersion, error)
	UpdateEvaluationMetric(ctx context.Context, ev model.EvaluationVersion, upd storage.MetricUpdate) (model.EvaluationVersion, error)
	DeleteEvaluationVersion(ctx context.Context, ev model.EvaluationVersion) (model.EvaluationVersion, error)
	MarkEvaluationRecalculating(ctx context.Context, versionID int64, at time.Time, staleAfter time.Duration) error
	ClearEvaluationRecalculating(ctx context.Context, versionID int64) error
	ListGroundTruthExamples(ctx context.Context, q storage.GroundTruthQuery) ([]model.GroundTruthExample, error)
	ResolveGroundTruthExamples(ctx context.Context, workspaceID, issueID int64, pairs []model.SpanTraceID) ([]model.GroundTruthExample, error)
}

// Ledger is the active evaluation ledger. *activeeval.Ledger satisfies it.
type Ledger interface {
	Start(ctx context.Context, ae model.ActiveEvaluation) (model.ActiveEvaluation, error)
	Track(ctx context.Context, key model.ActiveEvaluationKey, evaluationUUID uuid.UUID) error
	End(ctx context.Context, key model.ActiveEvaluationKey) (bool, error)
	Fail(ctx context.Context, key model.ActiveEvaluationKey, cause error) (model.ActiveEvaluation, error)
}

// Config holds the thresholds and limits of the generation loop.
type Config struct {
	// AlignmentThreshold and QualityThreshold are on the 0-100 score scale.
	AlignmentThreshold int
	QualityThreshold   int
	// MaxGenerationAttempts stops regeneration after this many attempts.
	MaxGenerationAttempts int
	// FeedbackLimit caps the false positives and false negatives forwarded
	// to the next generation attempt.
	FeedbackLimit int
	// ExampleLimit caps the ground-truth examples per side that one
	// workflow or recalculation runs. Zero means no cap.
	ExampleLimit int
	// RecalculationStaleAfter is how long a recalculation mark blocks a new
	// request.
	RecalculationStaleAfter time.Duration
	// ChildAttempts is the attempt count of run-example child jobs.
	ChildAttempts int
}

func (c Config) withDefaults() Config {
	if c.AlignmentThreshold == 0 {
		c.AlignmentThreshold = 70
	}
	if c.QualityThreshold == 0 {
		c.QualityThreshold = 70
	}
	if c.MaxGenerationAttempts <= 0 {
		c.MaxGenerationAttempts = 5
	}
	if c.FeedbackLimit <= 0 {
		c.FeedbackLimit = 3
	}
	if c.RecalculationStaleAfter <= 0 {
		c.RecalculationStaleAfter = time.Hour
	}
	if c.ChildAttempts <= 0 {
		c.ChildAttempts = 2
	}
	return c
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Scheduler Scheduler
	Store     Store
	Ledger    Ledger
	Generator Generator
	Runner    Runner
}

// Orchestrator owns the job handlers of the generation loop.
type Orchestrator struct {
	scheduler Scheduler
	store     Store
	ledger    Ledger
	generator Generator
	runner    Runner
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	decisions     metric.Int64Counter
	scores        metric.Int64Histogram
	captureErrors metric.Int64Counter
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		scheduler: deps.Scheduler,
		store:     deps.Store,
		ledger:    deps.Ledger,
		generator: deps.Generator,
		runner:    deps.Runner,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		tracer:    telemetry.Tracer("hyoka/workflow"),
		now:       time.Now,
	}
	o.registerMetrics()
	return o
}

func (o *Orchestrator) registerMetrics() {
	meter := telemetry.Meter("hyoka/workflow")

	if c, err := meter.Int64Counter("hyoka.workflow.decisions",
		metric.WithDescription("Scoring decisions, by metric and outcome"),
	); err == nil {
		o.decisions = c
	}
	if h, err := meter.Int64Histogram("hyoka.workflow.score",
		metric.WithDescription("Scores computed by scoring jobs"),
	); err == nil {
		o.scores = h
	}
	if c, err := meter.Int64Counter("hyoka.workflow.capture_errors",
		metric.WithDescription("Errors captured without failing the job"),
	); err == nil {
		o.captureErrors = c
	}
}

// capture reports an error that must not fail the job.
func (o *Orchestrator) capture(ctx context.Context, msg string, err error, args ...any) {
	o.logger.Error(msg, append(args, "error", err)...)
	trace.SpanFromContext(ctx).RecordError(err)
	if o.captureErrors != nil {
		o.captureErrors.Add(ctx, 1)
	}
}

// workflowRef locates the ledger entry of a workflow.
type workflowRef struct {
	WorkspaceID int64
	CommitID    int64
	// ProjectID is zero when the payload predates it; the project is then
	// looked up from the commit.
	ProjectID    int64
	WorkflowUUID string
}

func scoringRef(p model.WorkflowPayload) workflowRef {
	return workflowRef{WorkspaceID: p.WorkspaceID, CommitID: p.CommitID, ProjectID: p.ProjectID, WorkflowUUID: p.WorkflowUUID}
}

func generationRef(p model.GenerationPayload) workflowRef {
	return workflowRef{WorkspaceID: p.WorkspaceID, CommitID: p.CommitID, ProjectID: p.ProjectID, WorkflowUUID: p.WorkflowUUID}
}

// ledgerKey resolves the ledger key of a workflow.
func (o *Orchestrator) ledgerKey(ctx context.Context, ref workflowRef) (model.ActiveEvaluationKey, error) {
	key := model.ActiveEvaluationKey{
		WorkspaceID:  ref.WorkspaceID,
		ProjectID:    ref.ProjectID,
		WorkflowUUID: ref.WorkflowUUID,
	}
	if key.ProjectID != 0 {
		return key, nil
	}
	commit, err := o.store.GetCommit(ctx, ref.WorkspaceID, ref.CommitID)
	if err != nil {
		return model.ActiveEvaluationKey{}, notFoundOr(err, "commit", fmt.Sprint(ref.CommitID))
	}
	key.ProjectID = commit.ProjectID
	return key, nil
}

// endWorkflow ends the ledger entry of a workflow.
func (o *Orchestrator) endWorkflow(ctx context.Context, ref workflowRef) {
	key, err := o.ledgerKey(ctx, ref)
	if err != nil {
		o.capture(ctx, "workflow: resolve ledger key", err, "workflow_uuid", ref.WorkflowUUID)
		return
	}
	o.end(ctx, key)
}

// failAndEnd records cause on the ledger and then ends the entry. Both
// transitions are attempted and neither error is returned.
func (o *Orchestrator) failAndEnd(ctx context.Context, ref workflowRef, cause error) {
	key, err := o.ledgerKey(ctx, ref)
	if err != nil {
		o.capture(ctx, "workflow: resolve ledger key", err, "workflow_uuid", ref.WorkflowUUID)
		return
	}
	if _, err := o.ledger.Fail(ctx, key, cause); err != nil {
		o.capture(ctx, "workflow: fail active evaluation", err, "workflow_uuid", ref.WorkflowUUID)
	}
	o.end(ctx, key)
}

// detach returns a context for terminal side effects that survives the
// job's deadline and cancellation.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
}

func (o *Orchestrator) end(ctx context.Context, key model.ActiveEvaluationKey) {
	if _, err := o.ledger.End(ctx, key); err != nil {
		o.capture(ctx, "workflow: end active evaluation", err, "workflow_uuid", key.WorkflowUUID)
	}
}
