package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/testutil"
)

const (
	testWorkspace = int64(1)
	testProject   = int64(7)
	testCommit    = int64(10)
	testIssue     = int64(42)
)

var (
	t0           = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testWorkflow = "7c1d2a43-5b0e-4f55-9a5e-0d3b8f6f1a10"
	testDocument = uuid.MustParse("0b8e7c55-2f43-4f7e-8a52-7c0f3f1e9d01")
	testEvalUUID = uuid.MustParse("5a9f5f0e-8d2b-4b8e-9f11-3c4d5e6f7a80")
	testConfig   = model.EvaluationConfiguration{
		Criteria:        "The answer cites the refund policy",
		PassDescription: "Policy is cited",
		FailDescription: "Policy is missing",
		ProviderName:    "openai",
		Model:           "gpt-4o-mini",
	}
)

// fakeScheduler records what the orchestrator asks of the job scheduler.
type fakeScheduler struct {
	mu       sync.Mutex
	counts   jobs.DependencyCounts
	values   map[string]json.RawMessage
	existing map[string]bool
	enqueued []jobs.EnqueueParams
	flows    []jobs.FlowParams

	enqueueErr error
	flowErr    error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{values: make(map[string]json.RawMessage), existing: make(map[string]bool)}
}

func (s *fakeScheduler) Enqueue(_ context.Context, p jobs.EnqueueParams) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return "", false, s.enqueueErr
	}
	s.enqueued = append(s.enqueued, p)
	created := !s.existing[p.JobID]
	s.existing[p.JobID] = true
	return p.JobID, created, nil
}

func (s *fakeScheduler) EnqueueFlow(_ context.Context, f jobs.FlowParams) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flowErr != nil {
		return "", false, s.flowErr
	}
	s.flows = append(s.flows, f)
	created := !s.existing[f.Parent.JobID]
	s.existing[f.Parent.JobID] = true
	return f.Parent.JobID, created, nil
}

func (s *fakeScheduler) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[id], nil
}

func (s *fakeScheduler) DependenciesCount(context.Context, string) (jobs.DependencyCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts, nil
}

func (s *fakeScheduler) ChildrenValues(context.Context, string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values, nil
}

// addChild stores a completed child result and counts it as processed.
func (s *fakeScheduler) addChild(t *testing.T, pair model.SpanTraceID, passed bool) {
	t.Helper()
	raw, err := json.Marshal(model.RunExampleResult{
		HasPassed:        &passed,
		EvaluatedSpanID:  pair.SpanID,
		EvaluatedTraceID: pair.TraceID,
	})
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[fmt.Sprintf("child:%s:%s", pair.SpanID, pair.TraceID)] = raw
	s.counts.Processed++
}

type storedExample struct {
	issueID    int64
	shouldPass bool
	example    model.GroundTruthExample
}

// fakeStore keeps live evaluation versions by uuid.
type fakeStore struct {
	mu          sync.Mutex
	nextID      int64
	commits     map[int64]model.Commit
	evaluations map[uuid.UUID]model.EvaluationVersion
	examples    []storedExample

	created []storage.CreateEvaluationParams
	updates []storage.MetricUpdate
	deleted []uuid.UUID
	marked  []int64
	cleared []int64

	updateErr error
	deleteErr error
	markErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:      100,
		commits:     map[int64]model.Commit{testCommit: {ID: testCommit, WorkspaceID: testWorkspace, ProjectID: testProject}},
		evaluations: make(map[uuid.UUID]model.EvaluationVersion),
	}
}

func (s *fakeStore) put(ev model.EvaluationVersion) model.EvaluationVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == 0 {
		s.nextID++
		ev.ID = s.nextID
	}
	s.evaluations[ev.UUID] = ev
	return ev
}

func (s *fakeStore) get(id uuid.UUID) (model.EvaluationVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evaluations[id]
	return ev, ok
}

func (s *fakeStore) addExample(shouldPass bool, pair model.SpanTraceID, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.examples = append(s.examples, storedExample{
		issueID:    testIssue,
		shouldPass: shouldPass,
		example:    model.GroundTruthExample{SpanID: pair.SpanID, TraceID: pair.TraceID, CreatedAt: createdAt},
	})
}

func (s *fakeStore) GetCommit(_ context.Context, workspaceID, commitID int64) (model.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[commitID]
	if !ok || c.WorkspaceID != workspaceID {
		return model.Commit{}, fmt.Errorf("commit %d: %w", commitID, storage.ErrNotFound)
	}
	return c, nil
}

func (s *fakeStore) GetEvaluationVersion(_ context.Context, workspaceID, commitID int64, evaluationUUID uuid.UUID) (model.EvaluationVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.evaluations[evaluationUUID]
	if !ok || ev.WorkspaceID != workspaceID || ev.CommitID != commitID {
		return model.EvaluationVersion{}, fmt.Errorf("evaluation %s: %w", evaluationUUID, storage.ErrNotFound)
	}
	return ev, nil
}

func (s *fakeStore) GetEvaluationAtCommitByDocument(ctx context.Context, workspaceID, commitID int64, documentUUID, evaluationUUID uuid.UUID) (model.EvaluationVersion, error) {
	ev, err := s.GetEvaluationVersion(ctx, workspaceID, commitID, evaluationUUID)
	if err != nil {
		return ev, err
	}
	if ev.DocumentUUID != documentUUID {
		return model.EvaluationVersion{}, fmt.Errorf("evaluation %s: %w", evaluationUUID, storage.ErrNotFound)
	}
	return ev, nil
}

func (s *fakeStore) CreateEvaluationVersion(_ context.Context, p storage.CreateEvaluationParams) (model.EvaluationVersion, error) {
	s.mu.Lock()
	s.created = append(s.created, p)
	existing, ok := s.evaluations[p.UUID]
	s.mu.Unlock()
	if ok {
		return existing, nil
	}
	return s.put(model.EvaluationVersion{
		UUID:          p.UUID,
		WorkspaceID:   p.WorkspaceID,
		CommitID:      p.CommitID,
		DocumentUUID:  p.DocumentUUID,
		IssueID:       p.IssueID,
		Name:          p.Name,
		Configuration: p.Configuration,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}), nil
}

func (s *fakeStore) UpdateEvaluationMetric(_ context.Context, ev model.EvaluationVersion, upd storage.MetricUpdate) (model.EvaluationVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return model.EvaluationVersion{}, s.updateErr
	}
	live, ok := s.evaluations[ev.UUID]
	if !ok {
		return model.EvaluationVersion{}, fmt.Errorf("evaluation %d: %w", ev.ID, storage.ErrNotFound)
	}
	s.updates = append(s.updates, upd)
	if upd.AlignmentMetric != nil {
		live.AlignmentMetric = upd.AlignmentMetric
	}
	if upd.AlignmentMetricMetadata != nil {
		live.AlignmentMetricMetadata = upd.AlignmentMetricMetadata
	}
	if upd.QualityMetric != nil {
		live.QualityMetric = upd.QualityMetric
	}
	s.evaluations[ev.UUID] = live
	return live, nil
}

func (s *fakeStore) DeleteEvaluationVersion(_ context.Context, ev model.EvaluationVersion) (model.EvaluationVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return model.EvaluationVersion{}, s.deleteErr
	}
	live, ok := s.evaluations[ev.UUID]
	if !ok {
		return model.EvaluationVersion{}, fmt.Errorf("evaluation %d: %w", ev.ID, storage.ErrNotFound)
	}
	delete(s.evaluations, ev.UUID)
	s.deleted = append(s.deleted, ev.UUID)
	return live, nil
}

func (s *fakeStore) MarkEvaluationRecalculating(_ context.Context, versionID int64, _ time.Time, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.marked = append(s.marked, versionID)
	return nil
}

func (s *fakeStore) ClearEvaluationRecalculating(_ context.Context, versionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, versionID)
	return nil
}

func (s *fakeStore) ListGroundTruthExamples(_ context.Context, q storage.GroundTruthQuery) ([]model.GroundTruthExample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.GroundTruthExample
	for _, e := range s.examples {
		if e.issueID != q.IssueID || e.shouldPass != q.ShouldPass {
			continue
		}
		if q.After != nil && !e.example.CreatedAt.After(*q.After) {
			continue
		}
		out = append(out, e.example)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *fakeStore) ResolveGroundTruthExamples(_ context.Context, _ int64, issueID int64, pairs []model.SpanTraceID) ([]model.GroundTruthExample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[model.SpanTraceID]bool, len(pairs))
	for _, p := range pairs {
		want[p] = true
	}
	var out []model.GroundTruthExample
	for _, e := range s.examples {
		if e.issueID == issueID && want[e.example.Pair()] {
			out = append(out, e.example)
		}
	}
	return out, nil
}

// fakeLedger records transitions in call order as "start:", "fail:" and
// "end:" entries.
type fakeLedger struct {
	mu      sync.Mutex
	calls   []string
	causes  []error
	tracked map[string]uuid.UUID

	endErr  error
	failErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tracked: make(map[string]uuid.UUID)}
}

func (l *fakeLedger) Start(_ context.Context, ae model.ActiveEvaluation) (model.ActiveEvaluation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "start:"+ae.WorkflowUUID)
	return ae, nil
}

func (l *fakeLedger) Track(_ context.Context, key model.ActiveEvaluationKey, evaluationUUID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracked[key.WorkflowUUID] = evaluationUUID
	return nil
}

func (l *fakeLedger) End(_ context.Context, key model.ActiveEvaluationKey) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "end:"+key.WorkflowUUID)
	if l.endErr != nil {
		return false, l.endErr
	}
	return true, nil
}

func (l *fakeLedger) Fail(_ context.Context, key model.ActiveEvaluationKey, cause error) (model.ActiveEvaluation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "fail:"+key.WorkflowUUID)
	l.causes = append(l.causes, cause)
	if l.failErr != nil {
		return model.ActiveEvaluation{}, l.failErr
	}
	msg := cause.Error()
	return model.ActiveEvaluation{WorkspaceID: key.WorkspaceID, ProjectID: key.ProjectID, WorkflowUUID: key.WorkflowUUID, Error: &msg}, nil
}

func (l *fakeLedger) ends() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == "end:"+testWorkflow {
			n++
		}
	}
	return n
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []GenerationRequest
	err      error
}

func (g *fakeGenerator) Generate(_ context.Context, req GenerationRequest) (GeneratedEvaluation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return GeneratedEvaluation{}, g.err
	}
	return GeneratedEvaluation{Name: fmt.Sprintf("refund policy v%d", req.Attempt), Configuration: testConfig}, nil
}

type fakeRunner struct {
	passed bool
	err    error
}

func (r fakeRunner) Run(context.Context, RunRequest) (bool, error) {
	return r.passed, r.err
}

type harness struct {
	o     *Orchestrator
	sched *fakeScheduler
	store *fakeStore
	led   *fakeLedger
	gen   *fakeGenerator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sched: newFakeScheduler(),
		store: newFakeStore(),
		led:   newFakeLedger(),
		gen:   &fakeGenerator{},
	}
	h.o = New(Deps{
		Scheduler: h.sched,
		Store:     h.store,
		Ledger:    h.led,
		Generator: h.gen,
		Runner:    fakeRunner{passed: true},
	}, Config{
		AlignmentThreshold:    70,
		QualityThreshold:      70,
		MaxGenerationAttempts: 3,
		FeedbackLimit:         3,
		ChildAttempts:         2,
	}, testutil.TestLogger())
	h.o.now = func() time.Time { return t0.Add(48 * time.Hour) }
	return h
}

// seedEvaluation stores the evaluation under test.
func (h *harness) seedEvaluation(meta *model.AlignmentMetricMetadata) model.EvaluationVersion {
	issue := testIssue
	return h.store.put(model.EvaluationVersion{
		UUID:                    testEvalUUID,
		WorkspaceID:             testWorkspace,
		CommitID:                testCommit,
		DocumentUUID:            testDocument,
		IssueID:                 &issue,
		Name:                    "refund policy",
		Configuration:           testConfig,
		AlignmentMetricMetadata: meta,
		CreatedAt:               t0,
		UpdatedAt:               t0,
	})
}

func passPair(i int) model.SpanTraceID {
	return model.SpanTraceID{SpanID: fmt.Sprintf("span-p%d", i), TraceID: fmt.Sprintf("trace-p%d", i)}
}

func failPair(i int) model.SpanTraceID {
	return model.SpanTraceID{SpanID: fmt.Sprintf("span-f%d", i), TraceID: fmt.Sprintf("trace-f%d", i)}
}

// payload builds a workflow payload over nPass should-pass and nFail
// should-fail pairs, stored as ground truth created at t0 plus their index
// in minutes.
func (h *harness) payload(nPass, nFail int) model.WorkflowPayload {
	p := model.WorkflowPayload{
		WorkspaceID:       testWorkspace,
		CommitID:          testCommit,
		WorkflowUUID:      testWorkflow,
		GenerationAttempt: 1,
		EvaluationUUID:    testEvalUUID.String(),
		DocumentUUID:      testDocument.String(),
		IssueID:           testIssue,
		ProviderName:      "openai",
		Model:             "gpt-4o-mini",
	}
	for i := range nPass {
		p.ShouldPass = append(p.ShouldPass, passPair(i))
		h.store.addExample(true, passPair(i), t0.Add(time.Duration(i)*time.Minute))
	}
	for i := range nFail {
		p.ShouldFail = append(p.ShouldFail, failPair(i))
		h.store.addExample(false, failPair(i), t0.Add(time.Duration(i)*time.Minute))
	}
	return p
}

func alignmentSpec() MetricSpec {
	return MetricSpec{Kind: MetricAlignment, Threshold: 70}
}

func input(p model.WorkflowPayload, attemptsMade, maxAttempts int) Input {
	return Input{
		JobID:   scoringJobID(JobValidate, p.WorkflowUUID, p.GenerationAttempt),
		Attempt: jobs.AttemptContext{AttemptsMade: attemptsMade, MaxAttempts: maxAttempts},
		Payload: p,
	}
}

var errDatabaseDown = errors.New("database down")
