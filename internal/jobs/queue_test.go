package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/storage"
	"github.com/ashita-ai/hyoka/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

// newQueueName isolates each test's jobs from the others.
func newQueueName() string {
	return "test-" + uuid.NewString()[:8]
}

func newWorker(queue string) *jobs.Worker {
	return jobs.NewWorker(testDB.Pool(), queue, jobs.WorkerConfig{
		Lease:   time.Minute,
		Backoff: time.Millisecond,
	}, testutil.TestLogger())
}

type attemptRecorder struct {
	mu       sync.Mutex
	attempts []jobs.AttemptContext
}

func (r *attemptRecorder) record(a jobs.AttemptContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func TestEnqueue_DeduplicatesByJobID(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()

	id, created, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "echo", JobID: "dedup-" + queue, Payload: map[string]int{"n": 1}})
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "echo", JobID: "dedup-" + queue, Payload: map[string]int{"n": 2}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)

	snap, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(snap.Payload))
	assert.Equal(t, 3, snap.MaxAttempts)
	assert.Equal(t, jobs.StatusWaiting, snap.Status)

	exists, err := q.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = q.Exists(ctx, "missing-"+queue)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEnqueue_RequiresQueueAndName(t *testing.T) {
	q := jobs.NewQueue(testDB.Pool(), 3)
	_, _, err := q.Enqueue(context.Background(), jobs.EnqueueParams{Name: "echo"})
	require.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	q := jobs.NewQueue(testDB.Pool(), 3)
	_, err := q.Get(context.Background(), "missing-"+uuid.NewString())
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestWorker_CompletesAndStoresResult(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()

	w := newWorker(queue)
	w.Register("echo", func(_ context.Context, job jobs.Job) (any, error) {
		var p struct {
			Msg string `json:"msg"`
		}
		if err := job.Decode(&p); err != nil {
			return nil, jobs.Permanent(err)
		}
		return map[string]string{"echo": p.Msg}, nil
	})

	id, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "echo", Payload: map[string]string{"msg": "hi"}})
	require.NoError(t, err)

	assert.True(t, w.ProcessNext(ctx))
	assert.False(t, w.ProcessNext(ctx), "queue should be empty")

	snap, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
	assert.JSONEq(t, `{"echo":"hi"}`, string(snap.Result))
}

func TestWorker_RetriesUntilAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()
	rec := &attemptRecorder{}

	w := newWorker(queue)
	w.Register("flaky", func(_ context.Context, job jobs.Job) (any, error) {
		rec.record(job.Attempt())
		return nil, errors.New("provider timeout")
	})

	id, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "flaky", Attempts: 2})
	require.NoError(t, err)

	require.True(t, w.ProcessNext(ctx))
	snap, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusWaiting, snap.Status)
	assert.Equal(t, 1, snap.AttemptsMade)

	require.Eventually(t, func() bool { return w.ProcessNext(ctx) }, 5*time.Second, 10*time.Millisecond)
	snap, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, snap.Status)
	assert.Equal(t, 2, snap.AttemptsMade)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "provider timeout", *snap.LastError)

	require.Len(t, rec.attempts, 2)
	assert.False(t, rec.attempts[0].IsLastAttempt())
	assert.True(t, rec.attempts[1].IsLastAttempt())
}

func TestWorker_PermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 5)
	queue := newQueueName()

	w := newWorker(queue)
	w.Register("bad", func(context.Context, jobs.Job) (any, error) {
		return nil, jobs.Permanent(errors.New("malformed payload"))
	})

	id, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "bad"})
	require.NoError(t, err)
	require.True(t, w.ProcessNext(ctx))

	snap, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, snap.Status)
	assert.Equal(t, 1, snap.AttemptsMade)
}

func TestWorker_RecoversPanics(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 1)
	queue := newQueueName()

	w := newWorker(queue)
	w.Register("boom", func(context.Context, jobs.Job) (any, error) {
		panic("nil map")
	})

	id, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "boom"})
	require.NoError(t, err)
	require.True(t, w.ProcessNext(ctx))

	snap, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Contains(t, *snap.LastError, "nil map")
}

func TestWorker_IgnoresUnregisteredNames(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()

	w := newWorker(queue)
	w.Register("known", func(context.Context, jobs.Job) (any, error) { return nil, nil })

	_, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "unknown"})
	require.NoError(t, err)
	assert.False(t, w.ProcessNext(ctx))
}

func TestFlow_ParentWaitsForChildren(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()
	parentID := "parent-" + queue

	flow := jobs.FlowParams{
		Parent: jobs.EnqueueParams{Queue: queue, Name: "score", JobID: parentID},
		Children: []jobs.ChildParams{
			{EnqueueParams: jobs.EnqueueParams{Queue: queue, Name: "run", JobID: parentID + ":ok", Payload: map[string]bool{"pass": true}}, IgnoreDependencyOnFailure: true},
			{EnqueueParams: jobs.EnqueueParams{Queue: queue, Name: "run", JobID: parentID + ":bad", Payload: map[string]bool{"pass": false}}, IgnoreDependencyOnFailure: true},
		},
	}
	id, created, err := q.EnqueueFlow(ctx, flow)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, parentID, id)

	_, created, err = q.EnqueueFlow(ctx, flow)
	require.NoError(t, err)
	assert.False(t, created, "replayed flow is deduplicated")

	counts, err := q.DependenciesCount(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, jobs.DependencyCounts{Unprocessed: 2}, counts)

	scorer := newWorker(queue)
	scorer.Register("score", func(context.Context, jobs.Job) (any, error) { return nil, nil })
	assert.False(t, scorer.ProcessNext(ctx), "parent must wait for its children")

	runner := newWorker(queue)
	runner.Register("run", func(_ context.Context, job jobs.Job) (any, error) {
		var p struct {
			Pass bool `json:"pass"`
		}
		if err := job.Decode(&p); err != nil {
			return nil, jobs.Permanent(err)
		}
		if !p.Pass {
			return nil, jobs.Permanent(errors.New("judge refused"))
		}
		return map[string]bool{"hasPassed": true}, nil
	})
	require.True(t, runner.ProcessNext(ctx))
	require.True(t, runner.ProcessNext(ctx))
	require.False(t, runner.ProcessNext(ctx))

	counts, err = q.DependenciesCount(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, jobs.DependencyCounts{Ignored: 1, Processed: 1}, counts)

	values, err := q.ChildrenValues(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.JSONEq(t, `{"hasPassed":true}`, string(values[parentID+":ok"]))

	snap, err := q.Get(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusWaiting, snap.Status)
	assert.True(t, scorer.ProcessNext(ctx))
}

func TestFlow_WithoutChildrenIsRunnable(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()

	id, _, err := q.EnqueueFlow(ctx, jobs.FlowParams{Parent: jobs.EnqueueParams{Queue: queue, Name: "score"}})
	require.NoError(t, err)

	snap, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusWaiting, snap.Status)
}

func TestDepth(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()

	before, err := q.Depth(ctx)
	require.NoError(t, err)

	for range 2 {
		_, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "idle"})
		require.NoError(t, err)
	}

	after, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+2, after)
}

func TestWorker_StartAndDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()

	done := make(chan string, 1)
	w := jobs.NewWorker(testDB.Pool(), queue, jobs.WorkerConfig{
		Concurrency:  2,
		PollInterval: 10 * time.Millisecond,
	}, testutil.TestLogger())
	w.Register("signal", func(_ context.Context, job jobs.Job) (any, error) {
		done <- job.ID
		return nil, nil
	})
	w.Start(ctx)

	id, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "signal"})
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(10 * time.Second):
		t.Fatal("job was not processed")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	w.Drain(drainCtx)

	require.Eventually(t, func() bool {
		snap, err := q.Get(context.Background(), id)
		return err == nil && snap.Status == jobs.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorker_DrainReleasesInterruptedJob(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 1)
	queue := newQueueName()

	started := make(chan struct{})
	var once sync.Once
	w := jobs.NewWorker(testDB.Pool(), queue, jobs.WorkerConfig{
		PollInterval: 10 * time.Millisecond,
		Lease:        time.Minute,
	}, testutil.TestLogger())
	w.Register("slow", func(ctx context.Context, _ jobs.Job) (any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "slow"})
	require.NoError(t, err)
	w.Start(ctx)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("job was not claimed")
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer drainCancel()
	w.Drain(drainCtx)

	snap, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusWaiting, snap.Status, "an interrupted job goes back to the queue")
	assert.Equal(t, 0, snap.AttemptsMade, "the interrupted attempt does not count")
	assert.Nil(t, snap.LastError)

	next := newWorker(queue)
	next.Register("slow", func(context.Context, jobs.Job) (any, error) { return nil, nil })
	require.True(t, next.ProcessNext(ctx), "the released job is runnable at once")
	snap, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
}

func TestWorker_OutcomeAfterLostLeaseIsDiscarded(t *testing.T) {
	ctx := context.Background()
	q := jobs.NewQueue(testDB.Pool(), 3)
	queue := newQueueName()
	cfg := jobs.WorkerConfig{Lease: 300 * time.Millisecond, Backoff: time.Millisecond}

	staleClaimed := make(chan struct{})
	staleRelease := make(chan struct{})
	stale := jobs.NewWorker(testDB.Pool(), queue, cfg, testutil.TestLogger())
	stale.Register("work", func(context.Context, jobs.Job) (any, error) {
		close(staleClaimed)
		<-staleRelease
		return nil, errors.New("late failure")
	})

	currentClaimed := make(chan struct{})
	currentRelease := make(chan struct{})
	current := jobs.NewWorker(testDB.Pool(), queue, cfg, testutil.TestLogger())
	current.Register("work", func(context.Context, jobs.Job) (any, error) {
		close(currentClaimed)
		<-currentRelease
		return map[string]string{"by": "current"}, nil
	})

	id, _, err := q.Enqueue(ctx, jobs.EnqueueParams{Queue: queue, Name: "work"})
	require.NoError(t, err)

	staleDone := make(chan struct{})
	go func() {
		defer close(staleDone)
		stale.ProcessNext(ctx)
	}()
	select {
	case <-staleClaimed:
	case <-time.After(10 * time.Second):
		t.Fatal("job was not claimed")
	}

	// Redelivered once the first lease expires.
	currentDone := make(chan struct{})
	go func() {
		defer close(currentDone)
		deadline := time.Now().Add(5 * time.Second)
		for !current.ProcessNext(ctx) && time.Now().Before(deadline) {
			time.Sleep(20 * time.Millisecond)
		}
	}()
	select {
	case <-currentClaimed:
	case <-time.After(10 * time.Second):
		t.Fatal("job was not redelivered")
	}

	// The first delivery reports its failure while the second still runs.
	close(staleRelease)
	<-staleDone
	snap, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusActive, snap.Status)
	assert.Equal(t, 0, snap.AttemptsMade, "the stale failure is not recorded")

	close(currentRelease)
	<-currentDone
	snap, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
	assert.JSONEq(t, `{"by":"current"}`, string(snap.Result))
	assert.Nil(t, snap.LastError)
}
