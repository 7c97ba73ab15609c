package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hyoka/internal/telemetry"
)

const (
	// maxBackoff caps the delay between attempts.
	maxBackoff = 5 * time.Minute
	// maxStalls is how many times a job may lose its lease before it is
	// failed instead of redelivered.
	maxStalls = 3
	// retention is how long completed and failed jobs are kept.
	retention = 7 * 24 * time.Hour
)

// WorkerConfig tunes a Worker.
type WorkerConfig struct {
	// Concurrency is the number of pollers, each running one job at a time.
	Concurrency  int
	PollInterval time.Duration
	// Lease is how long a claimed job is protected from redelivery. Handlers
	// run with a deadline of nine tenths of Lease, and an outcome is recorded
	// only while the delivery still holds its lease.
	Lease time.Duration
	// Backoff is the delay before the second attempt. It doubles per attempt.
	Backoff time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	return c
}

// handlerTimeout is the handler deadline, strictly shorter than the lease.
func (c WorkerConfig) handlerTimeout() time.Duration {
	return c.Lease - c.Lease/10
}

// Worker runs the handlers registered for one queue.
type Worker struct {
	pool     *pgxpool.Pool
	queue    string
	cfg      WorkerConfig
	logger   *slog.Logger
	handlers map[string]Handler
	tracer   trace.Tracer

	processed metric.Int64Counter

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	cancelJobs  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	cleanupMu   sync.Mutex
	lastCleanup time.Time
}

// NewWorker creates a worker for queue. Register handlers before Start.
func NewWorker(pool *pgxpool.Pool, queue string, cfg WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		pool:     pool,
		queue:    queue,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("queue", queue),
		handlers: make(map[string]Handler),
		tracer:   telemetry.Tracer("hyoka/jobs"),
		done:     make(chan struct{}),
	}
}

// Register binds a handler to a job name. It must be called before Start.
func (w *Worker) Register(name string, h Handler) {
	if w.started.Load() {
		panic("jobs: Register called after Start")
	}
	w.handlers[name] = h
}

// Queue returns the queue this worker consumes.
func (w *Worker) Queue() string { return w.queue }

// Start launches the pollers. It is safe to call only once; subsequent calls
// are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("jobs: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	// In-flight jobs outlive the poll loop so Drain can let them finish.
	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	w.cancelLoop = cancelLoop
	w.cancelJobs = cancelJobs

	g, gctx := errgroup.WithContext(loopCtx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			w.pollLoop(gctx, jobCtx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		w.once.Do(func() { close(w.done) })
	}()
}

// Drain stops claiming new jobs and waits for in-flight jobs to finish or
// for ctx to expire, whichever comes first. Jobs still running when ctx
// expires are cancelled and handed back to the queue without counting the
// attempt.
func (w *Worker) Drain(ctx context.Context) {
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	if !w.started.Load() {
		return
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("jobs: drain timed out, cancelling in-flight jobs")
		w.cancelJobs()
		<-w.done
	}
	w.cancelJobs()
}

func (w *Worker) pollLoop(loopCtx, jobCtx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Keep claiming while there is work, then wait for the next tick.
		for loopCtx.Err() == nil && w.ProcessNext(jobCtx) {
		}
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			w.maybeCleanup(loopCtx)
		}
	}
}

// ProcessNext claims and runs at most one job. It reports whether a job was
// claimed.
func (w *Worker) ProcessNext(ctx context.Context) bool {
	job, err := w.claim(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("jobs: claim", "error", err)
		}
		return false
	}
	if job == nil {
		return false
	}
	w.run(ctx, *job)
	return true
}

func (w *Worker) claim(ctx context.Context) (*Job, error) {
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, nil
	}

	var j Job
	var payload []byte
	err := w.pool.QueryRow(ctx,
		`UPDATE jobs j
		 SET status = 'active',
		     locked_until = now() + make_interval(secs => $3),
		     stalls = j.stalls + CASE WHEN j.status = 'active' THEN 1 ELSE 0 END,
		     started_at = now()
		 FROM (
		   SELECT id FROM jobs
		   WHERE queue = $1 AND name = ANY($2)
		     AND ((status = 'waiting' AND run_at <= now())
		       OR (status = 'active' AND locked_until < now() AND stalls < $4))
		   ORDER BY run_at ASC, created_at ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) c
		 WHERE j.id = c.id
		 RETURNING j.id, j.queue, j.name, j.payload, j.parent_id, j.attempts_made, j.max_attempts, j.created_at, j.locked_until`,
		w.queue, names, w.cfg.Lease.Seconds(), maxStalls,
	).Scan(&j.ID, &j.Queue, &j.Name, &payload, &j.ParentID, &j.AttemptsMade, &j.MaxAttempts, &j.CreatedAt, &j.lockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobs: claim: %w", err)
	}
	j.Payload = payload
	return &j, nil
}

func (w *Worker) run(ctx context.Context, job Job) {
	ctx, span := w.tracer.Start(ctx, "job "+job.Name, trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.queue", job.Queue),
		attribute.Int("job.attempts_made", job.AttemptsMade),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.handlerTimeout())
	result, err := w.invoke(runCtx, job)
	cancel()

	// Bookkeeping must land even when the handler consumed the deadline.
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancelFinish()

	status := StatusCompleted
	switch {
	case err != nil && ctx.Err() != nil:
		// Cancelled by Drain or the caller: the attempt does not count.
		span.RecordError(err)
		status, err = w.release(finishCtx, job)
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status, err = w.fail(finishCtx, job, err)
	default:
		err = w.complete(finishCtx, job, result)
	}
	if err != nil {
		w.logger.Error("jobs: record outcome", "job_id", job.ID, "name", job.Name, "error", err)
	}
	if w.processed != nil {
		w.processed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("queue", job.Queue),
			attribute.String("name", job.Name),
			attribute.String("status", string(status)),
		))
	}
}

func (w *Worker) invoke(ctx context.Context, job Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("jobs: handler panic", "job_id", job.ID, "name", job.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("jobs: handler panic: %v", r)
		}
	}()
	h, ok := w.handlers[job.Name]
	if !ok {
		return nil, Permanent(fmt.Errorf("jobs: no handler for %q", job.Name))
	}
	return h(ctx, job)
}

func (w *Worker) complete(ctx context.Context, job Job, result any) error {
	var encoded []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return w.finish(ctx, job, StatusFailed, fmt.Sprintf("jobs: marshal result: %v", err), nil)
		}
		encoded = b
	}
	return w.finish(ctx, job, StatusCompleted, "", encoded)
}

// fail records a failed attempt and returns the resulting status.
func (w *Worker) fail(ctx context.Context, job Job, cause error) (Status, error) {
	attempts := job.AttemptsMade + 1
	if IsPermanent(cause) || attempts >= job.MaxAttempts {
		if attempts >= job.MaxAttempts {
			w.logger.Warn("jobs: attempts exhausted", "job_id", job.ID, "name", job.Name, "attempts", attempts, "error", cause)
		} else {
			w.logger.Warn("jobs: permanent failure", "job_id", job.ID, "name", job.Name, "error", cause)
		}
		return StatusFailed, w.finish(ctx, job, StatusFailed, cause.Error(), nil)
	}

	delay := Backoff(w.cfg.Backoff, attempts)
	w.logger.Info("jobs: retrying", "job_id", job.ID, "name", job.Name, "attempt", attempts, "delay", delay, "error", cause)
	tag, err := w.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'waiting',
		     attempts_made = $2,
		     last_error = $3,
		     locked_until = NULL,
		     run_at = now() + make_interval(secs => $4)
		 WHERE id = $1 AND status = 'active' AND locked_until = $5`,
		job.ID, attempts, cause.Error(), delay.Seconds(), job.lockedUntil,
	)
	if err != nil {
		return StatusWaiting, fmt.Errorf("jobs: schedule retry of %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		w.logger.Warn("jobs: lease lost, outcome discarded", "job_id", job.ID)
	}
	return StatusWaiting, nil
}

// release hands an interrupted job back to the queue, runnable at once and
// with its attempt count unchanged.
func (w *Worker) release(ctx context.Context, job Job) (Status, error) {
	w.logger.Info("jobs: releasing interrupted job", "job_id", job.ID, "name", job.Name)
	tag, err := w.pool.Exec(ctx,
		`UPDATE jobs
		 SET status = 'waiting', locked_until = NULL, run_at = now()
		 WHERE id = $1 AND status = 'active' AND locked_until = $2`,
		job.ID, job.lockedUntil,
	)
	if err != nil {
		return StatusActive, fmt.Errorf("jobs: release %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		w.logger.Warn("jobs: lease lost, outcome discarded", "job_id", job.ID)
	}
	return StatusWaiting, nil
}

// finish moves an active job to a terminal state and releases its parent
// once no sibling is left running. The parent row is locked first so that
// two children finishing together cannot both miss the release.
func (w *Worker) finish(ctx context.Context, job Job, status Status, lastErr string, result []byte) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("jobs: begin finish tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if job.ParentID != nil {
		if _, err := tx.Exec(ctx, `SELECT 1 FROM jobs WHERE id = $1 FOR UPDATE`, *job.ParentID); err != nil {
			return fmt.Errorf("jobs: lock parent of %s: %w", job.ID, err)
		}
	}

	attempts := job.AttemptsMade
	if status == StatusFailed {
		attempts++
	}
	var errText *string
	if lastErr != "" {
		errText = &lastErr
	}
	tag, err := tx.Exec(ctx,
		`UPDATE jobs
		 SET status = $2, result = $3, last_error = COALESCE($4, last_error),
		     attempts_made = $5, locked_until = NULL, finished_at = now()
		 WHERE id = $1 AND status = 'active' AND locked_until = $6`,
		job.ID, string(status), result, errText, attempts, job.lockedUntil,
	)
	if err != nil {
		return fmt.Errorf("jobs: finish %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Another worker took the job over after our lease expired.
		w.logger.Warn("jobs: lease lost, outcome discarded", "job_id", job.ID)
		return nil
	}

	if job.ParentID != nil {
		if err := releaseParent(ctx, tx, *job.ParentID); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("jobs: commit finish of %s: %w", job.ID, err)
	}
	return nil
}

func releaseParent(ctx context.Context, tx pgx.Tx, parentID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE jobs
		 SET status = 'waiting', run_at = now()
		 WHERE id = $1 AND status = 'waiting_children'
		   AND NOT EXISTS (
		     SELECT 1 FROM jobs
		     WHERE parent_id = $1 AND status NOT IN ('completed', 'failed')
		   )`,
		parentID,
	)
	if err != nil {
		return fmt.Errorf("jobs: release parent %s: %w", parentID, err)
	}
	return nil
}

// Backoff returns the delay before attempt n+1 given base, doubling per
// attempt and capped at five minutes.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}

func (w *Worker) maybeCleanup(ctx context.Context) {
	w.cleanupMu.Lock()
	if time.Since(w.lastCleanup) < time.Hour {
		w.cleanupMu.Unlock()
		return
	}
	w.lastCleanup = time.Now()
	w.cleanupMu.Unlock()

	w.failStalled(ctx)
	w.cleanupFinished(ctx)
}

// failStalled fails jobs that lost their lease too many times.
func (w *Worker) failStalled(ctx context.Context) {
	rows, err := w.pool.Query(ctx,
		`SELECT id, queue, name, parent_id, attempts_made, max_attempts, created_at, locked_until FROM jobs
		 WHERE queue = $1 AND status = 'active' AND locked_until < now() AND stalls >= $2`,
		w.queue, maxStalls,
	)
	if err != nil {
		w.logger.Error("jobs: select stalled", "error", err)
		return
	}
	stalled, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) {
		var j Job
		err := row.Scan(&j.ID, &j.Queue, &j.Name, &j.ParentID, &j.AttemptsMade, &j.MaxAttempts, &j.CreatedAt, &j.lockedUntil)
		return j, err
	})
	if err != nil {
		w.logger.Error("jobs: scan stalled", "error", err)
		return
	}
	for _, j := range stalled {
		w.logger.Warn("jobs: failing stalled job", "job_id", j.ID, "name", j.Name)
		if err := w.finish(ctx, j, StatusFailed, "jobs: stalled too many times", nil); err != nil {
			w.logger.Error("jobs: fail stalled", "job_id", j.ID, "error", err)
		}
	}
}

func (w *Worker) cleanupFinished(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE queue = $1 AND status IN ('completed', 'failed')
		   AND finished_at < now() - make_interval(secs => $2)`,
		w.queue, retention.Seconds(),
	)
	if err != nil {
		w.logger.Error("jobs: cleanup finished jobs failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("jobs: cleaned finished jobs", "deleted", tag.RowsAffected())
	}
}

// registerMetrics registers the processed counter and the depth gauge.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("hyoka/jobs")

	processed, err := meter.Int64Counter("hyoka.jobs.processed",
		metric.WithDescription("Jobs that finished an attempt, by outcome"),
	)
	if err == nil {
		w.processed = processed
	}

	_, _ = meter.Int64ObservableGauge("hyoka.jobs.depth",
		metric.WithDescription("Jobs in the queue that are not yet completed or failed"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx,
				`SELECT COUNT(*) FROM jobs WHERE queue = $1 AND status NOT IN ('completed', 'failed')`,
				w.queue,
			).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count, metric.WithAttributes(attribute.String("queue", w.queue)))
			return nil
		}),
	)
}
