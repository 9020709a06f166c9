package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"drivetrain/internal/job"
	"drivetrain/internal/scheduler"
	"drivetrain/internal/store"
	logx "drivetrain/pkg/logx"
)

// maxBackoffShift bounds 2^attempt before the duration cap applies.
const maxBackoffShift = 20

// Config controls job execution.
type Config struct {
	// MaxJobs caps how many due jobs one ProcessPending pass handles.
	MaxJobs int
	// DelayBetweenJobs paces sequential execution to protect rate-limited
	// downstream providers. Backpressure, not correctness.
	DelayBetweenJobs time.Duration
	// MaxRetryDelay caps the exponential (2^attempt minutes) retry backoff.
	MaxRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxJobs <= 0 {
		c.MaxJobs = 10
	}
	if c.DelayBetweenJobs < 0 {
		c.DelayBetweenJobs = 0
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 24 * time.Hour
	}
	return c
}

// Notifier alerts on terminal job failure. Notify errors never fail the job.
type Notifier interface {
	NotifyFailure(ctx context.Context, jt job.Type, jobErr error, meta map[string]any) error
}

// Sink durably stores a successful job's result payload.
type Sink interface {
	Persist(ctx context.Context, j *job.Job, payload json.RawMessage) error
}

type Option func(*Runner)

func WithNotifier(n Notifier) Option { return func(r *Runner) { r.notify = n } }
func WithSink(s Sink) Option         { return func(r *Runner) { r.sink = s } }

type Runner struct {
	cfg    Config
	store  store.Store
	tasks  *job.Registry
	sched  *scheduler.Scheduler
	log    logx.Logger
	notify Notifier
	sink   Sink
	now    func() time.Time

	processed uint64
	succeeded uint64
	failed    uint64
}

func New(cfg Config, st store.Store, tasks *job.Registry, sched *scheduler.Scheduler, log logx.Logger, opts ...Option) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		cfg:   cfg.withDefaults(),
		store: st,
		tasks: tasks,
		sched: sched,
		log:   log,
		now:   time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// GetPending returns due jobs ordered by (priority asc, scheduled_for asc).
func (r *Runner) GetPending(ctx context.Context, limit int) ([]*job.Job, error) {
	if r.store == nil {
		return nil, fmt.Errorf("job store is not configured")
	}
	jobs, err := r.store.QueryPending(ctx, limit, r.now())
	if err != nil {
		return nil, fmt.Errorf("get pending jobs: %w", err)
	}
	return jobs, nil
}

// ExecuteJob claims and runs one job, persisting the outcome.
//
// Returns store.ErrNotClaimed when another runner won the claim (not a
// failure), nil on job success, and the task error otherwise. The job's
// retry-or-terminal transition has already been persisted when an error is
// returned.
func (r *Runner) ExecuteJob(ctx context.Context, j *job.Job) error {
	claimed, err := r.store.Claim(ctx, j.ID, r.now())
	if err != nil {
		if errors.Is(err, store.ErrNotClaimed) {
			r.log.Debug("job.claim_lost", logx.String("id", j.ID.String()))
		}
		return err
	}

	r.log.Debug("job.started",
		logx.String("id", claimed.ID.String()),
		logx.String("type", string(claimed.Type)),
		logx.Int("attempt", claimed.AttemptCount),
		logx.Int("max_attempts", claimed.MaxAttempts),
	)

	outcome, taskErr := r.runTask(ctx, claimed)
	if taskErr != nil {
		return r.failOrRetry(ctx, claimed, outcome, taskErr)
	}
	return r.complete(ctx, claimed, outcome)
}

// runTask dispatches to the registered task, converting panics to errors so
// one bad task can't kill the poll loop.
func (r *Runner) runTask(ctx context.Context, j *job.Job) (out job.Outcome, err error) {
	task, ok := r.tasks.Resolve(j.Type)
	if !ok {
		return job.Outcome{}, fmt.Errorf("no task registered for job type %q", j.Type)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error("job.panic",
				logx.String("id", j.ID.String()),
				logx.String("type", string(j.Type)),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	return task.Execute(ctx, j)
}

func (r *Runner) complete(ctx context.Context, j *job.Job, out job.Outcome) error {
	now := r.now()

	if r.sink != nil && len(out.Payload) > 0 {
		if err := r.sink.Persist(ctx, j, out.Payload); err != nil {
			// Result data would be lost; treat as a task failure so the
			// retry budget applies.
			return r.failOrRetry(ctx, j, out, fmt.Errorf("persist result: %w", err))
		}
	}

	st := job.StatusCompleted
	_, err := r.store.Update(ctx, j.ID, store.Fields{
		Status:           &st,
		CompletedAt:      &now,
		ClearNextRetryAt: true,
		SourcesAttempted: out.SourcesAttempted,
		SourcesSucceeded: out.SourcesSucceeded,
		SourcesFailed:    out.SourcesFailed,
	})
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	r.log.Info("job.completed",
		logx.String("id", j.ID.String()),
		logx.String("type", string(j.Type)),
		logx.Int("attempt", j.AttemptCount),
		logx.Int("sources_ok", len(out.SourcesSucceeded)),
		logx.Int("sources_failed", len(out.SourcesFailed)),
	)
	return nil
}

func (r *Runner) failOrRetry(ctx context.Context, j *job.Job, out job.Outcome, taskErr error) error {
	now := r.now()

	if j.AttemptCount < j.MaxAttempts {
		next := now.Add(r.backoffDelay(j.AttemptCount))
		st := job.StatusPending
		msg := taskErr.Error()
		if _, err := r.store.Update(ctx, j.ID, store.Fields{
			Status:           &st,
			ScheduledFor:     &next,
			NextRetryAt:      &next,
			ErrorMessage:     &msg,
			SourcesAttempted: out.SourcesAttempted,
			SourcesSucceeded: out.SourcesSucceeded,
			SourcesFailed:    out.SourcesFailed,
		}); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		r.log.Warn("job.retry_scheduled",
			logx.String("id", j.ID.String()),
			logx.String("type", string(j.Type)),
			logx.Int("attempt", j.AttemptCount),
			logx.Time("next_retry_at", next),
			logx.Err(taskErr),
		)
		return taskErr
	}

	st := job.StatusFailed
	msg := fmt.Sprintf("max retries exceeded: %v", taskErr)
	if _, err := r.store.Update(ctx, j.ID, store.Fields{
		Status:           &st,
		CompletedAt:      &now,
		ErrorMessage:     &msg,
		ClearNextRetryAt: true,
		SourcesAttempted: out.SourcesAttempted,
		SourcesSucceeded: out.SourcesSucceeded,
		SourcesFailed:    out.SourcesFailed,
	}); err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}

	r.log.Error("job.failed",
		logx.String("id", j.ID.String()),
		logx.String("type", string(j.Type)),
		logx.Int("attempts", j.AttemptCount),
		logx.Err(taskErr),
	)
	r.notifyFailure(ctx, j, taskErr)
	return taskErr
}

// notifyFailure is best-effort: notifier errors are logged and discarded.
func (r *Runner) notifyFailure(ctx context.Context, j *job.Job, taskErr error) {
	if r.notify == nil {
		return
	}
	meta := map[string]any{
		"job_id":   j.ID.String(),
		"attempts": j.AttemptCount,
	}
	if j.TargetRef != nil {
		meta["target_ref"] = *j.TargetRef
	}
	if j.SourceKey != "" {
		meta["source_key"] = j.SourceKey
	}
	if err := r.notify.NotifyFailure(ctx, j.Type, taskErr, meta); err != nil {
		r.log.Warn("failure notification dropped", logx.String("id", j.ID.String()), logx.Err(err))
	}
}

// backoffDelay returns 2^attempt minutes, capped at MaxRetryDelay.
func (r *Runner) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffShift {
		return r.cfg.MaxRetryDelay
	}
	d := time.Duration(1<<uint(attempt)) * time.Minute
	if d > r.cfg.MaxRetryDelay {
		d = r.cfg.MaxRetryDelay
	}
	return d
}

// Report summarizes one ProcessPending pass.
type Report struct {
	Processed int
	Succeeded int
	Failed    int
}

// ProcessPending fetches up to MaxJobs due jobs and executes them strictly
// sequentially, pacing executions by DelayBetweenJobs. Job failures are
// isolated; only store-level errors abort the pass.
func (r *Runner) ProcessPending(ctx context.Context) (Report, error) {
	var rep Report

	jobs, err := r.GetPending(ctx, r.cfg.MaxJobs)
	if err != nil {
		return rep, err
	}
	if len(jobs) == 0 {
		return rep, nil
	}

	limiter := rate.NewLimiter(rate.Every(r.cfg.DelayBetweenJobs), 1)
	if r.cfg.DelayBetweenJobs <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	for _, j := range jobs {
		if err := limiter.Wait(ctx); err != nil {
			return rep, err
		}

		err := r.ExecuteJob(ctx, j)
		if errors.Is(err, store.ErrNotClaimed) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		rep.Processed++
		atomic.AddUint64(&r.processed, 1)
		if err != nil {
			rep.Failed++
			atomic.AddUint64(&r.failed, 1)
			continue
		}
		rep.Succeeded++
		atomic.AddUint64(&r.succeeded, 1)
	}

	r.log.Info("poll.finished",
		logx.Int("processed", rep.Processed),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("failed", rep.Failed),
	)
	return rep, nil
}

// Stats exposes queue counts for the operator surface.
func (r *Runner) Stats(ctx context.Context) (store.Stats, error) {
	return r.store.Stats(ctx)
}

// CleanupOldJobs bulk-deletes terminal jobs completed more than daysOld ago.
func (r *Runner) CleanupOldJobs(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = 30
	}
	cutoff := r.now().AddDate(0, 0, -daysOld)
	n, err := r.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	if n > 0 {
		r.log.Info("jobs.cleaned", logx.Int64("deleted", n), logx.Time("cutoff", cutoff))
	}
	return n, nil
}

// Counters returns lifetime execution counters for diagnostics.
func (r *Runner) Counters() (processed, succeeded, failed uint64) {
	return atomic.LoadUint64(&r.processed), atomic.LoadUint64(&r.succeeded), atomic.LoadUint64(&r.failed)
}
