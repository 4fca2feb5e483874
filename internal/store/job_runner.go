package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes the work of one job from its JSON payload. A returned
// error schedules a retry until the job's attempts run out.
type JobHandler func(ctx context.Context, payload string) error

// JobExhaustedFunc is told about a job whose final attempt failed. The job
// carries its payload; err is the error of that last attempt.
type JobExhaustedFunc func(ctx context.Context, job Job, err error)

// JobRunnerOpts configures a JobRunner.
type JobRunnerOpts struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
	// BaseBackoff is the delay before the first retry; it doubles per attempt.
	BaseBackoff time.Duration
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunnerOpts)

// WithJobStaleThreshold sets how long a job may stay running before recovery requeues it.
func WithJobStaleThreshold(d time.Duration) JobRunnerOption {
	return func(o *JobRunnerOpts) { o.StaleThreshold = d }
}

// WithJobClaimLimit sets how many jobs one poll claims.
func WithJobClaimLimit(n int) JobRunnerOption {
	return func(o *JobRunnerOpts) { o.ClaimLimit = n }
}

// WithJobBackoff sets the first retry delay.
func WithJobBackoff(d time.Duration) JobRunnerOption {
	return func(o *JobRunnerOpts) { o.BaseBackoff = d }
}

// JobRunner claims due jobs and dispatches them to the handler of their kind.
type JobRunner struct {
	repo JobRepo
	opts JobRunnerOpts
	now  func() time.Time

	mu        sync.RWMutex
	handlers  map[string]JobHandler
	exhausted map[string]JobExhaustedFunc
}

// NewJobRunner creates a JobRunner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	cfg := JobRunnerOpts{
		PollInterval:   pollInterval,
		StaleThreshold: 5 * time.Minute,
		ClaimLimit:     10,
		BaseBackoff:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &JobRunner{
		repo:      repo,
		opts:      cfg,
		now:       time.Now,
		handlers:  make(map[string]JobHandler),
		exhausted: make(map[string]JobExhaustedFunc),
	}
}

// RegisterHandler sets the handler of a job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// OnExhausted sets the function told when a job of kind fails its last attempt.
func (r *JobRunner) OnExhausted(kind string, fn JobExhaustedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exhausted[kind] = fn
}

// RecoverStaleJobs requeues jobs left running by a previous process.
// Called at startup and by the maintenance schedule.
func (r *JobRunner) RecoverStaleJobs() error {
	n, err := r.repo.RequeueStaleRunningJobs(r.now().Add(-r.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls for due jobs until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting", "pollInterval", r.opts.PollInterval)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}

// RunDue claims and executes the jobs due now. It returns how many were claimed.
func (r *JobRunner) RunDue(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(now, r.opts.ClaimLimit)
	if err != nil {
		slog.Error("JobRunner.RunDue: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.execute(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	onExhausted := r.exhausted[job.Kind]
	r.mu.RUnlock()

	if !ok {
		// An unknown kind may belong to a newer release; keep it around.
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "jobID", job.ID)
		if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "jobID", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.execute: running job", "jobID", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	runErr := handler(ctx, job.PayloadJSON)
	if runErr == nil {
		if err := r.repo.CompleteJob(job.ID); err != nil {
			slog.Error("JobRunner.execute: complete job error", "jobID", job.ID, "error", err)
		}
		slog.Debug("JobRunner.execute: job completed", "jobID", job.ID, "kind", job.Kind)
		return
	}

	slog.Error("JobRunner.execute: job failed", "jobID", job.ID, "kind", job.Kind, "attempt", job.Attempt+1, "error", runErr)
	if err := r.repo.FailJob(job.ID, runErr.Error(), now.Add(backoff(r.opts.BaseBackoff, job.Attempt))); err != nil {
		slog.Error("JobRunner.execute: fail job error", "jobID", job.ID, "error", err)
		return
	}
	if job.Attempt+1 < job.MaxAttempts {
		return
	}
	slog.Warn("JobRunner.execute: attempts exhausted", "jobID", job.ID, "kind", job.Kind, "attempts", job.Attempt+1)
	if onExhausted != nil {
		job.Attempt++
		job.Status = JobStatusFailed
		job.LastError = runErr.Error()
		onExhausted(ctx, job, runErr)
	}
}

// backoff doubles base for every previous attempt.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return base * time.Duration(1<<attempt)
}
