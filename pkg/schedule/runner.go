package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrJobAlreadyRegistered indicates a duplicate job name.
	ErrJobAlreadyRegistered = errors.New("job already registered")
	// ErrJobNotFound indicates an unknown job name.
	ErrJobNotFound = errors.New("job not found")
	// ErrNoJobsConfigured indicates Start was called with nothing to run.
	ErrNoJobsConfigured = errors.New("no jobs configured")
)

// JobFunc is one batch operation. The passed time is the instant the run
// was due, not when it actually started, so period computations stay stable
// under slow ticks.
type JobFunc func(ctx context.Context, due time.Time) error

// Runner executes registered jobs on their schedules. Every job also has a
// synchronous RunNow entry point for operational recovery.
type Runner struct {
	mu   sync.RWMutex
	jobs map[string]*job

	checkInterval time.Duration
	now           func() time.Time
	log           *slog.Logger
}

type job struct {
	name     string
	schedule Schedule
	fn       JobFunc
	nextRun  time.Time
	lastRun  *time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCheckInterval sets how often due jobs are looked for.
func WithCheckInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.checkInterval = d
		}
	}
}

// WithClock overrides the time source, useful in tests.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger sets the runner's logger.
func WithLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRunner creates a job runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		jobs:          make(map[string]*job),
		checkInterval: 30 * time.Second,
		now:           func() time.Time { return time.Now().UTC() },
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddJob registers a periodic job.
func (r *Runner) AddJob(name string, s Schedule, fn JobFunc) error {
	if name == "" || s == nil || fn == nil {
		return fmt.Errorf("%w: name, schedule and func are required", ErrJobNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("%w: %q", ErrJobAlreadyRegistered, name)
	}
	r.jobs[name] = &job{
		name:     name,
		schedule: s,
		fn:       fn,
		nextRun:  s.Next(r.now()),
	}

	r.log.Info("registered periodic job",
		slog.String("job", name),
		slog.String("schedule", s.String()))
	return nil
}

// Start runs due jobs until the context is cancelled. Job failures are
// logged and the job stays scheduled; the runner itself never stops on a
// job error.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.RLock()
	count := len(r.jobs)
	r.mu.RUnlock()
	if count == 0 {
		return ErrNoJobsConfigured
	}

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("job runner shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.runDue(ctx)
		}
	}
}

// runDue executes every job whose next run time has passed.
func (r *Runner) runDue(ctx context.Context) {
	now := r.now()

	r.mu.Lock()
	var due []*job
	for _, j := range r.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	r.mu.Unlock()

	for _, j := range due {
		r.execute(ctx, j, j.nextRun)

		r.mu.Lock()
		ranAt := now
		j.lastRun = &ranAt
		j.nextRun = j.schedule.Next(now)
		r.mu.Unlock()
	}
}

// RunNow executes a job synchronously, outside its schedule. The next
// scheduled run is unaffected.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.RLock()
	j, ok := r.jobs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}

	return j.fn(ctx, r.now())
}

// Jobs returns the registered job names.
func (r *Runner) Jobs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

func (r *Runner) execute(ctx context.Context, j *job, due time.Time) {
	start := time.Now()
	if err := j.fn(ctx, due); err != nil {
		r.log.ErrorContext(ctx, "periodic job failed",
			slog.String("job", j.name),
			slog.Duration("elapsed", time.Since(start)),
			slog.Any("error", err))
		return
	}
	r.log.InfoContext(ctx, "periodic job completed",
		slog.String("job", j.name),
		slog.Duration("elapsed", time.Since(start)))
}
