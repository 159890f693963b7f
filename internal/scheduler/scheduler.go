// Package scheduler runs voxgate's periodic housekeeping jobs on fixed
// intervals. Each job is wrapped so that a tick arriving while the previous
// run is still in progress is skipped, and a panicking job is logged without
// taking the process down.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrStarted is returned by Add once the scheduler is running.
var ErrStarted = errors.New("scheduler already started")

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration

	// Timeout bounds a single run. Zero means the run is bounded only by
	// Stop.
	Timeout time.Duration

	Run func(ctx context.Context, logger *slog.Logger) error
}

// every is a fixed-interval schedule. cron.Every rounds to whole seconds,
// which is too coarse for sub-second health checks.
type every time.Duration

func (e every) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

// Scheduler owns a cron runner and the context handed to running jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	names   []string
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return errors.New("job name is required")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", job.Name, job.Interval)
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run func is required", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("add %s: %w", job.Name, ErrStarted)
	}

	s.cron.Schedule(every(job.Interval), cron.FuncJob(func() {
		s.run(job)
	}))
	s.names = append(s.names, job.Name)
	jobRuns.WithLabelValues(job.Name, resultOK)
	jobRuns.WithLabelValues(job.Name, resultError)
	return nil
}

// Start begins firing jobs. It is a no-op when already started.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.names)
}

// Stop prevents further runs, cancels the context of running jobs and waits
// for them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()

	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running jobs: %w", ctx.Err())
	}
}

func (s *Scheduler) run(job Job) {
	ctx := s.ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	logger := s.logger.With("job", job.Name)
	start := time.Now()
	err := job.Run(ctx, logger)
	elapsed := time.Since(start)

	jobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())
	if err != nil {
		jobRuns.WithLabelValues(job.Name, resultError).Inc()
		logger.Warn("job failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return
	}
	jobRuns.WithLabelValues(job.Name, resultOK).Inc()
	logger.Debug("job finished", "duration_ms", elapsed.Milliseconds())
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
