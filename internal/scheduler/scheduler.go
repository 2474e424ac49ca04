// Package scheduler repeats pipeline runs on a cron schedule. Runs never
// overlap: a tick that fires while the previous run is still going is
// skipped.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
)

// Job is one scheduled run. The context is cancelled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler runs a Job on a cron schedule.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	job      Job
	cron     *cron.Cron
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	entryID cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc

	runs     atomic.Int64
	failures atomic.Int64
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New validates spec (standard 5-field cron syntax or a descriptor such as
// @hourly or @every 30m) and returns a stopped Scheduler.
func New(spec string, job Job, opts ...Option) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression %q: %v", spec, err), "cron", spec)
	}
	if job == nil {
		return nil, errors.ErrConfigMissing("job")
	}

	s := &Scheduler{
		spec:     spec,
		schedule: schedule,
		job:      job,
		logger:   logging.Default().WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}

	clog := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	return s, nil
}

// Start begins firing the job. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.entryID = s.cron.Schedule(s.schedule, cron.FuncJob(s.execute))
	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "cron", s.spec, "next_run", s.Next())
	return nil
}

// Stop cancels a run in progress and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	stopped := s.cron.Stop()
	s.cron.Remove(s.entryID)
	s.mu.Unlock()

	<-stopped.Done()
	s.logger.Info("Scheduler stopped", "runs", s.Runs(), "failures", s.Failures())
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Next returns the next activation time after now.
func (s *Scheduler) Next() time.Time {
	return s.schedule.Next(time.Now())
}

// Runs returns the number of completed runs.
func (s *Scheduler) Runs() int {
	return int(s.runs.Load())
}

// Failures returns the number of runs that returned an error.
func (s *Scheduler) Failures() int {
	return int(s.failures.Load())
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	s.logger.Info("Scheduled run starting", "cron", s.spec)

	err := s.job(ctx)
	s.runs.Add(1)
	if err != nil {
		s.failures.Add(1)
		s.logger.Error("Scheduled run failed", "error", err, "duration", time.Since(start))
	} else {
		s.logger.Info("Scheduled run completed", "duration", time.Since(start))
	}
	s.logger.Info("Next scheduled run", "at", s.Next())
}

// cronLogger adapts the structured logger to cron's logging interface.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
