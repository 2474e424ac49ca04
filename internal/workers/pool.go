// Package workers provides a bounded worker pool for reconpipe. Jobs are handed
// to workers over an unbuffered channel, so a successful Submit means a worker
// has taken the job. Failed jobs are retried unless the error is fatal to the
// run. The pool integrates with the structured logging and metrics systems.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/metrics"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// FailureHandler is implemented by jobs that need to react once every retry
// has been used up, before the result is published.
type FailureHandler interface {
	OnFailure(err error)
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
	Retries  int
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// MaxRetries is the maximum number of retries for failed jobs.
	MaxRetries int
	// RetryDelay is the delay between retries.
	RetryDelay time.Duration
	// ShutdownTimeout is the maximum time to wait for running jobs before
	// their context is cancelled (0 = wait indefinitely).
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            4,
		MaxRetries:      0,
		RetryDelay:      time.Second,
		ShutdownTimeout: 0,
	}
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the logger used by the pool.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics instance used by the pool.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config   Config
	jobs     chan Job
	results  chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *logging.Logger
	metrics  *metrics.PrometheusMetrics
	submitMu sync.RWMutex
	active   atomic.Int32

	startOnce    sync.Once
	shutdownOnce sync.Once
	closed       atomic.Bool
	shutdownErr  error
}

// New creates a new worker pool with the given configuration.
func New(config Config, opts ...Option) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	// Jobs run under the pool's own context, not the caller's: cancelling a
	// run stops submission but lets running jobs finish.
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		config:  config,
		jobs:    make(chan Job),
		results: make(chan Result, config.Size),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logging.Default().WithComponent("workers"),
		metrics: metrics.GetGlobalMetrics(),
	}

	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"max_retries", p.config.MaxRetries)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.runWorker(i)
		}

		p.metrics.SetPoolSize(p.config.Size)
	})
}

// Submit hands a job to an idle worker, blocking until one takes it or ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		p.logger.Debug("Job submitted to worker pool",
			"job_id", job.ID(),
			"job_type", job.Type())
		p.metrics.IncrementJobsSubmitted(job.Type())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns a channel for receiving job results. It is closed once
// Shutdown has finished and must be drained by the caller, otherwise workers
// block after finishing their job.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.config.Size
}

// Shutdown stops accepting jobs and waits for running ones to finish. When
// ShutdownTimeout elapses first, running jobs are cancelled and an error is
// returned once they have exited.
func (p *Pool) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.logger.Info("Shutting down worker pool", "active_jobs", p.Active())

		p.closed.Store(true)
		p.submitMu.Lock()
		close(p.jobs)
		p.submitMu.Unlock()

		finished := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(finished)
		}()

		var timeout <-chan time.Time
		if p.config.ShutdownTimeout > 0 {
			timer := time.NewTimer(p.config.ShutdownTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-finished:
			p.logger.Info("Worker pool shutdown completed")
		case <-timeout:
			p.logger.Warn("Worker pool shutdown timeout, cancelling running jobs",
				"timeout", p.config.ShutdownTimeout)
			p.cancel()
			<-finished
			p.shutdownErr = fmt.Errorf("worker pool shutdown timed out after %s", p.config.ShutdownTimeout)
		}

		p.cancel()
		close(p.results)
		close(p.done)
	})
	return p.shutdownErr
}

// Wait blocks until Shutdown has completed.
func (p *Pool) Wait() {
	<-p.done
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", "worker_id", id)
	defer p.logger.Debug("Worker stopped", "worker_id", id)

	for job := range p.jobs {
		p.results <- p.executeJob(id, job)
	}
}

// executeJob executes a single job with retry logic.
func (p *Pool) executeJob(workerID int, job Job) Result {
	p.active.Add(1)
	p.metrics.IncActiveJobs()
	defer func() {
		p.active.Add(-1)
		p.metrics.DecActiveJobs()
	}()

	start := time.Now()
	var err error
	retries := 0

	for attempt := 0; ; attempt++ {
		err = job.Execute(p.ctx)
		if err == nil || attempt >= p.config.MaxRetries || p.ctx.Err() != nil {
			break
		}
		// Retrying cannot help when the tool itself is gone.
		if errors.IsFatal(err) {
			break
		}

		retries++
		p.metrics.IncrementJobRetries(job.Type())
		p.logger.Debug("Job failed, retrying",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"attempt", attempt+1,
			"max_retries", p.config.MaxRetries,
			"error", err)

		select {
		case <-time.After(p.config.RetryDelay):
		case <-p.ctx.Done():
		}
	}

	duration := time.Since(start)
	status := "success"

	if err != nil {
		status = "error"
		if handler, ok := job.(FailureHandler); ok {
			handler.OnFailure(err)
		}
		p.logger.Warn("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"retries", retries,
			"error", err,
			"worker_id", workerID)
	} else {
		p.logger.Debug("Job completed successfully",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"duration", duration,
			"worker_id", workerID,
			"retries", retries)
	}

	p.metrics.RecordJobCompleted(job.Type(), status, duration)

	return Result{
		JobID:    job.ID(),
		JobType:  job.Type(),
		Error:    err,
		Duration: duration,
		Retries:  retries,
	}
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id       string
	jobType  string
	executor func(ctx context.Context) error
}

// NewFuncJob creates a job that runs executor.
func NewFuncJob(id, jobType string, executor func(ctx context.Context) error) *FuncJob {
	return &FuncJob{
		id:       id,
		jobType:  jobType,
		executor: executor,
	}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.executor(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
