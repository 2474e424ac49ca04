// Package inspection runs the deep per-target scan. Each ScanJob gets its own
// inspector process, bounded by a timeout, whose standard output becomes the
// finding text verbatim.
package inspection

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/metrics"
	"github.com/anstrom/reconpipe/internal/scanning"
)

const (
	// DefaultBinary is the inspector executable.
	DefaultBinary = "nmap"
	// DefaultTimeout bounds a single inspection.
	DefaultTimeout = 10 * time.Minute

	// Time allowed for the inspector to exit after it is killed.
	waitDelay = 5 * time.Second
)

// DefaultArgs returns the inspector arguments placed before the port and address.
func DefaultArgs() []string {
	return []string{"-sV", fmt.Sprintf("-T%d", nmap.TimingAggressive), "-A", "-v", "--script", "vulners.nse"}
}

// Config describes how to invoke the inspector.
type Config struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

// Runner inspects single targets.
type Runner struct {
	name    string
	binary  string
	args    []string
	timeout time.Duration
	now     func() time.Time
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the runner's metrics instance.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(r *Runner) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock replaces the clock used to stamp findings.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRunner resolves the inspector executable and returns a Runner for it.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	path, err := scanning.ResolveTool(binary)
	if err != nil {
		return nil, err
	}

	args := cfg.Args
	if args == nil {
		args = DefaultArgs()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	r := &Runner{
		name:    binary,
		binary:  path,
		args:    append([]string(nil), args...),
		timeout: timeout,
		now:     time.Now,
		logger:  logging.Default().WithComponent("inspection"),
		metrics: metrics.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Timeout returns the per-target deadline.
func (r *Runner) Timeout() time.Duration {
	return r.timeout
}

// Command returns the argument vector for job, excluding the executable.
func (r *Runner) Command(job scanning.ScanJob) []string {
	args := append([]string(nil), r.args...)
	return append(args, "-p", strconv.Itoa(int(job.Port)), job.Address)
}

// Inspect runs the inspector against one target. On success the finding holds
// the inspector's stdout. Failures are returned as INSPECTION_TIMEOUT or
// INSPECTION_FAILED errors; scanning.DegradedFinding turns them into findings.
func (r *Runner) Inspect(ctx context.Context, job scanning.ScanJob) (scanning.Finding, error) {
	target := job.String()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := scanning.NewTailBuffer(scanning.DefaultStderrTail)

	args := r.Command(job)
	cmd := exec.CommandContext(runCtx, r.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	r.logger.WithTarget(target).Debug("Starting inspection", "args", args)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	switch {
	case err == nil:
		r.metrics.RecordInspection(string(scanning.StatusOK), duration)
		r.logger.InfoInspection("Inspection completed", target,
			"duration", duration,
			"bytes", stdout.Len())
		return scanning.Finding{
			Job:       job,
			Text:      stdout.String(),
			Timestamp: r.now().UTC(),
			Status:    scanning.StatusOK,
		}, nil

	case ctx.Err() != nil:
		// The caller gave up; this is not the target's fault.
		r.metrics.RecordInspection(string(scanning.StatusFailed), duration)
		return scanning.Finding{}, &errors.ToolError{
			Code:    errors.CodeCanceled,
			Message: "inspection cancelled",
			Tool:    r.name,
			Target:  target,
			Cause:   ctx.Err(),
		}

	case runCtx.Err() != nil:
		r.metrics.RecordInspection(string(scanning.StatusTimeout), duration)
		toolErr := errors.ErrInspectionTimeout(r.name, target, r.timeout)
		toolErr.Stderr = stderr.String()
		r.logger.ErrorInspection("Inspection timed out", target, toolErr)
		return scanning.Finding{}, toolErr

	case stderrors.Is(err, exec.ErrNotFound) || stderrors.Is(err, fs.ErrNotExist):
		// The binary vanished after NewRunner resolved it.
		r.metrics.RecordInspection(string(scanning.StatusFailed), duration)
		toolErr := errors.ErrToolUnavailable(r.name, err)
		toolErr.Target = target
		r.logger.ErrorInspection("Inspector not runnable", target, toolErr)
		return scanning.Finding{}, toolErr

	default:
		r.metrics.RecordInspection(string(scanning.StatusFailed), duration)
		toolErr := errors.ErrInspectionFailed(r.name, target, scanning.ExitCode(err), stderr.String(),
			fmt.Errorf("%s: %w", r.name, err))
		r.logger.ErrorInspection("Inspection failed", target, toolErr, "duration", duration)
		return scanning.Finding{}, toolErr
	}
}
