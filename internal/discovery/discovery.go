// Package discovery runs the wide-net port sweep that produces the discovery
// report. Two sweepers are supported: masscan (the default) and nmap. Both are
// asked to write nmap-compatible XML to a single report file.
package discovery

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/metrics"
	"github.com/anstrom/reconpipe/internal/scanning"
)

// Kind identifies the sweeper implementation.
type Kind string

const (
	KindMasscan Kind = "masscan"
	KindNmap    Kind = "nmap"
)

const (
	// Time allowed for the sweeper to exit after its context is cancelled.
	waitDelay = 5 * time.Second
)

// Config describes how to invoke the sweeper.
type Config struct {
	// Kind selects the argument layout.
	Kind Kind
	// Binary is the executable name or path; defaults to the Kind name.
	Binary string
	// ExtraArgs are appended after the generated arguments.
	ExtraArgs []string
	// Timeout bounds the whole sweep (0 = no limit).
	Timeout time.Duration
}

// Request is one discovery sweep.
type Request struct {
	Ranges     []scanning.NetworkRange
	Ports      scanning.PortRange
	Rate       int
	OutputPath string
}

// Report is a handle to the report file a sweep produced.
type Report struct {
	Path     string
	Tool     string
	Duration time.Duration
	Stderr   string
}

// Runner executes discovery sweeps.
type Runner struct {
	kind      Kind
	binary    string
	extraArgs []string
	timeout   time.Duration
	logger    *logging.Logger
	metrics   *metrics.PrometheusMetrics
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

// ParseKind validates a sweeper name.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindMasscan, "":
		return KindMasscan, nil
	case KindNmap:
		return KindNmap, nil
	default:
		return "", errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("unknown sweeper %q: expected masscan or nmap", s), "sweeper", s)
	}
}

// NewRunner resolves the sweeper executable and returns a Runner for it.
func NewRunner(cfg Config, opts ...Option) (*Runner, error) {
	kind, err := ParseKind(string(cfg.Kind))
	if err != nil {
		return nil, err
	}

	binary := cfg.Binary
	if binary == "" {
		binary = string(kind)
	}
	path, err := scanning.ResolveTool(binary)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		kind:      kind,
		binary:    path,
		extraArgs: append([]string(nil), cfg.ExtraArgs...),
		timeout:   cfg.Timeout,
		logger:    logging.Default().WithComponent("discovery"),
		metrics:   metrics.GetGlobalMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Kind returns the sweeper implementation.
func (r *Runner) Kind() Kind {
	return r.kind
}

// Binary returns the resolved executable path.
func (r *Runner) Binary() string {
	return r.binary
}

// Command returns the argument vector for req, excluding the executable.
func (r *Runner) Command(req Request) []string {
	ranges := make([]string, len(req.Ranges))
	for i, nr := range req.Ranges {
		ranges[i] = nr.String()
	}
	rate := strconv.Itoa(req.Rate)

	var args []string
	switch r.kind {
	case KindNmap:
		args = append(args,
			"-n",
			fmt.Sprintf("-T%d", nmap.TimingAggressive),
			"--open",
			"-p", req.Ports.String(),
			"--min-rate", rate,
			"-oX", req.OutputPath)
		args = append(args, r.extraArgs...)
		args = append(args, ranges...)
	default:
		args = append(args, ranges...)
		args = append(args,
			"-p", req.Ports.String(),
			"--rate", rate,
			"-oX", req.OutputPath)
		args = append(args, r.extraArgs...)
	}
	return args
}

// Run executes one sweep and waits for it to finish. The report at
// req.OutputPath is only returned once the sweeper has exited successfully.
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	tool := string(r.kind)
	network := joinRanges(req.Ranges)

	// A leftover report from an earlier run must never be mistaken for this one.
	if err := os.Remove(req.OutputPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.ErrDiscoveryFailed(tool, 0, "", fmt.Errorf("failed to remove stale report: %w", err))
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := r.Command(req)
	stderr := scanning.NewTailBuffer(scanning.DefaultStderrTail)

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	r.logger.InfoDiscovery("Starting discovery sweep", network,
		"tool", tool,
		"ports", req.Ports.String(),
		"rate", req.Rate,
		"report", req.OutputPath)
	r.logger.Debug("Discovery command", "binary", r.binary, "args", args)

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	r.metrics.RecordDiscoveryDuration(tool, duration)

	if err != nil {
		cause := err
		if ctxErr := ctx.Err(); ctxErr != nil {
			cause = fmt.Errorf("%w: %w", ctxErr, err)
		}
		toolErr := errors.ErrDiscoveryFailed(tool, scanning.ExitCode(err), stderr.String(), cause)
		r.metrics.IncrementDiscoveryTotal(tool, "error")
		r.logger.ErrorDiscovery("Discovery sweep failed", network, toolErr, "duration", duration)
		return nil, toolErr
	}

	if _, statErr := os.Stat(req.OutputPath); statErr != nil {
		toolErr := errors.ErrDiscoveryFailed(tool, 0, stderr.String(),
			fmt.Errorf("sweeper exited successfully but wrote no report: %w", statErr))
		r.metrics.IncrementDiscoveryTotal(tool, "error")
		r.logger.ErrorDiscovery("Discovery sweep produced no report", network, toolErr)
		return nil, toolErr
	}

	r.metrics.IncrementDiscoveryTotal(tool, "success")
	r.logger.InfoDiscovery("Discovery sweep completed", network, "duration", duration)

	return &Report{
		Path:     req.OutputPath,
		Tool:     tool,
		Duration: duration,
		Stderr:   stderr.String(),
	}, nil
}

func validateRequest(req Request) error {
	if len(req.Ranges) == 0 {
		return errors.ErrConfigMissing("range")
	}
	if req.Rate <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation, "rate must be positive", "rate", req.Rate)
	}
	if req.Ports.Low == 0 || req.Ports.Low >= req.Ports.High {
		return errors.ErrPortRange(req.Ports.String(), "low port must be at least 1 and below high port")
	}
	if req.OutputPath == "" {
		return errors.ErrConfigMissing("report")
	}
	if info, err := os.Stat(filepath.Dir(req.OutputPath)); err != nil || !info.IsDir() {
		return errors.ErrPathNotFound("report", req.OutputPath)
	}
	return nil
}

func joinRanges(ranges []scanning.NetworkRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}
