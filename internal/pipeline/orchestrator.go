// Package pipeline drives a reconpipe run: discovery, target extraction,
// bounded inspection and draining of the result log. The Orchestrator is a
// small state machine; its collaborators are narrow interfaces so tests can
// replace the external tools.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/anstrom/reconpipe/internal/config"
	"github.com/anstrom/reconpipe/internal/discovery"
	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/inspection"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/metrics"
	"github.com/anstrom/reconpipe/internal/scanning"
	"github.com/anstrom/reconpipe/internal/sink"
	"github.com/anstrom/reconpipe/internal/workers"
)

const (
	inspectionJobType = "inspection"
	retryDelay        = time.Second
)

// Discoverer runs the discovery sweep.
type Discoverer interface {
	Run(ctx context.Context, req discovery.Request) (*discovery.Report, error)
}

// Inspector inspects a single target.
type Inspector interface {
	Inspect(ctx context.Context, job scanning.ScanJob) (scanning.Finding, error)
}

// Recorder persists findings.
type Recorder interface {
	Append(f scanning.Finding) error
	Close() error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	// Discoverer may be nil when the run reuses an existing report.
	Discoverer Discoverer
	Inspector  Inspector
	// OpenRecorder opens the result log; defaults to sink.Open.
	OpenRecorder func(path string) (Recorder, error)
	Logger       *logging.Logger
	Metrics      *metrics.PrometheusMetrics
	Now          func() time.Time
}

// Orchestrator executes one run described by a RunConfig.
type Orchestrator struct {
	cfg        *config.RunConfig
	discoverer Discoverer
	inspector  Inspector
	openRec    func(path string) (Recorder, error)
	logger     *logging.Logger
	metrics    *metrics.PrometheusMetrics
	now        func() time.Time

	machine *machine

	mu      sync.Mutex
	summary Summary
	rec     Recorder

	// Set when the run continues past a failed sweep; the report must then
	// parse strictly.
	discoveryFailed bool
}

// New creates an Orchestrator. It does not touch the filesystem or run anything.
func New(cfg *config.RunConfig, deps Deps) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.ErrConfigMissing("run")
	}
	if deps.Inspector == nil {
		return nil, errors.ErrConfigMissing("inspector")
	}
	if deps.Discoverer == nil && !cfg.ReuseReport {
		return nil, errors.ErrConfigMissing("discoverer")
	}

	o := &Orchestrator{
		cfg:        cfg,
		discoverer: deps.Discoverer,
		inspector:  deps.Inspector,
		openRec:    deps.OpenRecorder,
		logger:     deps.Logger,
		metrics:    metrics.OrGlobal(deps.Metrics),
		now:        deps.Now,
	}
	if o.logger == nil {
		o.logger = logging.Default()
	}
	o.logger = o.logger.WithComponent("pipeline").WithRunID(cfg.RunID)
	if o.now == nil {
		o.now = time.Now
	}
	if o.openRec == nil {
		o.openRec = func(path string) (Recorder, error) {
			return sink.Open(path, sink.WithLogger(deps.Logger), sink.WithMetrics(o.metrics))
		}
	}
	o.machine = newMachine(o.now)
	return o, nil
}

// Build resolves the external tools named by cfg and returns an Orchestrator
// wired to them. A missing executable yields a TOOL_UNAVAILABLE error.
func Build(cfg *config.RunConfig, logger *logging.Logger, m *metrics.PrometheusMetrics) (*Orchestrator, error) {
	deps := Deps{Logger: logger, Metrics: m}

	if !cfg.ReuseReport {
		runner, err := discovery.NewRunner(cfg.Discovery, discovery.WithLogger(logger), discovery.WithMetrics(m))
		if err != nil {
			return nil, err
		}
		deps.Discoverer = runner
	}

	inspector, err := inspection.NewRunner(cfg.Inspection, inspection.WithLogger(logger), inspection.WithMetrics(m))
	if err != nil {
		return nil, err
	}
	deps.Inspector = inspector

	return New(cfg, deps)
}

// Run executes the pipeline and must be called at most once. The returned
// Summary is never nil; the error is non-nil only when the run ended in the
// failed state. Cancelling ctx stops dispatch of new targets; inspections
// already running finish under their own deadline and the run drains normally.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	o.summary = Summary{
		RunID:      o.cfg.RunID,
		StartedAt:  o.now(),
		OutputPath: o.cfg.OutputPath,
		ReportPath: o.cfg.ReportPath,
	}
	o.logger.Info("Starting pipeline run", o.cfg.LogFields()...)

	completed, err := o.validate()
	if err != nil {
		return o.fail(err)
	}

	if err := o.enter(StateDiscovering); err != nil {
		return o.fail(err)
	}
	if err := o.discover(ctx); err != nil {
		return o.fail(err)
	}

	if err := o.enter(StateParsingTargets); err != nil {
		return o.fail(err)
	}
	jobs, err := o.parseTargets(completed)
	if err != nil {
		return o.fail(err)
	}

	if err := o.enter(StateInspecting); err != nil {
		return o.fail(err)
	}
	pool := o.inspect(ctx, jobs)

	// From here on the run always completes.
	_ = o.enter(StateDraining)
	o.drain(pool)
	_ = o.enter(StateDone)

	return o.finish(), nil
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.machine.state
}

func (o *Orchestrator) enter(state State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	from := o.machine.state
	if err := o.machine.transition(state); err != nil {
		return err
	}
	o.logger.Debug("Pipeline state changed", "from", from, "to", state)
	return nil
}

// validate loads the resume index and opens the result log.
func (o *Orchestrator) validate() (map[scanning.ScanJob]struct{}, error) {
	var completed map[scanning.ScanJob]struct{}
	if o.cfg.Resume {
		var err error
		completed, err = sink.CompletedJobs(o.cfg.OutputPath)
		if err != nil {
			return nil, errors.WrapConfigError(errors.CodeConfiguration, "cannot resume from result log", err)
		}
		o.logger.Info("Resuming from result log", "path", o.cfg.OutputPath, "completed", len(completed))
	}

	rec, err := o.openRec(o.cfg.OutputPath)
	if err != nil {
		return nil, err
	}
	o.rec = rec
	return completed, nil
}

func (o *Orchestrator) discover(ctx context.Context) error {
	if o.cfg.ReuseReport {
		o.logger.Info("Reusing discovery report", "report", o.cfg.ReportPath)
		return nil
	}

	_, err := o.discoverer.Run(ctx, discovery.Request{
		Ranges:     o.cfg.Ranges,
		Ports:      o.cfg.Ports,
		Rate:       o.cfg.Rate,
		OutputPath: o.cfg.ReportPath,
	})
	if err == nil {
		return nil
	}

	if !o.cfg.ContinueOnDiscoveryError || ctx.Err() != nil || errors.IsConfig(err) {
		return err
	}
	if _, statErr := os.Stat(o.cfg.ReportPath); statErr != nil {
		return err
	}
	o.discoveryFailed = true
	o.warn("discovery failed; inspecting the report it left behind", "error", err)
	return nil
}

func (o *Orchestrator) parseTargets(completed map[scanning.ScanJob]struct{}) ([]scanning.ScanJob, error) {
	set, stats, err := scanning.ParseReportFile(o.cfg.ReportPath, scanning.ParseOptions{
		Lenient: o.cfg.Lenient && !o.discoveryFailed,
		Path:    o.cfg.ReportPath,
	})
	if err != nil {
		o.logger.Error("Discovery report rejected; keeping it for inspection", "report", o.cfg.ReportPath, "error", err)
		return nil, err
	}

	if !o.cfg.KeepReport {
		if rmErr := os.Remove(o.cfg.ReportPath); rmErr != nil && !os.IsNotExist(rmErr) {
			o.logger.Warn("Failed to remove discovery report", "report", o.cfg.ReportPath, "error", rmErr)
		}
	}

	all := set.Jobs()
	jobs := make([]scanning.ScanJob, 0, len(all))
	for _, job := range all {
		if _, done := completed[job]; done {
			continue
		}
		jobs = append(jobs, job)
	}

	o.mu.Lock()
	o.summary.Parse = stats
	o.summary.Hosts = set.Hosts()
	o.summary.Targets = set.Len()
	o.summary.Skipped = set.Len() - len(jobs)
	o.mu.Unlock()

	o.metrics.SetTargets(set.Len())
	o.metrics.IncrementHostsDiscovered(set.Hosts())
	if stats.Skipped > 0 {
		o.warn(fmt.Sprintf("%d malformed report records skipped", stats.Skipped))
	}

	o.logger.Info("Targets extracted",
		"hosts", set.Hosts(),
		"targets", set.Len(),
		"duplicates", stats.Duplicates,
		"resumed", set.Len()-len(jobs))
	return jobs, nil
}

// inspect dispatches jobs to a bounded pool and returns it still running.
func (o *Orchestrator) inspect(ctx context.Context, jobs []scanning.ScanJob) *workers.Pool {
	pool := workers.New(workers.Config{
		Size:       o.cfg.Concurrency,
		MaxRetries: o.cfg.Retries,
		RetryDelay: retryDelay,
	}, workers.WithLogger(o.logger), workers.WithMetrics(o.metrics))
	pool.Start()

	go func() {
		for res := range pool.Results() {
			o.logger.Debug("Inspection finished", "target", res.JobID, "retries", res.Retries, "duration", res.Duration)
		}
	}()

	dispatched := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := pool.Submit(ctx, &inspectionJob{o: o, job: job}); err != nil {
			break
		}
		dispatched++
	}

	o.mu.Lock()
	o.summary.Dispatched = dispatched
	o.summary.Cancelled = dispatched < len(jobs)
	o.mu.Unlock()

	if dispatched < len(jobs) {
		o.warn("run cancelled; remaining targets not inspected",
			"dispatched", dispatched, "remaining", len(jobs)-dispatched)
	}
	return pool
}

// drain waits for in-flight inspections and closes the result log.
func (o *Orchestrator) drain(pool *workers.Pool) {
	if err := pool.Shutdown(); err != nil {
		o.logger.Warn("Worker pool did not shut down cleanly", "error", err)
	}
	if err := o.rec.Close(); err != nil {
		o.logger.Error("Failed to close result log", "path", o.cfg.OutputPath, "error", err)
	}
}

// record appends a finding and updates the tallies.
func (o *Orchestrator) record(f scanning.Finding) {
	if f.Status == scanning.StatusOK && f.Empty() {
		o.mu.Lock()
		o.summary.Empty++
		o.mu.Unlock()
		o.logger.InfoInspection("Inspection produced no output", f.Job.String())
		return
	}

	err := o.rec.Append(f)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.summary.Lost++
		return
	}
	switch f.Status {
	case scanning.StatusOK:
		o.summary.OK++
	case scanning.StatusTimeout:
		o.summary.TimedOut++
	default:
		o.summary.Failed++
	}
}

func (o *Orchestrator) warn(msg string, fields ...any) {
	o.logger.Warn(msg, fields...)
	o.mu.Lock()
	o.summary.Warnings = append(o.summary.Warnings, msg)
	o.mu.Unlock()
}

func (o *Orchestrator) fail(err error) (*Summary, error) {
	if o.rec != nil {
		if cerr := o.rec.Close(); cerr != nil {
			o.logger.Warn("Failed to close result log", "error", cerr)
		}
	}

	o.mu.Lock()
	if terr := o.machine.transition(StateFailed); terr != nil {
		o.logger.Error("Pipeline state error", "error", terr)
	}
	o.summary.Err = err
	o.mu.Unlock()

	o.logger.WithError(err).Error("Pipeline run failed", "exit_code", ExitCodeFor(err))
	summary := o.finish()
	return summary, err
}

// finish stamps the summary, exports metrics and returns a copy.
func (o *Orchestrator) finish() *Summary {
	o.mu.Lock()
	s := o.summary
	s.State = o.machine.state
	s.History = append([]Transition(nil), o.machine.history...)
	s.Warnings = append([]string(nil), o.summary.Warnings...)
	o.mu.Unlock()

	s.Elapsed = o.now().Sub(s.StartedAt)

	if s.Err == nil && s.Targets-s.Skipped > 0 && s.Succeeded() == 0 && s.Dispatched > 0 {
		msg := "every inspection failed"
		o.logger.Warn(msg, "targets", s.Dispatched)
		s.Warnings = append(s.Warnings, msg)
	}

	status := "success"
	switch s.ExitCode() {
	case ExitSuccess:
	case ExitPartialFailure:
		status = "partial"
	default:
		status = "failed"
	}
	o.metrics.IncrementRunsTotal(status)
	o.metrics.RecordRunDuration(s.Elapsed)

	if o.cfg.MetricsFile != "" {
		if err := o.metrics.WriteTextfile(o.cfg.MetricsFile); err != nil {
			o.logger.Warn("Failed to write metrics textfile", "path", o.cfg.MetricsFile, "error", err)
		}
	}

	o.logger.Info("Pipeline run finished",
		"state", s.State,
		"targets", s.Targets,
		"ok", s.OK,
		"empty", s.Empty,
		"failed", s.Failed,
		"timeout", s.TimedOut,
		"lost", s.Lost,
		"elapsed", s.Elapsed,
		"exit_code", s.ExitCode())
	return &s
}

// inspectionJob adapts one target to the worker pool.
type inspectionJob struct {
	o   *Orchestrator
	job scanning.ScanJob
}

func (j *inspectionJob) Execute(ctx context.Context) error {
	f, err := j.o.inspector.Inspect(ctx, j.job)
	if err != nil {
		return err
	}
	j.o.record(f)
	return nil
}

// OnFailure records the degraded finding once every retry is used up.
func (j *inspectionJob) OnFailure(err error) {
	j.o.record(scanning.DegradedFinding(j.job, err, j.o.now()))
}

func (j *inspectionJob) ID() string {
	return j.job.String()
}

func (j *inspectionJob) Type() string {
	return inspectionJobType
}
