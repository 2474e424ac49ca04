package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/reconpipe/internal/discovery"
	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/inspection"
	"github.com/anstrom/reconpipe/internal/scanning"
)

// RunParams are the raw, user-supplied settings of one pipeline run.
type RunParams struct {
	Ranges      []string
	TargetsFile string
	Ports       string
	Rate        int `validate:"min=1"`
	Concurrency int `validate:"min=1,max=1024"`
	Retries     int `validate:"min=0,max=10"`

	// Per-inspection deadline; zero uses DefaultInspectionTimeout.
	Timeout time.Duration

	Out         string
	Report      string
	MetricsFile string

	KeepReport               bool
	ReuseReport              bool
	Lenient                  bool
	Resume                   bool
	ContinueOnDiscoveryError bool

	Sweeper        string
	SweeperBin     string
	SweeperArgs    []string
	SweeperTimeout time.Duration

	InspectorBin  string
	InspectorArgs []string
}

// Params returns the run parameters described by the configuration file.
// Ranges are never part of the file and must be supplied by the caller.
func (c *Config) Params() RunParams {
	var inspectorArgs []string
	if len(c.Inspection.Args) > 0 {
		inspectorArgs = append(inspectorArgs, c.Inspection.Args...)
	}
	return RunParams{
		Ports:                    c.Pipeline.Ports,
		Rate:                     c.Pipeline.Rate,
		Concurrency:              c.Pipeline.Concurrency,
		Retries:                  c.Pipeline.Retries,
		Timeout:                  c.Inspection.Timeout,
		Out:                      c.Output.Path,
		Report:                   c.Output.Report,
		MetricsFile:              c.Metrics.File,
		KeepReport:               c.Output.KeepReport,
		Lenient:                  c.Pipeline.Lenient,
		ContinueOnDiscoveryError: c.Pipeline.ContinueOnDiscoveryError,
		Sweeper:                  c.Discovery.Sweeper,
		SweeperBin:               c.Discovery.Binary,
		SweeperArgs:              append([]string(nil), c.Discovery.ExtraArgs...),
		SweeperTimeout:           c.Discovery.Timeout,
		InspectorBin:             c.Inspection.Binary,
		InspectorArgs:            inspectorArgs,
	}
}

// RunConfig is the validated configuration of a single run. It is built once
// by NewRunConfig and must not be modified afterwards.
type RunConfig struct {
	RunID     string
	StartedAt time.Time

	Ranges      []scanning.NetworkRange
	Ports       scanning.PortRange
	Rate        int
	Concurrency int
	Retries     int

	OutputPath  string
	ReportPath  string
	MetricsFile string

	KeepReport               bool
	ReuseReport              bool
	Lenient                  bool
	Resume                   bool
	ContinueOnDiscoveryError bool

	Discovery  discovery.Config
	Inspection inspection.Config
}

// DefaultOutputPath returns the dated result log path used when none is given.
func DefaultOutputPath(now time.Time) string {
	return filepath.Join(DefaultOutputDir, fmt.Sprintf("scan_%s.txt", now.Format("2006-01-02")))
}

// NewRunConfig validates p and freezes it into a RunConfig. Nothing is
// executed; the only filesystem access is reading the targets file and
// checking that the artifact directories exist.
func NewRunConfig(p RunParams, now time.Time) (*RunConfig, error) {
	if err := validate.Struct(p); err != nil {
		return nil, validationError(err)
	}

	exprs := append([]string(nil), p.Ranges...)
	if p.TargetsFile != "" {
		lines, err := ReadTargetsFile(p.TargetsFile)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, lines...)
	}
	if len(exprs) == 0 && !p.ReuseReport {
		return nil, errors.ErrConfigMissing("range")
	}
	ranges, err := scanning.ParseNetworkRanges(exprs)
	if err != nil {
		return nil, err
	}

	portExpr := p.Ports
	if portExpr == "" {
		portExpr = DefaultPorts
	}
	ports, err := scanning.ParsePortRange(portExpr)
	if err != nil {
		return nil, err
	}

	kind, err := discovery.ParseKind(p.Sweeper)
	if err != nil {
		return nil, err
	}
	if p.SweeperTimeout < 0 {
		return nil, errors.NewConfigFieldError(errors.CodeValidation,
			"sweeper timeout must not be negative", "sweeper-timeout", p.SweeperTimeout)
	}

	timeout := p.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultInspectionTimeout
	case timeout < 0:
		return nil, errors.NewConfigFieldError(errors.CodeValidation,
			"timeout must be positive", "timeout", p.Timeout)
	}

	rc := &RunConfig{
		RunID:                    uuid.New().String(),
		StartedAt:                now,
		Ranges:                   ranges,
		Ports:                    ports,
		Rate:                     p.Rate,
		Concurrency:              p.Concurrency,
		Retries:                  p.Retries,
		OutputPath:               p.Out,
		ReportPath:               p.Report,
		MetricsFile:              p.MetricsFile,
		KeepReport:               p.KeepReport || p.ReuseReport,
		ReuseReport:              p.ReuseReport,
		Lenient:                  p.Lenient,
		Resume:                   p.Resume,
		ContinueOnDiscoveryError: p.ContinueOnDiscoveryError,
		Discovery: discovery.Config{
			Kind:      kind,
			Binary:    p.SweeperBin,
			ExtraArgs: append([]string(nil), p.SweeperArgs...),
			Timeout:   p.SweeperTimeout,
		},
		Inspection: inspection.Config{
			Binary:  p.InspectorBin,
			Args:    cloneArgs(p.InspectorArgs),
			Timeout: timeout,
		},
	}

	if rc.OutputPath == "" {
		rc.OutputPath = DefaultOutputPath(now)
	}
	if rc.ReportPath == "" {
		if p.ReuseReport {
			return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
				"reusing a report requires a report path", "report", "")
		}
		rc.ReportPath = filepath.Join(filepath.Dir(rc.OutputPath), fmt.Sprintf("discovery_%s.xml", rc.RunID))
	}

	if err := rc.checkPaths(); err != nil {
		return nil, err
	}
	return rc, nil
}

// checkPaths verifies that every artifact can be created where requested.
func (rc *RunConfig) checkPaths() error {
	if err := requireParentDir("out", rc.OutputPath); err != nil {
		return err
	}
	if info, err := os.Stat(rc.OutputPath); err == nil && info.IsDir() {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("output path %q is a directory", rc.OutputPath), "out", rc.OutputPath)
	}

	if rc.ReuseReport {
		if info, err := os.Stat(rc.ReportPath); err != nil || info.IsDir() {
			return errors.NewConfigFieldError(errors.CodePathNotFound,
				fmt.Sprintf("report %q does not exist", rc.ReportPath), "report", rc.ReportPath)
		}
	} else if err := requireParentDir("report", rc.ReportPath); err != nil {
		return err
	}

	if rc.MetricsFile != "" {
		if err := requireParentDir("metrics-file", rc.MetricsFile); err != nil {
			return err
		}
	}
	return nil
}

// LogFields returns the run settings as structured logging attributes.
func (rc *RunConfig) LogFields() []any {
	ranges := make([]string, len(rc.Ranges))
	for i, r := range rc.Ranges {
		ranges[i] = r.String()
	}
	return []any{
		"ranges", strings.Join(ranges, ","),
		"ports", rc.Ports.String(),
		"rate", rc.Rate,
		"concurrency", rc.Concurrency,
		"timeout", rc.Inspection.Timeout,
		"out", rc.OutputPath,
		"report", rc.ReportPath,
		"sweeper", string(rc.Discovery.Kind),
	}
}

// ReadTargetsFile reads one network range per line. Blank lines and lines
// starting with # are ignored.
func ReadTargetsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewConfigFieldError(errors.CodePathNotFound,
				fmt.Sprintf("targets file %q does not exist", path), "targets-file", path)
		}
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to open targets file", err)
	}
	defer f.Close()

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read targets file", err)
	}
	return targets, nil
}

func requireParentDir(field, path string) error {
	info, err := os.Stat(filepath.Dir(path))
	if err != nil || !info.IsDir() {
		return errors.ErrPathNotFound(field, path)
	}
	return nil
}

// cloneArgs copies args, keeping nil so the inspector falls back to its defaults.
func cloneArgs(args []string) []string {
	if args == nil {
		return nil
	}
	return append([]string{}, args...)
}
