package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/anstrom/reconpipe/internal/config"
	"github.com/anstrom/reconpipe/internal/errors"
)

const (
	outputDirPerm = 0750
)

// addPipelineFlags registers the flags shared by run and schedule.
func addPipelineFlags(fs *pflag.FlagSet) {
	d := config.Default()

	fs.String("ports", d.Pipeline.Ports, "discovery port window LOW-HIGH")
	fs.Int("rate", d.Pipeline.Rate, "discovery packet rate")
	fs.Int("concurrency", d.Pipeline.Concurrency, "number of concurrent inspections")
	fs.Int("timeout", int(d.Inspection.Timeout/time.Second), "per-target inspection timeout in seconds")
	fs.Int("retries", d.Pipeline.Retries, "extra attempts for a failed inspection")
	fs.String("out", "", "result log path (default scan/scan_<date>.txt)")
	fs.String("report", "", "discovery report path (default next to the result log)")
	fs.Bool("keep-report", false, "keep the discovery report after the run")
	fs.Bool("lenient", false, "skip malformed report records instead of failing")
	fs.Bool("continue-on-discovery-error", false, "inspect the report left by a failed sweep if it parses")
	fs.String("sweeper", d.Discovery.Sweeper, "discovery tool: masscan or nmap")
	fs.String("sweeper-bin", "", "discovery executable (default: the sweeper name on PATH)")
	fs.StringSlice("sweeper-args", nil, "extra arguments for the discovery tool")
	fs.Duration("sweeper-timeout", 0, "deadline for the whole discovery sweep (0 = none)")
	fs.String("inspector-bin", d.Inspection.Binary, "inspection executable")
	fs.StringSlice("inspector-args", nil, "inspection arguments placed before -p PORT ADDR")
	fs.String("targets-file", "", "file with one network range per line")
	fs.String("metrics-file", "", "write Prometheus metrics to this textfile after each run")

	annotate(fs, "ports", "pipeline.ports")
	annotate(fs, "rate", "pipeline.rate")
	annotate(fs, "concurrency", "pipeline.concurrency")
	annotate(fs, "retries", "pipeline.retries")
	annotate(fs, "out", "output.path")
	annotate(fs, "report", "output.report")
	annotate(fs, "keep-report", "output.keep_report")
	annotate(fs, "lenient", "pipeline.lenient")
	annotate(fs, "continue-on-discovery-error", "pipeline.continue_on_discovery_error")
	annotate(fs, "sweeper", "discovery.sweeper")
	annotate(fs, "sweeper-bin", "discovery.binary")
	annotate(fs, "sweeper-args", "discovery.extra_args")
	annotate(fs, "sweeper-timeout", "discovery.timeout")
	annotate(fs, "inspector-bin", "inspection.binary")
	annotate(fs, "inspector-args", "inspection.args")
	annotate(fs, "metrics-file", "metrics.file")
}

// runParams merges the effective configuration with the flags that only
// make sense on the command line.
func runParams(fs *pflag.FlagSet, cfg *config.Config, ranges []string) (config.RunParams, error) {
	p := cfg.Params()
	p.Ranges = append([]string(nil), ranges...)

	targetsFile, err := fs.GetString("targets-file")
	if err != nil {
		return p, err
	}
	p.TargetsFile = targetsFile

	if fs.Changed("timeout") {
		secs, err := fs.GetInt("timeout")
		if err != nil {
			return p, err
		}
		if secs <= 0 {
			return p, errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("timeout must be a positive number of seconds, got %d", secs), "timeout", secs)
		}
		p.Timeout = time.Duration(secs) * time.Second
	}

	for name, dst := range map[string]*bool{
		"resume":       &p.Resume,
		"reuse-report": &p.ReuseReport,
	} {
		if fs.Lookup(name) == nil {
			continue
		}
		if *dst, err = fs.GetBool(name); err != nil {
			return p, err
		}
	}

	return p, nil
}

// ensureDefaultOutputDir creates the dated-log directory when no output path
// is configured. Explicit paths are never created.
func ensureDefaultOutputDir(p config.RunParams) error {
	if p.Out != "" {
		return nil
	}
	if err := os.MkdirAll(config.DefaultOutputDir, outputDirPerm); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to create output directory", err)
	}
	return nil
}
