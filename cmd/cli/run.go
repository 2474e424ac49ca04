package cli

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/reconpipe/internal/config"
	"github.com/anstrom/reconpipe/internal/logging"
	"github.com/anstrom/reconpipe/internal/pipeline"
)

// Exit code used when a second interrupt aborts the process.
const exitAborted = 130

func newRunCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <network-range>...",
		Short: "Run discovery and inspection once",
		Long: `Sweep the given IPv4 ranges for open ports, then inspect every
discovered host:port with nmap service and vulnerability detection.

Findings are appended to the result log as they complete. The first
interrupt stops dispatching new targets and lets running inspections finish;
a second interrupt aborts immediately.

Exit codes: 0 success, 1 invalid arguments, 2 discovery failure,
3 some inspections failed, 4 no inspection succeeded.`,
		Example: `  reconpipe run 192.168.1.0/24
  reconpipe run 10.0.0.0/16 --ports 1-1024 --rate 10000 --concurrency 8
  reconpipe run 10.0.0.5 --sweeper nmap --timeout 300 --out "scan results/lab.txt"
  reconpipe run --targets-file ip_list.txt --resume --out scan/weekly.txt
  reconpipe run --reuse-report --report scan/discovery.xml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := runParams(cmd.Flags(), a.cfg, args)
			if err != nil {
				return exitErr(err)
			}

			ctx, stop := notifyContext(cmd.Context(), a.logger)
			defer stop()

			summary, err := a.runOnce(ctx, p)
			if summary != nil {
				printSummary(cmd.OutOrStdout(), summary)
			}
			if err != nil {
				return exitErr(err)
			}
			if code := summary.ExitCode(); code != pipeline.ExitSuccess {
				return &ExitError{Code: code}
			}
			return nil
		},
	}

	addPipelineFlags(cmd.Flags())
	cmd.Flags().Bool("resume", false, "skip targets already recorded as ok in the result log")
	cmd.Flags().Bool("reuse-report", false, "skip discovery and parse the existing --report")
	return cmd
}

// runOnce validates p and executes one pipeline run. The summary is nil when
// the run never started.
func (a *app) runOnce(ctx context.Context, p config.RunParams) (*pipeline.Summary, error) {
	if err := ensureDefaultOutputDir(p); err != nil {
		return nil, err
	}

	rc, err := config.NewRunConfig(p, time.Now())
	if err != nil {
		return nil, err
	}

	orch, err := pipeline.Build(rc, a.logger, a.metrics)
	if err != nil {
		return nil, err
	}

	summary, err := orch.Run(ctx)
	return summary, err
}

// notifyContext returns a context cancelled by the first SIGINT or SIGTERM.
// A second signal exits the process immediately.
func notifyContext(parent context.Context, logger *logging.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		select {
		case sig := <-signals:
			logger.Warn("Interrupt received, finishing running inspections; interrupt again to abort",
				"signal", sig.String())
			cancel()
		case <-stopped:
			return
		}

		select {
		case sig := <-signals:
			logger.Error("Second interrupt received, aborting", "signal", sig.String())
			os.Exit(exitAborted)
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(signals)
			close(stopped)
			cancel()
		})
	}
}
