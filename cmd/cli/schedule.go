package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/reconpipe/internal/config"
	"github.com/anstrom/reconpipe/internal/pipeline"
	"github.com/anstrom/reconpipe/internal/scheduler"
)

func newScheduleCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <network-range>...",
		Short: "Repeat the pipeline on a cron schedule",
		Long: `Run the full discovery and inspection pipeline every time the cron
expression fires, until interrupted. Each run writes to its own dated result
log unless --out is given, in which case every run appends to the same file.

A tick that fires while the previous run is still going is skipped.`,
		Example: `  reconpipe schedule 10.0.0.0/24 --cron "0 2 * * *"
  reconpipe schedule --targets-file ip_list.txt --cron "@every 6h" --resume --out scan/rolling.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := cmd.Flags().GetString("cron")
			if err != nil {
				return exitErr(err)
			}

			p, err := runParams(cmd.Flags(), a.cfg, args)
			if err != nil {
				return exitErr(err)
			}
			if err := ensureDefaultOutputDir(p); err != nil {
				return exitErr(err)
			}
			if _, err := config.NewRunConfig(p, time.Now()); err != nil {
				return exitErr(err)
			}

			job := func(ctx context.Context) error {
				summary, err := a.runOnce(ctx, p)
				if summary != nil {
					printSummary(cmd.OutOrStdout(), summary)
				}
				if err != nil {
					return err
				}
				if code := summary.ExitCode(); code != pipeline.ExitSuccess {
					return fmt.Errorf("run %s finished with exit code %d", summary.RunID, code)
				}
				return nil
			}

			s, err := scheduler.New(spec, job, scheduler.WithLogger(a.logger.WithComponent("scheduler")))
			if err != nil {
				return exitErr(err)
			}

			ctx, stop := notifyContext(cmd.Context(), a.logger)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %q, next run at %s\n", spec, s.Next().Format(time.RFC3339))
			if err := s.Run(ctx); err != nil {
				return exitErr(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduler stopped after %d runs (%d failed)\n", s.Runs(), s.Failures())
			return nil
		},
	}

	cmd.Flags().String("cron", "", "cron expression (5 fields or a descriptor such as @hourly)")
	_ = cmd.MarkFlagRequired("cron")
	addPipelineFlags(cmd.Flags())
	cmd.Flags().Bool("resume", false, "skip targets already recorded as ok in the result log")
	return cmd
}
