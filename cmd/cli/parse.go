package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/anstrom/reconpipe/internal/scanning"
)

func newParseCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <report>",
		Short: "Print the targets found in a discovery report",
		Long: `Parse an nmap-compatible XML report, as written by masscan -oX or
nmap -oX, and print the deduplicated host:port targets it contains. Nothing
is inspected.`,
		Example: `  reconpipe parse scan/discovery.xml
  reconpipe parse masscan.xml --lenient --plain`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lenient, err := cmd.Flags().GetBool("lenient")
			if err != nil {
				return exitErr(err)
			}
			plain, err := cmd.Flags().GetBool("plain")
			if err != nil {
				return exitErr(err)
			}

			targets, stats, err := scanning.ParseReportFile(args[0], scanning.ParseOptions{Lenient: lenient})
			if err != nil {
				return exitErr(err)
			}
			a.logger.Debug("Parsed report", "path", args[0], "targets", targets.Len(), "hosts", targets.Hosts())

			out := cmd.OutOrStdout()
			if plain {
				for _, job := range targets.Jobs() {
					fmt.Fprintln(out, job.String())
				}
				return nil
			}

			printTargets(out, targets.Jobs())
			printParseStats(out, stats)
			fmt.Fprintf(out, "%d targets on %d hosts\n", targets.Len(), targets.Hosts())
			return nil
		},
	}

	cmd.Flags().Bool("lenient", false, "skip malformed records instead of failing")
	cmd.Flags().Bool("plain", false, "print one host:port per line")
	return cmd
}
