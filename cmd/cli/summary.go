package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/reconpipe/internal/pipeline"
	"github.com/anstrom/reconpipe/internal/scanning"
)

// printSummary renders the outcome of a run as a table.
func printSummary(w io.Writer, s *pipeline.Summary) {
	table := tablewriter.NewWriter(w)
	table.Header("Run", s.RunID)

	rows := [][]string{
		{"State", string(s.State)},
		{"Hosts", strconv.Itoa(s.Hosts)},
		{"Targets", strconv.Itoa(s.Targets)},
	}
	if s.Skipped > 0 {
		rows = append(rows, []string{"Resumed", strconv.Itoa(s.Skipped)})
	}
	rows = append(rows,
		[]string{"Inspected", strconv.Itoa(s.Dispatched)},
		[]string{"OK", strconv.Itoa(s.OK)},
		[]string{"Empty", strconv.Itoa(s.Empty)},
		[]string{"Failed", strconv.Itoa(s.Failed)},
		[]string{"Timed out", strconv.Itoa(s.TimedOut)},
		[]string{"Lost", strconv.Itoa(s.Lost)},
		[]string{"Result log", s.OutputPath},
		[]string{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
		[]string{"Exit code", strconv.Itoa(s.ExitCode())},
	)
	if s.Cancelled {
		rows = append(rows, []string{"Cancelled", "yes"})
	}
	if s.Err != nil {
		rows = append(rows, []string{"Error", s.Err.Error()})
	}

	for _, row := range rows {
		_ = table.Append(row)
	}
	_ = table.Render()

	for _, warning := range s.Warnings {
		fmt.Fprintf(w, "Warning: %s\n", warning)
	}
}

// printTargets renders a target set as a table.
func printTargets(w io.Writer, jobs []scanning.ScanJob) {
	table := tablewriter.NewWriter(w)
	table.Header("Address", "Port")
	for _, job := range jobs {
		_ = table.Append([]string{job.Address, strconv.Itoa(int(job.Port))})
	}
	_ = table.Render()
}

// printParseStats renders the counters of a report parse.
func printParseStats(w io.Writer, stats scanning.ParseStats) {
	table := tablewriter.NewWriter(w)
	table.Header("Report", "Count")
	for _, row := range [][]string{
		{"Host records", strconv.Itoa(stats.Hosts)},
		{"Empty host records", strconv.Itoa(stats.EmptyHosts)},
		{"Port records", strconv.Itoa(stats.Ports)},
		{"Not open", strconv.Itoa(stats.NotOpen)},
		{"Duplicates", strconv.Itoa(stats.Duplicates)},
		{"Skipped", strconv.Itoa(stats.Skipped)},
	} {
		_ = table.Append(row)
	}
	_ = table.Render()
}
