package pipeline

import (
	"time"

	"github.com/anstrom/reconpipe/internal/errors"
	"github.com/anstrom/reconpipe/internal/scanning"
)

// Process exit codes.
const (
	ExitSuccess          = 0
	ExitInvalidArguments = 1
	ExitDiscoveryFailure = 2
	ExitPartialFailure   = 3
	ExitTotalFailure     = 4
)

// Summary describes the outcome of a run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	Elapsed    time.Duration
	State      State
	History    []Transition
	OutputPath string
	ReportPath string

	// Target set
	Hosts      int
	Targets    int
	Skipped    int
	Dispatched int
	Parse      scanning.ParseStats

	// Findings by outcome
	OK       int
	Empty    int
	Failed   int
	TimedOut int
	Lost     int

	// Cancelled is set when dispatch stopped before every target was handed out.
	Cancelled bool

	Warnings []string
	Err      error
}

// Succeeded returns the number of inspections that completed successfully.
func (s *Summary) Succeeded() int {
	return s.OK + s.Empty
}

// Degraded returns the number of targets recorded with a failure status.
func (s *Summary) Degraded() int {
	return s.Failed + s.TimedOut
}

// Path returns the visited states in order.
func (s *Summary) Path() []State {
	states := []State{StateValidating}
	for _, t := range s.History {
		states = append(states, t.To)
	}
	return states
}

// ExitCode maps the run outcome to a process exit code.
func (s *Summary) ExitCode() int {
	if s.Err != nil {
		return ExitCodeFor(s.Err)
	}

	pending := s.Targets - s.Skipped
	if pending <= 0 {
		return ExitSuccess
	}
	if s.Degraded() == 0 && s.Lost == 0 && !s.Cancelled {
		return ExitSuccess
	}
	if s.OK > 0 || s.Empty > 0 {
		return ExitPartialFailure
	}
	return ExitTotalFailure
}

// ExitCodeFor maps a fatal run error to a process exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.IsConfig(err), errors.IsCode(err, errors.CodeSinkWrite):
		// The result log could not be opened: the output path is unusable.
		return ExitInvalidArguments
	default:
		// Everything fatal that is not bad input happens while producing the
		// target set: missing tools, sweeper failures and unusable reports.
		return ExitDiscoveryFailure
	}
}
