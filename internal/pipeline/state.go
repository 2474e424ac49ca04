package pipeline

import (
	"fmt"
	"time"
)

// State is a stage of a pipeline run.
type State string

const (
	StateValidating     State = "validating"
	StateDiscovering    State = "discovering"
	StateParsingTargets State = "parsing_targets"
	StateInspecting     State = "inspecting"
	StateDraining       State = "draining"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// allowedTransitions lists the legal successors of each state. Failure is
// only reachable before inspection starts; from then on per-target problems
// are absorbed and the run always drains.
var allowedTransitions = map[State][]State{
	StateValidating:     {StateDiscovering, StateFailed},
	StateDiscovering:    {StateParsingTargets, StateFailed},
	StateParsingTargets: {StateInspecting, StateFailed},
	StateInspecting:     {StateDraining},
	StateDraining:       {StateDone},
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// machine tracks the current state and its history.
type machine struct {
	state   State
	history []Transition
	now     func() time.Time
}

func newMachine(now func() time.Time) *machine {
	return &machine{state: StateValidating, now: now}
}

func (m *machine) transition(to State) error {
	for _, allowed := range allowedTransitions[m.state] {
		if allowed == to {
			m.history = append(m.history, Transition{From: m.state, To: to, At: m.now()})
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid pipeline transition %s -> %s", m.state, to)
}
