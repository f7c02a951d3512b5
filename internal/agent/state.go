// internal/agent/state.go
package agent

import "time"

// Phase is the run's position in its state machine:
// Idle -> Running -> {Done, Stopped, Aborted}.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRunning
	PhaseDone
	PhaseStopped
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRunning:
		return "running"
	case PhaseDone:
		return "done"
	case PhaseStopped:
		return "stopped"
	case PhaseAborted:
		return "aborted"
	}
	return "unknown"
}

// Terminal reports whether p is absorbing.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseStopped || p == PhaseAborted
}

// RunState is the externally observable state of a run.
type RunState struct {
	RunID      string
	Goal       string
	Phase      Phase
	Running    bool
	Step       int
	MaxSteps   int
	Result     string
	Reason     StopReason
	StartedAt  time.Time
	FinishedAt time.Time
}

// Outcome is what a finished run reports. Result is the single user-visible
// outcome string; Err carries the cause for Aborted and lost-environment runs.
type Outcome struct {
	Phase  Phase
	Steps  int
	Result string
	Reason StopReason
	Err    error
}
