// internal/agent/errors.go
package agent

import "errors"

var (
	// ErrEnvironmentLost means the controlled tab could not be resolved or disappeared mid-run.
	ErrEnvironmentLost = errors.New("environment lost")
	// ErrRunActive is returned by Start under the reject policy while a run is active.
	ErrRunActive = errors.New("a run is already active for this environment")
	// ErrEmptyGoal is returned by Start when no goal is given.
	ErrEmptyGoal = errors.New("goal must not be empty")
)

// StopReason records why a run left the Running phase.
type StopReason string

const (
	ReasonNone            StopReason = ""
	ReasonGoalReached     StopReason = "GOAL_REACHED"
	ReasonConfirmation    StopReason = "CONFIRMATION_REQUIRED"
	ReasonStopRequested   StopReason = "STOP_REQUESTED"
	ReasonSuperseded      StopReason = "SUPERSEDED"
	ReasonEnvironmentLost StopReason = "ENVIRONMENT_LOST"
	ReasonStepBudget      StopReason = "STEP_BUDGET_EXHAUSTED"
	ReasonCanceled        StopReason = "CONTEXT_CANCELED"
	ReasonProtocolError   StopReason = "PROTOCOL_ERROR"
)
