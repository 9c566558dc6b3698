package session

import "math"

// Terminal progress steps. Any of them ends a processing cycle.
const (
	StepFinished  = "Finished"
	StepCompleted = "Completed"
	StepError     = "Error"
)

// ProgressEvent is one step notification emitted while a query is processed
type ProgressEvent struct {
	Step       string `json:"step"`
	StepNumber *int   `json:"step_number,omitempty"`
	TotalSteps *int   `json:"total_steps,omitempty"`
	Message    string `json:"message"`
	// Timestamp is kept as sent; together with Step it identifies the event.
	Timestamp string `json:"timestamp"`
}

// EventKey is the deduplication identity of a progress event
type EventKey struct {
	Timestamp string
	Step      string
}

// Key returns the deduplication identity of e
func (e ProgressEvent) Key() EventKey {
	return EventKey{Timestamp: e.Timestamp, Step: e.Step}
}

// IsTerminal reports whether e ends the processing cycle
func (e ProgressEvent) IsTerminal() bool {
	return IsTerminalStep(e.Step)
}

// IsFailure reports whether e reports a failed processing cycle
func (e ProgressEvent) IsFailure() bool {
	return e.Step == StepError
}

// Percent returns completion as a rounded percentage, or 0 when unknown
func (e ProgressEvent) Percent() int {
	if e.StepNumber == nil || e.TotalSteps == nil || *e.StepNumber == 0 || *e.TotalSteps == 0 {
		return 0
	}
	return int(math.Round(float64(*e.StepNumber) / float64(*e.TotalSteps) * 100))
}

// IsTerminalStep reports whether step is in the terminal set
func IsTerminalStep(step string) bool {
	switch step {
	case StepFinished, StepCompleted, StepError:
		return true
	}
	return false
}
