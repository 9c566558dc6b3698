package conversation

import (
	"errors"
	"fmt"

	"AnalystChat/internal/progress"
	"AnalystChat/internal/session"
)

var (
	// ErrBusy is returned when a submission is made while another is outstanding
	ErrBusy = errors.New("a query is already in progress")
	// ErrSuperseded is returned when the active session changed while a request was in flight
	ErrSuperseded = errors.New("active session changed before the response arrived")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("controller closed")
)

// errorReply is the assistant message shown when a query fails
const errorReply = "Sorry, I encountered an error processing your request. Please try again."

// State is the controller's position in the request cycle
type State int

const (
	StateIdle State = iota
	StateLoaded
	StateAwaitingImmediate
	StateAwaitingProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoaded:
		return "loaded"
	case StateAwaitingImmediate:
		return "awaiting-immediate"
	case StateAwaitingProcessing:
		return "awaiting-processing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Awaiting reports whether a submission is outstanding
func (s State) Awaiting() bool {
	return s == StateAwaitingImmediate || s == StateAwaitingProcessing
}

// Outcome is the result of a successful submission: Immediate or Processing
type Outcome interface {
	outcome()
}

// Immediate carries an answer that arrived with the submission response
type Immediate struct {
	SessionID string
	Message   session.Message
}

// Processing reports that the backend accepted the query as a background job
type Processing struct {
	SessionID string
}

func (Immediate) outcome()  {}
func (Processing) outcome() {}

// View is an immutable snapshot of the conversation for rendering
type View struct {
	// Version increases with every published view; a lower one is stale
	Version   uint64
	State     State
	SessionID string
	Messages  []session.Message
	// Progress holds the events of the live channel, if any
	Progress      []session.ProgressEvent
	HasChannel    bool
	ChannelStatus progress.Status
	Notice        string
}
