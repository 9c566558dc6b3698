package progress

import "fmt"

// Status is the connectivity state of a progress channel
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnected
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusErrored:
		return "errored"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// TransportError reports a failure of the underlying progress transport.
// It is surfaced through Channel.Err, never returned to readers.
type TransportError struct {
	SessionID string
	Op        string // "dial" or "read"
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("progress transport %s [%s]: %v", e.Op, e.SessionID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// MalformedEvent is a progress payload that could not be parsed
type MalformedEvent struct {
	Raw []byte
	Err error
}

func (e *MalformedEvent) Error() string {
	return fmt.Sprintf("malformed progress event: %v", e.Err)
}

func (e *MalformedEvent) Unwrap() error {
	return e.Err
}
