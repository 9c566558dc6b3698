package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable covers network failures and 5xx responses
	ErrRemoteUnavailable = errors.New("remote unavailable")
	// ErrSessionNotFound is returned for stale or deleted session ids
	ErrSessionNotFound = errors.New("session not found")
	// ErrRequestRejected covers 4xx responses other than 404
	ErrRequestRejected = errors.New("request rejected")
	// ErrBadResponse is returned when a response body cannot be decoded
	ErrBadResponse = errors.New("malformed response")
	// ErrValidation is returned for input rejected before any request is sent
	ErrValidation = errors.New("validation failed")
)

// RequestError describes a failed backend call
type RequestError struct {
	Op         string // "submit_query", "list_sessions", ...
	Path       string
	StatusCode int // 0 when no response was received
	Kind       error
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %v (HTTP %d): %v", e.Op, e.Path, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the classification sentinel and the cause
func (e *RequestError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// ValidationError is returned for input rejected before any request is sent
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// classifyStatus maps an HTTP status code onto the error taxonomy
func classifyStatus(code int) error {
	switch {
	case code == 404:
		return ErrSessionNotFound
	case code >= 500:
		return ErrRemoteUnavailable
	case code >= 400:
		return ErrRequestRejected
	}
	return nil
}
