package recording

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is returned by Start when a session is running.
	ErrAlreadyActive = errors.New("recording session already active")
	// ErrNotActive is returned by Stop when no session is running.
	ErrNotActive = errors.New("no active recording session")
)

// CaptureUnavailableError means the capture primitive could not be acquired for a start attempt.
type CaptureUnavailableError struct {
	Err error
}

func (e *CaptureUnavailableError) Error() string {
	return fmt.Sprintf("capture unavailable: %v", e.Err)
}

func (e *CaptureUnavailableError) Unwrap() error {
	return e.Err
}

func NewCaptureUnavailableError(err error) *CaptureUnavailableError {
	return &CaptureUnavailableError{Err: err}
}

func IsCaptureUnavailableError(err error) bool {
	var target *CaptureUnavailableError
	return errors.As(err, &target)
}

// CaptureError is a failure of a running capture. It aborts the session.
type CaptureError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture error during %s (session %s): %v", e.Op, e.SessionID, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func NewCaptureError(sessionID, op string, err error) *CaptureError {
	return &CaptureError{SessionID: sessionID, Op: op, Err: err}
}

func IsCaptureError(err error) bool {
	var target *CaptureError
	return errors.As(err, &target)
}
