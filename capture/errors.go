package capture

import (
	"errors"
	"fmt"
)

// UnavailableError is returned when the capture primitive cannot be acquired,
// e.g. the encoder binary is missing or the device permission was denied.
type UnavailableError struct {
	Reason string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture unavailable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("capture unavailable: %s", e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func NewUnavailableError(reason string, err error) *UnavailableError {
	return &UnavailableError{Reason: reason, Err: err}
}

func IsUnavailableError(err error) bool {
	var target *UnavailableError
	return errors.As(err, &target)
}

var (
	ErrAlreadyStarted = errors.New("capture instance already started")
	ErrNotStarted     = errors.New("capture instance not started")
	ErrStopped        = errors.New("capture instance stopped")
)
