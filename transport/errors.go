package transport

import (
	"errors"
	"fmt"
)

// UploadError is a failed delivery to the remote. Recoverable errors (network
// failures, 5xx responses) are worth retrying; others are not.
type UploadError struct {
	StatusCode    int
	IsRecoverable bool
	InnerError    error
}

func (e *UploadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upload failed with status %d: %v", e.StatusCode, e.InnerError)
	}
	return fmt.Sprintf("upload failed: %v", e.InnerError)
}

func (e *UploadError) Unwrap() error {
	return e.InnerError
}

func NewRecoverableUploadError(statusCode int, inner error) *UploadError {
	return &UploadError{StatusCode: statusCode, IsRecoverable: true, InnerError: inner}
}

func NewNonRecoverableUploadError(statusCode int, inner error) *UploadError {
	return &UploadError{StatusCode: statusCode, IsRecoverable: false, InnerError: inner}
}

func IsUploadError(err error) bool {
	var target *UploadError
	return errors.As(err, &target)
}

// IsRecoverableUploadError reports whether err is an UploadError worth retrying.
func IsRecoverableUploadError(err error) bool {
	var target *UploadError
	if errors.As(err, &target) {
		return target.IsRecoverable
	}
	return false
}
