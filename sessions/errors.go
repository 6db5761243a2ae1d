package sessions

import (
	"errors"
	"fmt"
)

// ConfirmationRequiredError is returned by DeleteSegment when delete confirmation
// is enabled and the caller did not confirm.
type ConfirmationRequiredError struct {
	SegmentID string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("deleting segment %s requires confirmation", e.SegmentID)
}

func NewConfirmationRequiredError(segmentID string) *ConfirmationRequiredError {
	return &ConfirmationRequiredError{SegmentID: segmentID}
}

func IsConfirmationRequiredError(err error) bool {
	var target *ConfirmationRequiredError
	return errors.As(err, &target)
}
