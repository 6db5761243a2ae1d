package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeti47/chunkvault/recording"
	"github.com/yeti47/chunkvault/segments"
	"github.com/yeti47/chunkvault/sessions"
	"github.com/yeti47/chunkvault/settings"
	"github.com/yeti47/chunkvault/syncqueue"
)

const (
	categoryNotFound             = "not_found"
	categoryValidation           = "validation"
	categoryAlreadyActive        = "already_active"
	categoryNotActive            = "not_active"
	categoryCaptureUnavailable   = "capture_unavailable"
	categoryConfirmationRequired = "confirmation_required"
	categoryInvalidState         = "invalid_state"
	categoryUnavailable          = "unavailable"
	categoryInternal             = "internal"
)

// classifyError maps a domain error to an HTTP status and an error category.
func classifyError(err error) (int, string) {
	switch {
	case segments.IsNotFoundError(err), syncqueue.IsNotFoundError(err):
		return http.StatusNotFound, categoryNotFound
	case segments.IsValidationError(err), settings.IsValidationError(err):
		return http.StatusBadRequest, categoryValidation
	case errors.Is(err, recording.ErrAlreadyActive):
		return http.StatusConflict, categoryAlreadyActive
	case errors.Is(err, recording.ErrNotActive):
		return http.StatusConflict, categoryNotActive
	case recording.IsCaptureUnavailableError(err):
		return http.StatusServiceUnavailable, categoryCaptureUnavailable
	case sessions.IsConfirmationRequiredError(err):
		return http.StatusConflict, categoryConfirmationRequired
	case syncqueue.IsInvalidStateError(err):
		return http.StatusConflict, categoryInvalidState
	case errors.Is(err, sessions.ErrQueueDisabled):
		return http.StatusServiceUnavailable, categoryUnavailable
	default:
		return http.StatusInternalServerError, categoryInternal
	}
}

func writeError(c *gin.Context, err error) {
	status, category := classifyError(err)
	c.JSON(status, gin.H{"error": category, "message": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": categoryValidation, "message": message})
}
