package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/sessions"
)

// SessionHandler controls the recorder.
type SessionHandler struct {
	logger  logging.Logger
	service *sessions.Service
}

func NewSessionHandler(logger logging.Logger, service *sessions.Service) *SessionHandler {
	return &SessionHandler{logger: logging.OrNop(logger), service: service}
}

type startSessionRequest struct {
	TargetSeconds int `json:"target_seconds"`
}

// StartSession handles POST /api/session/start
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}
	if req.TargetSeconds < 0 {
		badRequest(c, "target_seconds must not be negative")
		return
	}

	sessionID, err := h.service.StartSession(c.Request.Context(), req.TargetSeconds)
	if err != nil {
		h.logger.Warn("Failed to start session", "error", err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id": sessionID,
		"status":     h.service.Status(),
	})
}

// StopSession handles POST /api/session/stop
func (h *SessionHandler) StopSession(c *gin.Context) {
	summary, err := h.service.StopSession(c.Request.Context())
	if err != nil && summary.SessionID == "" {
		writeError(c, err)
		return
	}

	body := gin.H{
		"session_id":             summary.SessionID,
		"total_segments":         summary.TotalSegments,
		"total_duration_seconds": summary.TotalDuration.Seconds(),
		"aborted":                summary.Aborted,
	}
	if err != nil {
		body["message"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// GetStatus handles GET /api/session
func (h *SessionHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

type targetRequest struct {
	Seconds *int `json:"seconds" binding:"required"`
}

// SetTarget handles PUT /api/session/target
func (h *SessionHandler) SetTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.service.SetTargetDuration(c.Request.Context(), *req.Seconds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"target_segment_seconds": updated.TargetSegmentSeconds})
}

type overlapRequest struct {
	Millis *int `json:"ms" binding:"required"`
}

// SetOverlap handles PUT /api/session/overlap
func (h *SessionHandler) SetOverlap(c *gin.Context) {
	var req overlapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.service.SetOverlapDuration(c.Request.Context(), *req.Millis)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"overlap_ms": updated.OverlapMillis})
}
