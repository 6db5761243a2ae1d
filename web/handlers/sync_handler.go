package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/sessions"
	"github.com/yeti47/chunkvault/transport"
)

// SyncRunner triggers a sync pass. transport.SyncWorker satisfies it.
type SyncRunner interface {
	RunOnce(ctx context.Context) (transport.RunResult, error)
}

// SyncHandler exposes the sync queue. runner may be nil when no remote is configured.
type SyncHandler struct {
	logger  logging.Logger
	service *sessions.Service
	runner  SyncRunner
}

func NewSyncHandler(logger logging.Logger, service *sessions.Service, runner SyncRunner) *SyncHandler {
	return &SyncHandler{logger: logging.OrNop(logger), service: service, runner: runner}
}

type enqueueRequest struct {
	SegmentID string `json:"segment_id" binding:"required"`
	Priority  *int   `json:"priority"`
}

// Enqueue handles POST /api/sync/enqueue
func (h *SyncHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	item, err := h.service.Enqueue(c.Request.Context(), req.SegmentID, req.Priority)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// ListPending handles GET /api/sync/pending
func (h *SyncHandler) ListPending(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return
	}

	items, err := h.service.PendingItems(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// ListFailed handles GET /api/sync/failed
func (h *SyncHandler) ListFailed(c *gin.Context) {
	items, err := h.service.FailedItems(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Requeue handles POST /api/sync/:id/requeue
func (h *SyncHandler) Requeue(c *gin.Context) {
	item, err := h.service.Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// Run handles POST /api/sync/run
func (h *SyncHandler) Run(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": categoryUnavailable, "message": "remote sync is not configured"})
		return
	}

	result, err := h.runner.RunOnce(c.Request.Context())
	if err != nil {
		h.logger.Error("Manual sync pass failed", "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
