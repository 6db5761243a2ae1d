package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/segments"
	"github.com/yeti47/chunkvault/sessions"
)

// SegmentHandler browses and edits stored segments.
type SegmentHandler struct {
	logger  logging.Logger
	service *sessions.Service
}

func NewSegmentHandler(logger logging.Logger, service *sessions.Service) *SegmentHandler {
	return &SegmentHandler{logger: logging.OrNop(logger), service: service}
}

// ListSegments handles GET /api/segments
func (h *SegmentHandler) ListSegments(c *gin.Context) {
	query := segments.Query{
		Tag:       c.Query("tag"),
		SessionID: c.Query("session_id"),
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		query.Limit = limit
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return
		}
		query.Offset = offset
	}
	if stateStr := c.Query("sync_state"); stateStr != "" {
		state, err := segments.ParseSyncState(stateStr)
		if err != nil {
			writeError(c, err)
			return
		}
		query.SyncState = &state
	}

	list, total, err := h.service.ListSegments(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("Failed to list segments", "error", err)
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"segments": list,
		"total":    total,
	})
}

// GetSegment handles GET /api/segments/:id
func (h *SegmentHandler) GetSegment(c *gin.Context) {
	info, err := h.service.GetSegmentInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GetPayload handles GET /api/segments/:id/payload
func (h *SegmentHandler) GetPayload(c *gin.Context) {
	segment, err := h.service.GetSegment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	h.logger.Debug("Serving segment payload", "segment_id", segment.ID, "size", len(segment.Payload))

	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Length", strconv.Itoa(len(segment.Payload)))
	c.Data(http.StatusOK, segment.MimeType, segment.Payload)
}

// UpdateSegment handles PATCH /api/segments/:id
func (h *SegmentHandler) UpdateSegment(c *gin.Context) {
	var update segments.Update
	if err := c.ShouldBindJSON(&update); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}
	if update.SyncState != nil {
		state, err := segments.ParseSyncState(string(*update.SyncState))
		if err != nil {
			writeError(c, err)
			return
		}
		update.SyncState = &state
	}

	info, err := h.service.UpdateSegment(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeleteSegment handles DELETE /api/segments/:id
func (h *SegmentHandler) DeleteSegment(c *gin.Context) {
	confirmed, _ := strconv.ParseBool(c.DefaultQuery("confirm", "false"))

	id := c.Param("id")
	if err := h.service.DeleteSegment(c.Request.Context(), id, confirmed); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
