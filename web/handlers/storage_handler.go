package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/sessions"
	"github.com/yeti47/chunkvault/settings"
)

// StorageHandler exposes capacity, eviction and the settings record.
type StorageHandler struct {
	logger         logging.Logger
	service        *sessions.Service
	targetFraction float64
}

func NewStorageHandler(logger logging.Logger, service *sessions.Service, targetFraction float64) *StorageHandler {
	return &StorageHandler{logger: logging.OrNop(logger), service: service, targetFraction: targetFraction}
}

// GetStorage handles GET /api/storage
func (h *StorageHandler) GetStorage(c *gin.Context) {
	info, err := h.service.StorageInfo(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type evictRequest struct {
	TargetFraction *float64 `json:"target_fraction"`
}

// Evict handles POST /api/storage/evict
func (h *StorageHandler) Evict(c *gin.Context) {
	var req evictRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}
	}

	fraction := h.targetFraction
	if req.TargetFraction != nil {
		if *req.TargetFraction <= 0 || *req.TargetFraction > 1 {
			badRequest(c, "target_fraction must be in (0, 1]")
			return
		}
		fraction = *req.TargetFraction
	}

	result := h.service.Evict(c.Request.Context(), fraction)
	body := gin.H{
		"ran":               result.Ran,
		"evicted":           result.Evicted,
		"reclaimed_bytes":   result.ReclaimedBytes,
		"used_before":       result.UsedBefore,
		"used_after":        result.UsedAfter,
		"capacity_bytes":    result.CapacityBytes,
		"capacity_exceeded": result.CapacityExceeded,
	}
	if result.Err != nil {
		body["message"] = result.Err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// GetSettings handles GET /api/settings
func (h *StorageHandler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Settings())
}

// UpdateSettings handles PUT /api/settings
func (h *StorageHandler) UpdateSettings(c *gin.Context) {
	var partial settings.Partial
	if err := c.ShouldBindJSON(&partial); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	updated, err := h.service.UpdateSettings(c.Request.Context(), partial)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logger.Info("Settings updated via API")
	c.JSON(http.StatusOK, updated)
}
