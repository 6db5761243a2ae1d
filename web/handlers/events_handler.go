package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/events"
)

const (
	eventBufferSize   = 64
	keepAliveInterval = 15 * time.Second
)

// EventsHandler streams bus events to browsers as server-sent events.
type EventsHandler struct {
	logger logging.Logger
	bus    *events.Bus
}

func NewEventsHandler(logger logging.Logger, bus *events.Bus) *EventsHandler {
	return &EventsHandler{logger: logging.OrNop(logger), bus: bus}
}

// Stream handles GET /api/events
func (h *EventsHandler) Stream(c *gin.Context) {
	ch := make(chan events.Event, eventBufferSize)
	id := h.bus.SubscribeAll(func(e events.Event) {
		select {
		case ch <- e:
		default:
			// slow client, drop rather than block publishers
		}
	})
	defer h.bus.Unsubscribe(id)

	h.logger.Debug("Event stream opened", "subscription", id)

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-ch:
			c.SSEvent(e.EventType(), e)
			return true
		case <-keepAlive.C:
			c.SSEvent("keepalive", gin.H{"at": time.Now()})
			return true
		}
	})

	h.logger.Debug("Event stream closed", "subscription", id)
}
