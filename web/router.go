package web

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/events"
	"github.com/yeti47/chunkvault/metrics"
	"github.com/yeti47/chunkvault/segments"
	"github.com/yeti47/chunkvault/sessions"
	"github.com/yeti47/chunkvault/web/handlers"
	"github.com/yeti47/chunkvault/web/middleware"
)

type RouterOptions struct {
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
	TargetFraction float64
	// Metrics enables /metrics and request instrumentation when set.
	Metrics *metrics.Metrics
	// Runner serves POST /api/sync/run. Nil answers 503.
	Runner handlers.SyncRunner
}

// NewRouter builds the HTTP API over the recorder service.
func NewRouter(logger logging.Logger, service *sessions.Service, bus *events.Bus, opts RouterOptions) *gin.Engine {
	logger = logging.OrNop(logger)
	if opts.TargetFraction <= 0 || opts.TargetFraction > 1 {
		opts.TargetFraction = segments.DefaultTargetFraction
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	if opts.Metrics != nil {
		router.Use(middleware.Metrics(opts.Metrics))
	}

	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-API-Key"},
	}
	if len(opts.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	}
	router.Use(cors.New(corsConfig))

	sessionHandler := handlers.NewSessionHandler(logger, service)
	segmentHandler := handlers.NewSegmentHandler(logger, service)
	storageHandler := handlers.NewStorageHandler(logger, service, opts.TargetFraction)
	syncHandler := handlers.NewSyncHandler(logger, service, opts.Runner)

	setupRoutes(router, sessionHandler, segmentHandler, storageHandler, syncHandler)

	if bus != nil {
		eventsHandler := handlers.NewEventsHandler(logger, bus)
		router.GET("/api/events", eventsHandler.Stream)
	}
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "chunkvault",
			"state":   service.Status().State,
		})
	})

	return router
}

func setupRoutes(router *gin.Engine, sessionHandler *handlers.SessionHandler, segmentHandler *handlers.SegmentHandler,
	storageHandler *handlers.StorageHandler, syncHandler *handlers.SyncHandler) {
	api := router.Group("/api")

	api.POST("/session/start", sessionHandler.StartSession)
	api.POST("/session/stop", sessionHandler.StopSession)
	api.GET("/session", sessionHandler.GetStatus)
	api.PUT("/session/target", sessionHandler.SetTarget)
	api.PUT("/session/overlap", sessionHandler.SetOverlap)

	api.GET("/segments", segmentHandler.ListSegments)
	api.GET("/segments/:id", segmentHandler.GetSegment)
	api.GET("/segments/:id/payload", segmentHandler.GetPayload)
	api.PATCH("/segments/:id", segmentHandler.UpdateSegment)
	api.DELETE("/segments/:id", segmentHandler.DeleteSegment)

	api.GET("/storage", storageHandler.GetStorage)
	api.POST("/storage/evict", storageHandler.Evict)
	api.GET("/settings", storageHandler.GetSettings)
	api.PUT("/settings", storageHandler.UpdateSettings)

	api.POST("/sync/enqueue", syncHandler.Enqueue)
	api.GET("/sync/pending", syncHandler.ListPending)
	api.GET("/sync/failed", syncHandler.ListFailed)
	api.POST("/sync/:id/requeue", syncHandler.Requeue)
	api.POST("/sync/run", syncHandler.Run)
}
