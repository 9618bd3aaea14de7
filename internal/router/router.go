package router

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	apiHandler "github.com/pulsedeck/backend/api/handler"
)

type Handlers struct {
	Event     *apiHandler.EventHandler
	Telemetry *apiHandler.TelemetryHandler
	Queue     *apiHandler.QueueHandler
	Health    *apiHandler.HealthHandler
}

func New(handlers Handlers, authMiddleware func(fasthttp.RequestHandler) fasthttp.RequestHandler) *router.Router {
	r := router.New()

	r.GET("/health", handlers.Health.Check)

	// Event bus
	r.POST("/api/v1/events", authMiddleware(handlers.Event.Publish))
	r.POST("/api/v1/events/batch", authMiddleware(handlers.Event.PublishBatch))
	r.GET("/api/v1/events/history", authMiddleware(handlers.Event.History))

	// Telemetry aggregation
	r.POST("/api/v1/telemetry", authMiddleware(handlers.Telemetry.Ingest))
	r.GET("/api/v1/telemetry/aggregations", authMiddleware(handlers.Telemetry.Aggregations))
	r.GET("/api/v1/telemetry/stats", authMiddleware(handlers.Telemetry.Stats))

	// Durable queue operations
	r.GET("/api/v1/queue/stats", authMiddleware(handlers.Queue.Stats))
	r.GET("/api/v1/queue/items", authMiddleware(handlers.Queue.Items))
	r.DELETE("/api/v1/queue/items/{id}", authMiddleware(handlers.Queue.Remove))
	r.POST("/api/v1/queue/failed/clear", authMiddleware(handlers.Queue.ClearFailed))

	return r
}
