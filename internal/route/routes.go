package route

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"

	"saltdetect/internal/config"
	"saltdetect/internal/handler"
	"saltdetect/internal/logger"
	"saltdetect/internal/metrics"
	"saltdetect/internal/middleware"
	"saltdetect/internal/repository"
	"saltdetect/internal/service/stream"
	"saltdetect/internal/service/websocket"
)

// Dependencies are the services the HTTP surface is built from.
type Dependencies struct {
	Stream     stream.Deps
	Model      handler.ModelStatus
	Hub        *websocket.HubService
	Sessions   repository.SessionRepository
	Batches    repository.BatchRepository
	Detections repository.DetectionRepository
	Statistics repository.StatisticsRepository
	Metrics    *metrics.Metrics
}

// SetupRoutes registers the stream endpoint, the REST API, metrics and log endpoints,
// and wraps the router with the origin check.
func SetupRoutes(cfg *config.Config, logger *logger.Logger, deps Dependencies) http.Handler {
	router := httprouter.New()

	// Every API route shares one per-IP budget
	limited := func(h http.Handler) http.Handler { return h }
	if cfg.APIRateLimit > 0 {
		limited = httprate.Limit(cfg.APIRateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	}
	api := func(method, path string, h http.HandlerFunc) {
		router.Handler(method, path, limited(h))
	}

	// Stream endpoint
	router.HandlerFunc(http.MethodGet, "/ws/detection", handler.StreamWebsocketHandler(cfg, deps.Stream, deps.Hub))

	// API endpoints
	api(http.MethodGet, "/api/health", handler.HealthHandler(deps.Model, deps.Hub))
	api(http.MethodGet, "/api/sessions/:id", handler.GetSessionHandler(deps.Sessions, logger))
	api(http.MethodGet, "/api/sessions/:id/batches", handler.GetSessionBatchesHandler(deps.Sessions, deps.Batches, logger))
	api(http.MethodGet, "/api/batches", handler.ListBatchesHandler(deps.Batches, logger))
	api(http.MethodGet, "/api/batches/:id", handler.GetBatchHandler(deps.Batches, logger))
	api(http.MethodDelete, "/api/batches/:id", handler.DeleteBatchHandler(deps.Batches, logger))
	api(http.MethodGet, "/api/detections", handler.ListDetectionsHandler(deps.Detections, logger))
	api(http.MethodGet, "/api/statistics/summary", handler.StatisticsSummaryHandler(deps.Statistics, logger))

	// Metrics
	router.Handler(http.MethodGet, "/metrics", deps.Metrics.Handler())

	// Log endpoints
	router.HandlerFunc(http.MethodGet, "/logs/:level", handler.ShowLogsHandler(cfg))
	router.HandlerFunc(http.MethodPost, "/logs/:level/clear", handler.ClearLogsHandler(logger))

	return middleware.OriginMiddleware(cfg.AllowedOrigins)(router)
}
