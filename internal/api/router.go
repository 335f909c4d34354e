// Package api wires the HTTP surface: routing, middleware stack, and the
// operational endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sumandas0/contextd/internal/api/handlers"
	"github.com/sumandas0/contextd/internal/api/middleware"
	"github.com/sumandas0/contextd/internal/core"
	"github.com/sumandas0/contextd/internal/health"
	"github.com/sumandas0/contextd/internal/observability"
)

// RateLimitOptions caps request rates per client address.
type RateLimitOptions struct {
	Enabled  bool
	Requests int
	Period   time.Duration
}

type Router struct {
	engine          *core.Engine
	entityHandler   *handlers.EntityHandler
	temporalHandler *handlers.TemporalHandler
	healthChecker   *health.HealthChecker
	obsManager      *observability.Manager
	rateLimit       RateLimitOptions
}

func NewRouter(
	engine *core.Engine,
	temporal *core.TemporalEngine,
	healthChecker *health.HealthChecker,
	obsManager *observability.Manager,
	rateLimit RateLimitOptions,
) *Router {
	return &Router{
		engine:          engine,
		entityHandler:   handlers.NewEntityHandler(engine),
		temporalHandler: handlers.NewTemporalHandler(temporal),
		healthChecker:   healthChecker,
		obsManager:      obsManager,
		rateLimit:       rateLimit,
	}
}

// SetupRoutes configures all routes and middleware.
func (r *Router) SetupRoutes() http.Handler {
	router := chi.NewRouter()

	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.RealIP)
	router.Use(r.obsManager.GetLogging().LoggingMiddleware())
	router.Use(r.obsManager.GetMetrics().MetricsMiddleware())
	router.Use(chiMiddleware.Recoverer)
	router.Use(middleware.ErrorHandler())

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Use(chiMiddleware.Timeout(60 * time.Second))
	if r.rateLimit.Enabled {
		router.Use(middleware.RateLimit(r.rateLimit.Requests, r.rateLimit.Period))
	}

	router.Get("/health", r.healthCheck)
	router.Get("/ready", r.readinessCheck)
	router.Method(http.MethodGet, "/metrics", r.obsManager.GetMetrics().Handler())

	router.Route("/v1", func(apiRouter chi.Router) {
		apiRouter.Route("/entities", func(entityRouter chi.Router) {
			entityRouter.Post("/", r.entityHandler.CreateEntity)
			entityRouter.Get("/", r.entityHandler.QueryEntities)

			entityRouter.Route("/{entityID}", func(idRouter chi.Router) {
				idRouter.Get("/", r.entityHandler.GetEntity)
				idRouter.Patch("/", r.entityHandler.UpdateEntity)
				idRouter.Delete("/", r.entityHandler.DeleteEntity)
				idRouter.Patch("/attrs/{attrName}", r.entityHandler.UpdateAttribute)
			})
		})

		apiRouter.Route("/temporal/entities/{entityID}", func(temporalRouter chi.Router) {
			temporalRouter.Get("/", r.temporalHandler.QueryTemporal)
			temporalRouter.Post("/attrs", r.temporalHandler.AppendAttributes)
		})
	})

	return router
}

func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	result := r.healthChecker.Check(req.Context())

	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(result)
}

func (r *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	if err := r.engine.Ping(req.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}
