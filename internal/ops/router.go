// Package ops serves the operational HTTP endpoints of the worker: health,
// readiness, the last download run and job metrics.
package ops

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/meteoharvest/meteoharvest/internal/download"
)

// RunSource exposes the last finished download run.
type RunSource interface {
	LastResult() *download.Result
}

// MetricsSource exposes job counters.
type MetricsSource interface {
	MetricsSnapshot() map[string]any
}

// Check reports a dependency failure as an error.
type Check func(ctx context.Context) error

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version   string
	BuildTime string
	Logger    zerolog.Logger

	Runs    RunSource
	Metrics MetricsSource

	// Checks run on every readiness request, keyed by dependency name.
	Checks map[string]Check

	// HTTPMetrics records request instruments when set.
	HTTPMetrics *HTTPMetrics

	// RateLimit is requests per minute per client IP on /v1.
	// Default: 60
	RateLimit int
}

// NewRouter creates the ops router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Tracing)
	r.Use(Logger(cfg.Logger))
	r.Use(Recovery(cfg.Logger))
	r.Use(chimiddleware.RealIP)
	if cfg.HTTPMetrics != nil {
		r.Use(cfg.HTTPMetrics.Middleware)
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 60
	}

	h := &handler{
		version:   cfg.Version,
		buildTime: cfg.BuildTime,
		runs:      cfg.Runs,
		metrics:   cfg.Metrics,
		checks:    cfg.Checks,
	}

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitByIP(limit, time.Minute))
		r.Get("/runs/latest", h.latestRun)
		r.Get("/runs/latest/units", h.latestUnits)
		r.Get("/worker/metrics", h.workerMetrics)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "no such endpoint")
	})

	return r
}
