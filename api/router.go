package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge/flowforge/engine"
	"github.com/flowforge/flowforge/graph"
	"github.com/flowforge/flowforge/store"
)

// Config holds configuration for the API layer.
type Config struct {
	// GenerateRateLimit is the maximum number of requests per minute per IP
	// allowed on the workflow generation endpoint. Defaults to 10 when zero.
	GenerateRateLimit int
}

// Deps groups the collaborators the API layer exposes.
type Deps struct {
	Store   store.Store
	Planner WorkflowPlanner
	Builder *graph.Builder
	Engine  *engine.Engine
	Metrics *engine.Metrics
	Logger  *slog.Logger

	// Background is the context background run goroutines inherit.
	Background context.Context
}

// Router wires all API v1 routes. Close releases the rate limiter's cleanup
// goroutine.
type Router struct {
	http.Handler
	limiter *rateLimiterStore
}

// Close stops background goroutines owned by the router.
func (rt *Router) Close() {
	if rt.limiter != nil {
		rt.limiter.stop()
	}
}

// NewRouter creates the API v1 router.
func NewRouter(deps Deps, cfg Config) *Router {
	mux := http.NewServeMux()

	if cfg.GenerateRateLimit <= 0 {
		cfg.GenerateRateLimit = 10
	}
	limiter := newRateLimiterStore(cfg.GenerateRateLimit)
	generateRL := rateLimit(limiter)

	wfH := NewWorkflowHandler(deps.Store, deps.Planner, deps.Builder, deps.Logger)
	mux.Handle("POST /api/v1/workflows/generate", generateRL(http.HandlerFunc(wfH.Generate)))
	mux.HandleFunc("POST /api/v1/workflows", wfH.Save)
	mux.HandleFunc("GET /api/v1/workflows/{id}", wfH.Get)
	mux.HandleFunc("DELETE /api/v1/workflows/{id}", wfH.Delete)

	runH := NewRunHandler(deps.Store, deps.Engine, deps.Background, deps.Logger)
	mux.HandleFunc("POST /api/v1/workflows/{id}/execute", runH.Execute)
	mux.HandleFunc("GET /api/v1/runs/{id}", runH.Get)
	mux.HandleFunc("POST /api/v1/runs/{id}/pause", runH.Pause)
	mux.HandleFunc("POST /api/v1/runs/{id}/resume", runH.Resume)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", runH.Cancel)
	mux.HandleFunc("GET /api/v1/runs/{id}/stream", runH.Stream)

	if deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return &Router{Handler: mux, limiter: limiter}
}
