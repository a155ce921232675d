package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/agentrt/internal/auth"
	"github.com/alecgard/agentrt/internal/health"
	"github.com/alecgard/agentrt/internal/metrics"
	"github.com/alecgard/agentrt/internal/runtime"
)

// Pinger reports database reachability. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Runtime *runtime.Orchestrator
	// Usage serves the archive; nil when no database is configured.
	Usage   UsageStore
	DBPool  Pinger
	Metrics *metrics.Metrics
	// Keys authenticates /api/v1 requests; nil leaves the API open.
	Keys *auth.Keyring

	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	agents := newAgentsHandler(deps.Runtime)
	mon := newMonitoringHandler(deps.Runtime)

	r.Get("/health", healthHandler(deps.Runtime, deps.DBPool))
	r.Get("/.well-known/agentrt.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(ar chi.Router) {
		ar.Use(auth.Middleware(deps.Keys))
		admin := auth.RequireAdmin(deps.Keys)

		// Execution.
		ar.Get("/agents", agents.ListAgents)
		ar.Get("/agents/{name}", agents.GetAgent)
		ar.Post("/agents/{name}/execute", agents.Execute)
		ar.With(admin).Delete("/agents/{name}/cache", agents.InvalidateCache)
		ar.Get("/workflows", agents.ListWorkflows)
		ar.Post("/workflows/{name}/run", agents.RunWorkflow)

		// Metrics and calls.
		ar.Get("/metrics", mon.GetAllMetrics)
		ar.Get("/metrics/compare", mon.CompareAgents)
		if deps.Metrics != nil {
			ar.Get("/metrics/live", deps.Metrics.Handler())
		}
		ar.Get("/metrics/{agent}", mon.GetAgentMetrics)
		ar.Get("/calls/recent", mon.RecentCalls)

		// Costs.
		ar.Get("/costs", mon.GetCosts)
		ar.Get("/costs/average", mon.GetAverageCost)

		// Health and alerts.
		ar.Get("/health/agents", mon.AgentHealth)
		ar.With(admin).Post("/health/agents/check", mon.CheckAgents)
		ar.Get("/alerts", mon.ListAlerts)
		ar.Get("/alerts/agents/{agent}", mon.AlertsByAgent)
		ar.With(admin).Post("/alerts/{id}/resolve", mon.ResolveAlert)

		// Optimizer.
		ar.Get("/recommendations", mon.ListRecommendations)
		ar.With(admin).Post("/recommendations/apply", mon.ApplyRecommendation)

		// Archive.
		if deps.Usage != nil {
			usage := newUsageHandler(deps.Usage)
			ar.Get("/usage", usage.GetUsage)
			ar.Get("/usage/calls", usage.ListCalls)
		}
	})

	return r
}

// healthHandler reports liveness plus the last agent health check and, when
// an archive is configured, database reachability.
func healthHandler(rt *runtime.Orchestrator, db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{
			"status": "ok",
			"agents": string(health.Overall(rt.LastHealth())),
		}
		status := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				slog.Warn("health check database ping failed", "error", err)
				body["status"] = "degraded"
				body["database"] = "unavailable"
				status = http.StatusServiceUnavailable
			} else {
				body["database"] = "connected"
			}
		}
		writeJSON(w, status, body)
	}
}

// slogRequestLogger is a simple structured logging middleware using slog.
func slogRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", ww.BytesWritten(),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
