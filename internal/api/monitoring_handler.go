package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/agentrt/internal/alert"
	"github.com/alecgard/agentrt/internal/health"
	"github.com/alecgard/agentrt/internal/optimizer"
	"github.com/alecgard/agentrt/internal/runtime"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// monitoringHandler serves the read-only query surface: metrics, calls,
// costs, health, alerts and recommendations.
type monitoringHandler struct {
	rt *runtime.Orchestrator
}

func newMonitoringHandler(rt *runtime.Orchestrator) *monitoringHandler {
	return &monitoringHandler{rt: rt}
}

// parseWindow reads ?window= as a Go duration. Absent means every retained
// record.
func parseWindow(r *http.Request) (time.Duration, error) {
	s := r.URL.Query().Get("window")
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, errors.New("window must be a positive duration such as 1h or 15m")
	}
	return d, nil
}

func (h *monitoringHandler) window(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	d, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", err.Error())
		return 0, false
	}
	return d, true
}

// GetAllMetrics handles GET /api/v1/metrics.
func (h *monitoringHandler) GetAllMetrics(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": h.rt.GetAllMetrics(win),
		"cache":   h.rt.CacheStats(),
	})
}

// GetAgentMetrics handles GET /api/v1/metrics/{agent}.
func (h *monitoringHandler) GetAgentMetrics(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	agent := chi.URLParam(r, "agent")
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": h.rt.GetAgentMetrics(agent, win),
		"errors":  h.rt.ErrorStats(agent),
		"trends":  h.rt.Trends(agent, win),
	})
}

// CompareAgents handles GET /api/v1/metrics/compare?agents=a,b.
func (h *monitoringHandler) CompareAgents(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	var names []string
	for _, n := range strings.Split(r.URL.Query().Get("agents"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		names = h.rt.Registry().Names()
	}
	writeJSON(w, http.StatusOK, h.rt.CompareAgents(names, win))
}

// RecentCalls handles GET /api/v1/calls/recent.
func (h *monitoringHandler) RecentCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_params", "limit must be a positive integer")
			return
		}
		limit = min(l, maxRecentLimit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": h.rt.RecentCalls(limit)})
}

// GetCosts handles GET /api/v1/costs.
func (h *monitoringHandler) GetCosts(w http.ResponseWriter, r *http.Request) {
	win, ok := h.window(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.rt.GetTotalCosts(win))
}

// GetAverageCost handles GET /api/v1/costs/average.
func (h *monitoringHandler) GetAverageCost(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"average_cost": h.rt.GetAverageCost()})
}

// AgentHealth handles GET /api/v1/health/agents. It reports the results of
// the most recent check without calling any agent.
func (h *monitoringHandler) AgentHealth(w http.ResponseWriter, r *http.Request) {
	results := h.rt.LastHealth()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": health.Overall(results),
		"agents": results,
	})
}

// CheckAgents handles POST /api/v1/health/agents/check. It calls every agent
// with its health check input now.
func (h *monitoringHandler) CheckAgents(w http.ResponseWriter, r *http.Request) {
	results := h.rt.CheckHealth(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status": health.Overall(results),
		"agents": results,
	})
}

// ListAlerts handles GET /api/v1/alerts.
func (h *monitoringHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": h.rt.ActiveAlerts()})
}

// AlertsByAgent handles GET /api/v1/alerts/agents/{agent}.
func (h *monitoringHandler) AlertsByAgent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": h.rt.AlertsByAgent(chi.URLParam(r, "agent"))})
}

// ResolveAlert handles POST /api/v1/alerts/{id}/resolve.
func (h *monitoringHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.rt.ResolveAlert(id); err != nil {
		if errors.Is(err, alert.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "alert not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve alert")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "resolved"})
}

// ListRecommendations handles GET /api/v1/recommendations.
func (h *monitoringHandler) ListRecommendations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": h.rt.Recommendations()})
}

type applyRequest struct {
	Recommendation optimizer.Recommendation `json:"recommendation"`
	Approved       bool                     `json:"approved"`
}

// ApplyRecommendation handles POST /api/v1/recommendations/apply.
func (h *monitoringHandler) ApplyRecommendation(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return
	}

	st, err := h.rt.ApplyRecommendation(req.Recommendation, req.Approved)
	switch {
	case errors.Is(err, runtime.ErrNotApproved):
		writeError(w, http.StatusForbidden, "not_approved", err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_recommendation", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":        req.Recommendation.Action.Agent,
		"applied":      req.Recommendation.Action.Kind,
		"cache_ttl_ms": st.CacheTTL.Milliseconds(),
		"max_retries":  st.Retry.MaxRetries,
		"provider":     st.Provider,
		"model":        st.Model,
	})
}
