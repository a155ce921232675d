package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/agenterr"
	"github.com/alecgard/agentrt/internal/auth"
	"github.com/alecgard/agentrt/internal/ratelimit"
	"github.com/alecgard/agentrt/internal/runtime"
)

// agentsHandler serves agent and workflow execution.
type agentsHandler struct {
	rt *runtime.Orchestrator
}

func newAgentsHandler(rt *runtime.Orchestrator) *agentsHandler {
	return &agentsHandler{rt: rt}
}

// executeRequest is the body of execute and run requests.
type executeRequest struct {
	Input   json.RawMessage   `json:"input"`
	Context agent.CallContext `json:"context"`
}

func decodeExecute(w http.ResponseWriter, r *http.Request) (executeRequest, bool) {
	var req executeRequest
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
		return req, false
	}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && req.Context.UserID == "" {
		req.Context.UserID = p.Name
	}
	return req, true
}

// ListAgents handles GET /api/v1/agents.
func (h *agentsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": h.rt.Registry().List()})
}

// InvalidateCache handles DELETE /api/v1/agents/{name}/cache.
func (h *agentsHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.rt.Registry().Lookup(name); !ok {
		writeError(w, http.StatusNotFound, string(agenterr.UnknownAgent), "agent not found")
		return
	}
	n := h.rt.InvalidateCache(r.Context(), name)
	writeJSON(w, http.StatusOK, map[string]any{"agent": name, "invalidated": n})
}

// ListWorkflows handles GET /api/v1/workflows.
func (h *agentsHandler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": h.rt.Registry().Workflows()})
}

// GetAgent handles GET /api/v1/agents/{name}: registration, effective
// settings and live resilience state.
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry, ok := h.rt.Registry().Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, string(agenterr.UnknownAgent), "agent not found")
		return
	}
	st := h.rt.Settings(name)
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        entry.Name,
		"description": entry.Description,
		"provider":    firstNonEmpty(st.Provider, entry.Provider),
		"model":       firstNonEmpty(st.Model, entry.Model),
		"providers":   entry.Providers(),
		"settings": map[string]any{
			"timeout_ms":   st.Timeout.Milliseconds(),
			"max_retries":  st.Retry.MaxRetries,
			"cache_ttl_ms": st.CacheTTL.Milliseconds(),
			"rate_limit":   st.RateLimit,
		},
		"rate_limit": h.rt.RateLimitStatus(name),
		"circuit":    h.rt.CircuitStatus(name),
	})
}

// Execute handles POST /api/v1/agents/{name}/execute.
func (h *agentsHandler) Execute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req, ok := decodeExecute(w, r)
	if !ok {
		return
	}

	res := h.rt.Execute(r.Context(), name, req.Input, req.Context)
	if res.Error == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	switch res.Error.Kind {
	case agenterr.UnknownAgent:
		writeError(w, http.StatusNotFound, string(res.Error.Kind), res.Error.Message)
		return
	case agenterr.RateLimited:
		ratelimit.SetHeaders(w, h.rt.RateLimitStatus(name))
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(res.Error.RetryAfterMs), 10))
	case agenterr.CircuitOpen:
		w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(res.Error.RetryAfterMs), 10))
	}
	writeJSON(w, statusFor(res.Error), res)
}

// RunWorkflow handles POST /api/v1/workflows/{name}/run.
func (h *agentsHandler) RunWorkflow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	req, ok := decodeExecute(w, r)
	if !ok {
		return
	}

	res := h.rt.OrchestrateWorkflow(r.Context(), name, req.Input, req.Context)
	if res.Error != nil && res.Error.Kind == agenterr.UnknownAgent && len(res.Steps) == 0 && res.FailedStep == "" {
		writeError(w, http.StatusNotFound, string(res.Error.Kind), res.Error.Message)
		return
	}
	writeJSON(w, statusFor(res.Error), res)
}

func retryAfterSeconds(ms int64) int64 {
	s := (ms + 999) / 1000
	if s < 1 {
		s = 1
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
