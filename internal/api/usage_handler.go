package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/agentrt/internal/metering"
)

// UsageStore reads the call record archive.
type UsageStore interface {
	GetSummary(ctx context.Context, q metering.UsageQuery) (*metering.UsageSummary, error)
	ListCalls(ctx context.Context, q metering.UsageQuery) ([]*metering.CallRecord, string, error)
}

// usageHandler serves archived usage queries.
type usageHandler struct {
	store UsageStore
}

func newUsageHandler(store UsageStore) *usageHandler {
	return &usageHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// buildUsageQuery constructs a UsageQuery from query params.
func buildUsageQuery(r *http.Request) (*metering.UsageQuery, error) {
	q := &metering.UsageQuery{}
	params := r.URL.Query()

	if agentParam := params.Get("agent"); agentParam != "" {
		if strings.Contains(agentParam, ",") {
			q.Agents = strings.Split(agentParam, ",")
		} else {
			q.Agent = agentParam
		}
	}
	q.Provider = params.Get("provider")

	from, err := parseTimeParam(params.Get("from"))
	if err != nil {
		return nil, err
	}
	q.From = from

	to, err := parseTimeParam(params.Get("to"))
	if err != nil {
		return nil, err
	}
	q.To = to

	q.Cursor = params.Get("cursor")

	if limitStr := params.Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil {
			return nil, lErr
		}
		if l < 1 {
			return nil, strconv.ErrRange
		}
		q.Limit = l
	}

	return q, nil
}

// GetUsage handles GET /api/v1/usage.
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	summary, err := h.store.GetSummary(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListCalls handles GET /api/v1/usage/calls.
func (h *usageHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	calls, next, err := h.store.ListCalls(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list calls")
		return
	}
	if calls == nil {
		calls = []*metering.CallRecord{}
	}

	resp := map[string]any{"calls": calls}
	if next != "" {
		resp["next_cursor"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}
