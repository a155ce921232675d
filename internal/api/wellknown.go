package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/agentrt.json.
const wellKnownManifest = `{
  "name": "agentrt",
  "description": "Agent execution and resilience runtime",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "endpoints": {
    "agents": "/api/v1/agents",
    "execute": "/api/v1/agents/{name}/execute",
    "workflows": "/api/v1/workflows",
    "run": "/api/v1/workflows/{name}/run",
    "metrics": "/api/v1/metrics",
    "recent_calls": "/api/v1/calls/recent",
    "costs": "/api/v1/costs",
    "alerts": "/api/v1/alerts",
    "recommendations": "/api/v1/recommendations",
    "usage": "/api/v1/usage"
  },
  "health": "/health",
  "prometheus": "/metrics"
}`

// WellKnownHandler returns the static well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
