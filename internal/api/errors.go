package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/alecgard/agentrt/internal/agenterr"
	"github.com/alecgard/agentrt/internal/runtime"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v any) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// statusFor maps a call failure onto an HTTP status.
//
//	unknown_agent                   404
//	invalid input                   400
//	rate_limited                    429
//	circuit_open                    503
//	timeout                         504
//	transient, terminal, exhausted  502
func statusFor(info *runtime.ErrorInfo) int {
	if info == nil {
		return http.StatusOK
	}
	if info.InvalidInput {
		return http.StatusBadRequest
	}
	switch info.Kind {
	case agenterr.UnknownAgent:
		return http.StatusNotFound
	case agenterr.RateLimited:
		return http.StatusTooManyRequests
	case agenterr.CircuitOpen:
		return http.StatusServiceUnavailable
	case agenterr.Timeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
