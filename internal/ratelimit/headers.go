package ratelimit

import (
	"fmt"
	"math"
	"net/http"
)

// SetHeaders writes the rate-limit state of d to the response headers:
//
//	X-RateLimit-Limit      maximum requests allowed in the window
//	X-RateLimit-Remaining  tokens remaining in the current window
//	X-RateLimit-Reset      Unix timestamp when the bucket is fully replenished
//
// Retry-After (whole seconds, rounded up) is added for denied decisions.
func SetHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}
