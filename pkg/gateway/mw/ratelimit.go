package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/voxlane/voxlane/pkg/gateway/apierror"
	"github.com/voxlane/voxlane/pkg/gateway/metrics"
	"github.com/voxlane/voxlane/pkg/gateway/ratelimit"
)

// RateLimit applies the per-caller token bucket to mutating routes. The
// key is the caller's API key when authenticated, otherwise the remote
// address, so anonymous callers cannot starve each other cross-host.
func RateLimit(limiter *ratelimit.Limiter, m *metrics.Metrics, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health and read-only endpoints must remain cheap and reliable.
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		key := "anonymous"
		if apiKey, ok := APIKeyFrom(r.Context()); ok {
			key = ratelimit.KeyFromAPIKey(apiKey)
		} else if host := remoteHost(r); host != "" {
			key = "ip_" + host
		}

		dec := limiter.Allow(key, time.Now())
		if !dec.Allowed {
			m.RecordRateLimitHit("request")
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeJSONError(w, http.StatusTooManyRequests, &apierror.Error{
				Type:      apierror.ErrRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
