package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/chittyos/chittybridge/internal/apierr"
	"github.com/chittyos/chittybridge/internal/ratelimit"
)

// rateLimitRule is the sliding-window admission rule applied to every
// authenticated request, keyed by caller org.
var rateLimitRule = ratelimit.Rule{Prefix: "api", Limit: 600, Window: time.Minute}

// rateLimitMiddleware admits requests per-org via a Redis sliding window,
// setting the standard X-RateLimit-* headers and rejecting with 429 plus
// Retry-After once exhausted.
func rateLimitMiddleware(limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := AuthFromContext(r.Context())
		key := auth.OrgID
		if key == "" {
			key = r.RemoteAddr
		}

		result := limiter.Allow(r.Context(), rateLimitRule, key)
		for k, v := range result.FormatHeaders() {
			w.Header().Set(k, v)
		}
		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeErrorResponse(w, r, http.StatusTooManyRequests, apierr.KindRateLimit, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
