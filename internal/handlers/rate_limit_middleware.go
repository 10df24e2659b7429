package handlers

import (
	"net/http"
	"time"

	"github.com/medrelay/api/internal/platform/auth"
	"github.com/medrelay/api/internal/platform/httpx"
)

// RateLimitMiddleware throttles requests per caller. Authenticated callers are
// keyed by UID with their own budget, anonymous callers by remote address.
func RateLimitMiddleware(anonymousPerMinute, authenticatedPerMinute int) func(http.Handler) http.Handler {
	anonymous := newSimpleRateLimiter(anonymousPerMinute, time.Minute, nil)
	authenticated := newSimpleRateLimiter(authenticatedPerMinute, time.Minute, nil)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := anonymous
			key := r.RemoteAddr
			if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
				limiter = authenticated
				key = identity.UID
			}
			if limiter != nil && !limiter.Allow(key) {
				w.Header().Set("Retry-After", "60")
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests, retry later", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
