// Package middleware holds the HTTP middleware shared across routes.
package middleware

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/errdefs"
	"github.com/KostasNoreika/claude-studio/internal/ratelimit"
)

// RateLimit admits requests through the shared limiter under the given
// class, keyed by client address. Every response carries
// X-RateLimit-Limit/Remaining/Reset; a rejected request gets 429 with
// Retry-After.
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			err := limiter.Allow(class, key)

			snap := limiter.Peek(class, key)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprint(snap.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(snap.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprint(snap.Reset.Unix()))

			if err != nil {
				var rle *errdefs.RateLimitError
				if errors.As(err, &rle) {
					retry := time.Until(rle.ResetAt).Seconds()
					if retry < 1 {
						retry = 1
					}
					w.Header().Set("Retry-After", fmt.Sprint(int(retry)))
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":%q,"message":"Too many requests. Please slow down.","retryable":true,"statusCode":429}`,
					errdefs.CodeRateLimit)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller for bucket selection. chi's RealIP
// middleware has already folded X-Real-IP/X-Forwarded-For into RemoteAddr.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
