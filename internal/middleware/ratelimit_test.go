package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/ratelimit"
)

func newTestLimiter(rate float64, burst int) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		Limits: map[ratelimit.Class]ratelimit.Limit{
			ratelimit.ClassGeneral: {Rate: rate, Burst: burst},
		},
		IdleExpiry: time.Hour,
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitStampsHeaders(t *testing.T) {
	limiter := newTestLimiter(10, 5)
	h := RateLimit(limiter, ratelimit.ClassGeneral)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "5" {
		t.Errorf("limit header = %q", rec.Header().Get("X-RateLimit-Limit"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") == "" || rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("remaining/reset headers missing")
	}
}

func TestRateLimitRejectsWith429AndRetryAfter(t *testing.T) {
	limiter := newTestLimiter(0.1, 1)
	h := RateLimit(limiter, ratelimit.ClassGeneral)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.2:1234"

	first := httptest.NewRecorder()
	h.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	h.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on rejection")
	}
	if body := second.Body.String(); !strings.Contains(body, "rate_limited") {
		t.Errorf("envelope missing code: %s", body)
	}
}

func TestRateLimitKeysClientsIndependently(t *testing.T) {
	limiter := newTestLimiter(0.1, 1)
	h := RateLimit(limiter, ratelimit.ClassGeneral)(okHandler())

	a := httptest.NewRequest(http.MethodGet, "/x", nil)
	a.RemoteAddr = "10.0.0.3:1"
	b := httptest.NewRequest(http.MethodGet, "/x", nil)
	b.RemoteAddr = "10.0.0.4:1"

	recA := httptest.NewRecorder()
	h.ServeHTTP(recA, a)
	recB := httptest.NewRecorder()
	h.ServeHTTP(recB, b)

	if recA.Code != http.StatusOK || recB.Code != http.StatusOK {
		t.Error("distinct clients must not share a bucket")
	}
}
