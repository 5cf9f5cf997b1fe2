package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(limit RateLimit) *RateLimiter {
	return NewRateLimiter(limit, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMiddlewareThrottlesOverBudget(t *testing.T) {
	rl := newTestLimiter(RateLimit{RequestsPerSecond: 0.001, Burst: 1})
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/lending/markets", nil)
	req.RemoteAddr = "10.0.0.1:55001"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", second.Code)
	}

	// A different client gets its own bucket.
	other := httptest.NewRequest(http.MethodGet, "/v1/lending/markets", nil)
	other.RemoteAddr = "10.0.0.2:55002"
	third := httptest.NewRecorder()
	handler.ServeHTTP(third, other)
	if third.Code != http.StatusOK {
		t.Fatalf("other client = %d, want 200", third.Code)
	}
}

func TestStaleBucketsAreEvicted(t *testing.T) {
	rl := newTestLimiter(RateLimit{RequestsPerSecond: 1, Burst: 1})
	now := time.Now()
	rl.clockNow = func() time.Time { return now }

	rl.obtain("10.0.0.1")
	if len(rl.visitors) != 1 {
		t.Fatalf("visitors = %d, want 1", len(rl.visitors))
	}

	// Another lookup ten minutes later drops the idle bucket.
	now = now.Add(10 * time.Minute)
	rl.obtain("10.0.0.2")
	if _, ok := rl.visitors["10.0.0.1"]; ok {
		t.Fatal("idle bucket survived eviction")
	}
	if _, ok := rl.visitors["10.0.0.2"]; !ok {
		t.Fatal("active bucket missing")
	}
}

func TestClientIDPrefersForwardingHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:55001"
	if got := clientID(req); got != "10.0.0.1" {
		t.Fatalf("clientID = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.7" {
		t.Fatalf("clientID = %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.2")
	if got := clientID(req); got != "198.51.100.2" {
		t.Fatalf("clientID = %q", got)
	}
}
