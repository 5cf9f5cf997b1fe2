// Package middleware holds the HTTP middleware stack for the lending
// gateway: request identification, per-client rate limiting, and request
// metrics.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit configures the per-client token bucket.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// RateLimiter applies a token bucket per client address. Idle buckets are
// evicted after five minutes; eviction runs opportunistically on lookups so
// the limiter owns no background goroutine.
type RateLimiter struct {
	logger   *slog.Logger
	limit    RateLimit
	clockNow func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(limit RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if limit.RequestsPerSecond <= 0 {
		limit.RequestsPerSecond = 1
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	return &RateLimiter{
		logger:    logger,
		limit:     limit,
		clockNow:  time.Now,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
	}
}

// Middleware rejects requests over the client's budget with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := clientID(req)
		if !rl.obtain(id).Allow() {
			rl.logger.Warn("request throttled", slog.String("client", id), slog.String("path", req.URL.Path))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (rl *RateLimiter) obtain(id string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clockNow()
	rl.evictStale(now)
	v, ok := rl.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(rl.limit.RequestsPerSecond), rl.limit.Burst)}
		rl.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter
}

// evictStale drops buckets idle for over five minutes, at most once a
// minute. Caller holds the mutex.
func (rl *RateLimiter) evictStale(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Minute {
		return
	}
	rl.lastSweep = now
	cutoff := now.Add(-5 * time.Minute)
	for id, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, id)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
