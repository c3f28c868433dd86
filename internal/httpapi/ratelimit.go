package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterMiddleware is a per-IP token bucket, grounded on the
// teacher's RateLimiter in internal/node/middleware.go but backed by
// golang.org/x/time/rate instead of a hand-rolled bucket, with the same
// periodic eviction of stale entries.
type rateLimiterMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	seen     map[string]time.Time
	r        rate.Limit
	burst    int
}

func newRateLimiterMiddleware(ratePerSecond, burst int) *rateLimiterMiddleware {
	m := &rateLimiterMiddleware{
		limiters: make(map[string]*rate.Limiter),
		seen:     make(map[string]time.Time),
		r:        rate.Limit(ratePerSecond),
		burst:    burst,
	}
	go m.evictStaleLoop()
	return m
}

func (m *rateLimiterMiddleware) allow(ip string) bool {
	m.mu.Lock()
	l, ok := m.limiters[ip]
	if !ok {
		l = rate.NewLimiter(m.r, m.burst)
		m.limiters[ip] = l
	}
	m.seen[ip] = time.Now()
	m.mu.Unlock()
	return l.Allow()
}

func (m *rateLimiterMiddleware) evictStaleLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		m.mu.Lock()
		for ip, last := range m.seen {
			if last.Before(cutoff) {
				delete(m.seen, ip)
				delete(m.limiters, ip)
			}
		}
		m.mu.Unlock()
	}
}

func (m *rateLimiterMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return r.RemoteAddr
}
