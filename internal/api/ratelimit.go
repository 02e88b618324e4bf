package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/landrop/landrop/internal/metrics"
)

const evictAfter = 3 * time.Minute

// ipLimiter is a token bucket plus the last time the client was seen,
// so idle entries can be evicted.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*ipLimiter
	rps       int
	lastSweep time.Time
}

func newRateLimiter(rps int) *rateLimiter {
	return &rateLimiter{
		clients:   make(map[string]*ipLimiter),
		rps:       rps,
		lastSweep: time.Now(),
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	// Sweeping piggybacks on request handling so no background goroutine
	// is needed; a minute of idle buckets is cheap to keep around.
	if now.Sub(rl.lastSweep) > time.Minute {
		rl.evict(now)
	}

	client, ok := rl.clients[ip]
	if !ok {
		client = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.rps)}
		rl.clients[ip] = client
	}
	client.lastSeen = now
	return client.limiter.Allow()
}

// evict drops clients idle past the eviction window. Caller holds mu.
func (rl *rateLimiter) evict(now time.Time) {
	cutoff := now.Add(-evictAfter)
	for ip, client := range rl.clients {
		if client.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
	rl.lastSweep = now
}

// rateLimited wraps next with a per-client-IP request limit. A rate of
// zero or less disables limiting.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	if s.rateLimit <= 0 {
		return next
	}
	rl := newRateLimiter(s.rateLimit)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.allow(ip) {
			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", "1")
			s.sendError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
