package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type caller struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type callerRateLimiter struct {
	mu      sync.Mutex
	callers map[string]*caller
	rps     rate.Limit
	burst   int
}

func newCallerRateLimiter(rps float64, burst int) *callerRateLimiter {
	rl := &callerRateLimiter{
		callers: make(map[string]*caller),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *callerRateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, exists := rl.callers[key]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.callers[key] = &caller{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	c.lastSeen = time.Now()
	return c.limiter
}

func (rl *callerRateLimiter) cleanup() {
	for {
		time.Sleep(10 * time.Minute)
		rl.mu.Lock()
		for key, c := range rl.callers {
			if time.Since(c.lastSeen) > 10*time.Minute {
				delete(rl.callers, key)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimit returns middleware that limits requests per caller. Requests
// that passed JWT auth are keyed by organization id so one org cannot
// starve the operator endpoints for everyone; unauthenticated requests
// fall back to the client IP.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := newCallerRateLimiter(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := OrgIDFromContext(r.Context())
			if !ok {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					ip = r.RemoteAddr
				}
				key = ip
			}

			if !limiter.getLimiter(key).Allow() {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
