package api

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per caller. Keyed by principal user id
// when known, remote address otherwise. RATE_RPS=0 disables it.
type RateLimiter struct {
	rps   float64
	burst int
	mu    sync.Mutex
	lims  map[string]*rate.Limiter
}

func NewRateLimiterFromEnv() *RateLimiter {
	rps := 0.0
	if v := os.Getenv("RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			rps = f
		}
	}
	burst := int(rps)
	if v := os.Getenv("RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			burst = n
		}
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{rps: rps, burst: burst, lims: map[string]*rate.Limiter{}}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.lims[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
		rl.lims[key] = lim
	}
	return lim
}

// Middleware rejects callers over their budget with 429.
func (rl *RateLimiter) Middleware(s *Server, next http.Handler) http.Handler {
	if rl.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.getPrincipal(r).UserID
		if key == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = host
		}
		if !rl.limiter(key).Allow() {
			writeProblem(w, http.StatusTooManyRequests, "Rate limit exceeded", "slow down", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
