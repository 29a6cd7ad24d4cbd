package server

import (
	"net/http"
	"sync"

	"github.com/alexjbarnes/threadsync/internal/auth"
	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per client key.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	if rps <= 0 {
		rps = 10
	}

	if burst <= 0 {
		burst = 20
	}

	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.m[key]; ok {
		return l
	}

	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l

	return l
}

// Allow reports whether the client identified by key may proceed.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// rateLimit rejects requests over the per-client budget with 429. The
// client is the API key owner when authenticated, else the remote IP.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.RequestUserID(r.Context())
		if key == "" {
			key = "ip:" + auth.RequestRemoteIP(r.Context())
		}

		if !s.limiter.Allow(key) {
			s.metrics.rateLimited.Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")

			return
		}

		next.ServeHTTP(w, r)
	})
}
