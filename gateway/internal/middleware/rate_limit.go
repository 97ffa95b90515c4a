package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ashen-realm/shared/httpx"
)

type RateLimit struct {
	Limiter *IPRateLimiter
	Skip    func(*http.Request) bool
}

func (m RateLimit) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil || (m.Skip != nil && m.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}
		key := httpx.ClientIP(r)
		if key == "" {
			key = "unknown"
		}
		if !m.Limiter.Allow(key) {
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED",
				"rate limit exceeded", "Patience, Ashen One. The flame cannot be rushed.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPRateLimiter keeps one token bucket per client address and forgets
// clients idle for longer than ttl.
type IPRateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(rps float64, burst int, ttl time.Duration) *IPRateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &IPRateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

func (l *IPRateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > l.ttl {
			delete(l.clients, k)
		}
	}
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}
