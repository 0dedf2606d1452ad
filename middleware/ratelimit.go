package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused per-client limiter is kept
const limiterIdleTTL = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LimiterPool hands out one token bucket per client key
type LimiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	now   func() time.Time
}

// NewLimiterPool creates a pool allowing rps requests per second with the given burst per key
func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &LimiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		now:   time.Now,
	}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}

// Allow reports whether key may make another request now
func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Prune drops limiters that have not been used for limiterIdleTTL
func (p *LimiterPool) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-limiterIdleTTL)
	removed := 0
	for key, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked clients
func (p *LimiterPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// RateLimit rejects clients that exceed the pool's rate, keyed by client IP
func RateLimit(pool *LimiterPool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !pool.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error": gin.H{
					"code":    "RATE_LIMITED",
					"message": "Too many requests, please slow down",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
