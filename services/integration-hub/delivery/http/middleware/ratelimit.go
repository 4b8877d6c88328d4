package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cpa02cmz/quanforge-sub008/pkg/clock"
)

const maxTrackedClients = 10000

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client IP
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	clock   clock.Clock
	logger  *zap.Logger
}

// NewRateLimiter allows rps requests per second per client with the given burst
func NewRateLimiter(rps float64, burst int, clk clock.Clock, logger *zap.Logger) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		clock:   clk,
		logger:  logger,
	}
}

// Allow reports whether client may make a request now
func (r *RateLimiter) Allow(client string) bool {
	now := r.clock.Now()

	r.mu.Lock()
	entry, ok := r.clients[client]
	if !ok {
		if len(r.clients) >= maxTrackedClients {
			r.evictIdleLocked(now)
		}
		entry = &clientLimiter{limiter: rate.NewLimiter(r.rps, r.burst)}
		r.clients[client] = entry
	}
	entry.lastSeen = now
	r.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (r *RateLimiter) evictIdleLocked(now time.Time) {
	for client, entry := range r.clients {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.clients, client)
		}
	}
}

// Middleware rejects over-limit requests with 429
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		if !r.Allow(client) {
			r.logger.Debug("Rate limit exceeded",
				zap.String("client_ip", client),
				zap.String("path", c.Request.URL.Path),
			)
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(r.rps)))
			respond(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
			return
		}
		c.Next()
	}
}

func retryAfterSeconds(rps rate.Limit) int {
	if rps <= 0 || rps >= 1 {
		return 1
	}
	return int(1/float64(rps)) + 1
}
