package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sirosfoundation/go-digital-credentials/pkg/config"
)

// RateLimiter limits how many verification sessions a single client may
// open within the configured window. Each client gets a token bucket whose
// burst equals MaxRequests and which refills over WindowSeconds.
type RateLimiter struct {
	config config.RateLimitConfig
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter

	idleTimeout     time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new per-client rate limiter
func NewRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) *RateLimiter {
	cfg.SetDefaults()
	return &RateLimiter{
		config:          cfg,
		logger:          logger.Named("ratelimit"),
		limiters:        make(map[string]*clientLimiter),
		idleTimeout:     30 * time.Minute,
		cleanupInterval: 10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

func (r *RateLimiter) getLimiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastCleanup) > r.cleanupInterval {
		r.cleanup(now)
	}

	if l, ok := r.limiters[key]; ok {
		l.lastSeen = now
		return l.limiter
	}

	every := time.Duration(r.config.WindowSeconds) * time.Second / time.Duration(r.config.MaxRequests)
	l := &clientLimiter{
		limiter:  rate.NewLimiter(rate.Every(every), r.config.MaxRequests),
		lastSeen: now,
	}
	r.limiters[key] = l
	return l.limiter
}

// cleanup drops limiters idle for longer than idleTimeout. Caller holds mu.
func (r *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-r.idleTimeout)
	for key, l := range r.limiters {
		if l.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
	r.lastCleanup = now
}

// Allow reports whether the client identified by key may proceed
func (r *RateLimiter) Allow(key string) bool {
	if !r.config.Enabled {
		return true
	}
	if key == "" {
		key = "_anonymous"
	}
	if r.getLimiter(key).Allow() {
		return true
	}
	r.logger.Warn("Rate limit exceeded", zap.String("client", key))
	return false
}

// RetryAfter is the number of seconds a limited client should wait for one token
func (r *RateLimiter) RetryAfter() int {
	secs := r.config.WindowSeconds / r.config.MaxRequests
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimitMiddleware rejects requests with 429 once the client IP has
// exhausted its budget.
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return RateLimitMiddlewareWithIdentifier(rl, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// RateLimitMiddlewareWithIdentifier lets callers choose how rate limit subjects are identified
func RateLimitMiddlewareWithIdentifier(rl *RateLimiter, extractID func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.config.Enabled {
			c.Next()
			return
		}

		if !rl.Allow(extractID(c)) {
			c.Header("Retry-After", strconv.Itoa(rl.RetryAfter()))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many verification sessions. Please try again later.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
