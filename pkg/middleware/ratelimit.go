package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FailureLimiter throttles clients that keep presenting a wrong deployment
// key. Every failure consumes a token from the client's bucket; a client with
// an empty bucket is rejected before its request is looked at.
type FailureLimiter struct {
	perMinute int
	logger    *zap.Logger

	mu       sync.Mutex
	limiters map[string]*failureEntry

	cleanupInterval time.Duration
	lastCleanup     time.Time
}

type failureEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewFailureLimiter creates a limiter allowing perMinute failures per client.
// A non-positive value disables limiting.
func NewFailureLimiter(perMinute int, logger *zap.Logger) *FailureLimiter {
	return &FailureLimiter{
		perMinute:       perMinute,
		logger:          logger.Named("auth-ratelimit"),
		limiters:        make(map[string]*failureEntry),
		cleanupInterval: 10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// Enabled reports whether the limiter is active
func (r *FailureLimiter) Enabled() bool {
	return r != nil && r.perMinute > 0
}

func (r *FailureLimiter) entry(identifier string) *failureEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.lastCleanup) > r.cleanupInterval {
		r.cleanup()
	}

	e, ok := r.limiters[identifier]
	if !ok {
		e = &failureEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(r.perMinute)/60.0), r.perMinute),
		}
		r.limiters[identifier] = e
	}
	e.lastSeen = time.Now()
	return e
}

// cleanup removes clients not seen for a while. Caller holds mu.
func (r *FailureLimiter) cleanup() {
	cutoff := time.Now().Add(-30 * time.Minute)
	for key, e := range r.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
	r.lastCleanup = time.Now()
}

// Blocked reports whether identifier has used up its failure budget
func (r *FailureLimiter) Blocked(identifier string) bool {
	if !r.Enabled() {
		return false
	}
	return r.entry(identifier).limiter.Tokens() < 1
}

// RecordFailure charges one failed attempt to identifier
func (r *FailureLimiter) RecordFailure(identifier string) {
	if !r.Enabled() {
		return
	}
	if !r.entry(identifier).limiter.Allow() {
		r.logger.Warn("Auth failure limit exceeded", zap.String("client", identifier))
	}
}

// FailureLimitMiddleware rejects clients whose failure budget is exhausted
func FailureLimitMiddleware(rl *FailureLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Blocked(c.ClientIP()) {
			c.Header("Retry-After", "60")
			c.String(http.StatusTooManyRequests, "too many failed attempts")
			c.Abort()
			return
		}
		c.Next()
	}
}
