package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// SlidingWindowLimiter caps requests per key over a rolling window.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	window  time.Duration
	limit   int
	now     func() time.Time
}

// NewSlidingWindowLimiter creates a limiter allowing limit requests per key
// per window.
func NewSlidingWindowLimiter(window time.Duration, limit int) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		windows: make(map[string][]time.Time),
		window:  window,
		limit:   limit,
		now:     time.Now,
	}
}

// Allow records one request for key and reports whether it fits the window.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.windows[key][:0]
	for _, t := range l.windows[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.windows[key] = kept
		return false
	}
	l.windows[key] = append(kept, now)
	return true
}

// Sweep drops keys with no activity inside the window. Run it periodically
// to bound memory on long uptimes.
func (l *SlidingWindowLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, ts := range l.windows {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.windows, key)
		}
	}
}

// RateLimit limits authenticated callers per user id, anonymous callers per
// client IP. Runs after Auth when a user id should be the key.
func RateLimit(limiter *SlidingWindowLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if userID := GetUserID(c); userID != 0 {
			key = strconv.FormatInt(userID, 10)
		}
		if !limiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
