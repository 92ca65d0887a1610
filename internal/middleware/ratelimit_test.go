package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	l := NewSlidingWindowLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.False(t, l.Allow("k"))

	// Other keys keep their own budget.
	assert.True(t, l.Allow("other"))
}

func TestAllowWindowSlides(t *testing.T) {
	l := NewSlidingWindowLimiter(time.Minute, 2)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("k"))
	now = now.Add(40 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))

	// The first request ages out, freeing one slot.
	now = now.Add(30 * time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := NewSlidingWindowLimiter(time.Minute, 5)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("idle")
	l.Allow("busy")

	now = now.Add(2 * time.Minute)
	l.Allow("busy")
	l.Sweep()

	assert.NotContains(t, l.windows, "idle")
	assert.Contains(t, l.windows, "busy")
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewSlidingWindowLimiter(time.Minute, 2)

	r := gin.New()
	r.GET("/", func(c *gin.Context) { c.Set(ctxUserID, int64(7)); c.Next() }, RateLimit(l),
		func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// The limit keys on the user id, so requests are counted there, not on
	// the client address.
	assert.Contains(t, l.windows, "7")
}
