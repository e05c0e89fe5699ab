package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitMiddleware(t *testing.T) {
	h := newTestServer(t, new(mockMailboxes), func(o *ServerOptions) {
		o.RateLimit = 1
		o.RateBurst = 2
	})

	for i := 0; i < 2; i++ {
		rec := do(t, h, "GET", "/api/v1/admission/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, h, "GET", "/api/v1/admission/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestRateLimiterDisabled(t *testing.T) {
	assert.Nil(t, newRateLimiter(0, 10))
	h := newTestServer(t, new(mockMailboxes))
	for i := 0; i < 50; i++ {
		require.Equal(t, http.StatusOK, do(t, h, "GET", "/api/v1/admission/stats", "").Code)
	}
}

func TestRateLimiterPerClientAndSweep(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newRateLimiter(1, 1)
	l.now = func() time.Time { return now }

	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"))
	assert.Len(t, l.clients, 2)

	now = now.Add(time.Minute)
	assert.True(t, l.allow("10.0.0.1"))

	now = now.Add(clientIdleTimeout + time.Second)
	assert.True(t, l.allow("10.0.0.3"))
	assert.Len(t, l.clients, 1)
}
