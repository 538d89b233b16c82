package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamadapt/pkg/config"
	apperrors "streamadapt/pkg/errors"
)

func newLimitedRouter(cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	router.ServeHTTP(w, req)
	return w
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1000").Code)
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	router := newLimitedRouter(cfg)

	assert.Equal(t, http.StatusOK, get(router, "10.0.0.1:1000").Code)

	limited := get(router, "10.0.0.1:1001")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Contains(t, limited.Body.String(), string(apperrors.ErrCodeRateLimit))
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))

	// a different client has its own budget
	assert.Equal(t, http.StatusOK, get(router, "10.0.0.2:1000").Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:4000"
	assert.Equal(t, "192.168.1.5", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "192.168.1.5", clientIP(req))
}

func TestWebSocketLimiter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2
	cfg.RateLimiting.WebSocket.MaxConcurrent = 1
	l := NewWebSocketLimiter(cfg)

	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	req.RemoteAddr = "10.0.0.1:1000"

	release, appErr := l.Acquire(req)
	require.Nil(t, appErr)

	_, appErr = l.Acquire(req)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeServiceUnavailable, appErr.Code)

	release()
	release()

	// the per-minute budget of two is now spent
	_, appErr = l.Acquire(req)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeRateLimit, appErr.Code)

	disabled := NewWebSocketLimiter(config.DefaultConfig())
	release, appErr = disabled.Acquire(req)
	assert.Nil(t, appErr)
	release()
}
