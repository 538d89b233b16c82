package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"streamadapt/pkg/cache"
	"streamadapt/pkg/config"
	apperrors "streamadapt/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an idle client's limiter is kept.
const limiterIdleTTL = 10 * time.Minute

// rateLimiterStore stores per-key (for example, per IP) rate limiters.
// Limiters of clients that went quiet expire with the TTL cache.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  *cache.Cache[*rate.Limiter]
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  cache.New[*rate.Limiter](limiterIdleTTL),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters.Get(key)
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
	}
	// refresh the idle deadline on every use
	s.limiters.Set(key, limiter)
	return limiter
}

// clientIP extracts the client address, preferring the first
// X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func abortWithAppError(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		// Global concurrent requests throttling
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWithAppError(c, apperrors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.getLimiter(clientIP(c.Request)).Allow() {
			c.Header("Retry-After", "1")
			abortWithAppError(c, apperrors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

// WebSocketLimiter gates event feed connections per client and overall.
type WebSocketLimiter struct {
	enabled bool
	store   *rateLimiterStore
	sem     chan struct{}
}

// NewWebSocketLimiter creates a new limiter for event feed connections.
func NewWebSocketLimiter(cfg *config.Config) *WebSocketLimiter {
	l := &WebSocketLimiter{enabled: cfg.RateLimiting.Enabled}
	if !l.enabled {
		return l
	}

	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	l.store = newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	if cfg.RateLimiting.WebSocket.MaxConcurrent > 0 {
		l.sem = make(chan struct{}, cfg.RateLimiting.WebSocket.MaxConcurrent)
	}
	return l
}

// Acquire admits a new connection. The returned release must be called
// when the connection closes.
func (l *WebSocketLimiter) Acquire(r *http.Request) (func(), *apperrors.AppError) {
	if !l.enabled {
		return func() {}, nil
	}
	if !l.store.getLimiter(clientIP(r)).Allow() {
		return nil, apperrors.NewRateLimitError()
	}
	if l.sem == nil {
		return func() {}, nil
	}

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-l.sem }) }, nil
	default:
		return nil, apperrors.NewServiceUnavailableError("too many concurrent connections")
	}
}
