package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"user_service/internal/models"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	HeaderUserID        = "X-Auth-UserId"
	HeaderClientDevice  = "X-Client-Device"
	HeaderClientAddress = "X-Client-Address"

	clientContextKey = "clientContext"
)

// GatewayContext copies the identity headers set by the API gateway into an
// explicit ClientContext. Missing headers stay empty; operations that need
// them reject the request.
func GatewayContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(clientContextKey, models.ClientContext{
			UserID:  strings.TrimSpace(c.GetHeader(HeaderUserID)),
			Device:  strings.TrimSpace(c.GetHeader(HeaderClientDevice)),
			Address: strings.TrimSpace(c.GetHeader(HeaderClientAddress)),
		})
		c.Next()
	}
}

func clientContext(c *gin.Context) models.ClientContext {
	v, ok := c.Get(clientContextKey)
	if !ok {
		return models.ClientContext{}
	}
	cc, _ := v.(models.ClientContext)
	return cc
}

// clientAddress prefers the gateway supplied address over the socket peer.
func clientAddress(c *gin.Context) string {
	if addr := clientContext(c).Address; addr != "" {
		return addr
	}
	return c.ClientIP()
}

func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_address", clientAddress(c)),
		)
	}
}

func Recovery(log *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered",
			slog.String("path", c.Request.URL.Path),
			slog.Any("panic", recovered),
		)
		newErrorResponse(c, http.StatusInternalServerError, codeServerError, messageServerError)
	})
}

// RateLimiter keeps a token bucket per client address.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		ttl:     5 * time.Minute,
		now:     time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if now.Sub(r.lastSweep) > time.Minute {
		for k, b := range r.buckets {
			if now.Sub(b.seen) > r.ttl {
				delete(r.buckets, k)
			}
		}
		r.lastSweep = now
	}

	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.seen = now

	return b.lim.AllowN(now, 1)
}

func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !r.Allow(clientAddress(c)) {
			newErrorResponse(c, http.StatusTooManyRequests, codeTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}
