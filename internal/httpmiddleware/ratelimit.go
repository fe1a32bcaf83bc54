// Package httpmiddleware holds gin middleware shared by the API routes.
package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// KeyFunc extracts the bucket key for a request. Scan routes key on the
// authenticated kiosk so one busy kiosk cannot starve the others behind a
// shared NAT address.
type KeyFunc func(c *gin.Context) string

// ByClientIP keys buckets on the caller's IP.
func ByClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// ByKiosk keys buckets on the kiosk subject set by the auth middleware,
// falling back to IP for unauthenticated requests.
func ByKiosk(c *gin.Context) string {
	if v, ok := c.Get("claims"); ok {
		if claims, ok := v.(interface{ GetSubject() (string, error) }); ok {
			if sub, err := claims.GetSubject(); err == nil && sub != "" {
				return "kiosk:" + sub
			}
		}
	}
	return ByClientIP(c)
}

// TokenBucket is an in-memory per-key rate limiter. State is process-local,
// so limits apply per API replica.
type TokenBucket struct {
	capacity int
	rate     int
	keyFn    KeyFunc

	mu    sync.Mutex
	state map[string]*bucket
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewTokenBucket builds a limiter allowing perMinute requests with bursts up
// to capacity. A non-positive capacity defaults to perMinute.
func NewTokenBucket(capacity, perMinute int, keyFn KeyFunc) *TokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	if keyFn == nil {
		keyFn = ByClientIP
	}
	return &TokenBucket{
		capacity: capacity,
		rate:     perMinute,
		keyFn:    keyFn,
		state:    make(map[string]*bucket),
	}
}

// GinMiddleware rejects over-limit requests with 429.
func (l *TokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(l.keyFn(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (l *TokenBucket) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
