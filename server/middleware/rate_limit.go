package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	clientIdleTimeout = 10 * time.Minute
	cleanupInterval   = 5 * time.Minute
)

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	clients    map[string]*clientLimiter
	mutex      sync.Mutex
	logger     *zap.Logger
	defaultRPS int
	burst      int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(defaultRPS, burst int, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients:    make(map[string]*clientLimiter),
		defaultRPS: defaultRPS,
		burst:      burst,
		logger:     logger,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go rl.cleanupExpiredClients(cleanupInterval)

	return rl
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return rl.RateLimitWithConfig(rl.defaultRPS, rl.burst)
}

// RateLimitWithConfig uses its own buckets so a stricter route does not drain
// the default allowance.
func (rl *RateLimiter) RateLimitWithConfig(rps, burst int) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		key := clientIP
		if rps != rl.defaultRPS || burst != rl.burst {
			key = c.FullPath() + "|" + clientIP
		}

		if !rl.allow(key, rps, burst) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("client_ip", clientIP),
				zap.String("path", c.Request.URL.Path),
				zap.Int("rps", rps))

			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 1,
			})
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) allow(key string, rps, burst int) bool {
	rl.mutex.Lock()
	client, exists := rl.clients[key]
	if !exists {
		client = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		rl.clients[key] = client
	}
	client.lastSeen = time.Now()
	rl.mutex.Unlock()

	return client.limiter.Allow()
}

func (rl *RateLimiter) cleanupExpiredClients(interval time.Duration) {
	defer close(rl.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now())
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	evicted := 0
	for key, client := range rl.clients {
		if now.Sub(client.lastSeen) > clientIdleTimeout {
			delete(rl.clients, key)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimiter) GetGlobalStats() map[string]any {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	return map[string]any{
		"active_clients": len(rl.clients),
		"default_rps":    rl.defaultRPS,
		"burst_capacity": rl.burst,
	}
}

// Shutdown stops the cleanup goroutine and waits for it to exit.
func (rl *RateLimiter) Shutdown() {
	rl.stopOnce.Do(func() {
		close(rl.stop)
	})
	<-rl.done
}
