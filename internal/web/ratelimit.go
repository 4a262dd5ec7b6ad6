package web

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiterConfig configures per-client token buckets.
type RateLimiterConfig struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
}

// DefaultImageRateLimiterConfig allows 30 image uploads per minute per client.
func DefaultImageRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            rate.Limit(30.0 / 60.0),
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
	}
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ClientRateLimiter keeps one token bucket per client address.
type ClientRateLimiter struct {
	config   RateLimiterConfig
	logger   *zap.Logger
	mutex    sync.Mutex
	limiters map[string]*clientLimiter
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClientRateLimiter starts a limiter whose idle entries are purged in the background.
func NewClientRateLimiter(config RateLimiterConfig, logger *zap.Logger) *ClientRateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultImageRateLimiterConfig().CleanupInterval
	}
	limiter := &ClientRateLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*clientLimiter),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go limiter.cleanupLoop()
	return limiter
}

// Stop halts the background cleanup.
func (limiter *ClientRateLimiter) Stop() {
	limiter.stopOnce.Do(func() { close(limiter.stopCh) })
}

// Middleware rejects requests with 429 once the caller's bucket is empty.
func (limiter *ClientRateLimiter) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		clientKey := contextGin.ClientIP()
		if limiter.allow(clientKey) {
			contextGin.Next()
			return
		}
		limiter.logger.Warn("rate limit exceeded",
			zap.String("code", "ratelimit.exceeded"),
			zap.String("client", clientKey),
			zap.String("path", contextGin.FullPath()))
		retryAfter := 60
		if limiter.config.Rate > 0 {
			retryAfter = max(int(math.Ceil(1.0/float64(limiter.config.Rate))), 1)
		}
		contextGin.Header("Retry-After", strconv.Itoa(retryAfter))
		contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
	}
}

// ClientCount reports how many client buckets are tracked.
func (limiter *ClientRateLimiter) ClientCount() int {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	return len(limiter.limiters)
}

func (limiter *ClientRateLimiter) allow(clientKey string) bool {
	limiter.mutex.Lock()
	entry, exists := limiter.limiters[clientKey]
	if !exists {
		entry = &clientLimiter{limiter: rate.NewLimiter(limiter.config.Rate, limiter.config.Burst)}
		limiter.limiters[clientKey] = entry
	}
	entry.lastAccess = limiter.now()
	limiter.mutex.Unlock()
	return entry.limiter.Allow()
}

func (limiter *ClientRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(limiter.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			limiter.cleanup()
		case <-limiter.stopCh:
			return
		}
	}
}

// cleanup drops buckets idle for longer than twice the cleanup interval.
func (limiter *ClientRateLimiter) cleanup() {
	idleLimit := limiter.config.CleanupInterval * 2
	current := limiter.now()

	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	for clientKey, entry := range limiter.limiters {
		if current.Sub(entry.lastAccess) > idleLimit {
			delete(limiter.limiters, clientKey)
		}
	}
}
