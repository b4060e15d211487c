package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"postingrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RateLimiterConfig struct {
	// RequestsPerSecond is also the bucket capacity.
	RequestsPerSecond int
	KeyPrefix         string
	// Timeout bounds the redis round trip before falling back to memory.
	Timeout time.Duration
}

// tokenBucketScript keeps one hash per client with fields tokens and ts.
// ARGV: rate, capacity, now (seconds, fractional), requested.
// Returns { allowed, remaining, reset_after }.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call("hmget", key, "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then tokens = capacity end
if ts == nil then ts = now end

tokens = math.min(capacity, tokens + math.max(0, now - ts) * rate)

local allowed = 0
local reset_after = 0
if tokens >= requested then
    allowed = 1
    tokens = tokens - requested
    redis.call("hset", key, "tokens", tostring(tokens), "ts", tostring(now))
    redis.call("expire", key, math.ceil(capacity / rate * 2))
else
    reset_after = (requested - tokens) / rate
end

return { allowed, tostring(tokens), tostring(reset_after) }
`)

type localLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// localLimiters is the per-process fallback used while redis is unreachable.
type localLimiters struct {
	mu       sync.Mutex
	limiters map[string]*localLimiter
	rps      int
}

func (l *localLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for k, v := range l.limiters {
		if now.Sub(v.lastSeen) > 10*time.Minute {
			delete(l.limiters, k)
		}
	}
	if v, ok := l.limiters[ip]; ok {
		v.lastSeen = now
		return v.limiter
	}
	v := &localLimiter{limiter: rate.NewLimiter(rate.Limit(l.rps), l.rps), lastSeen: now}
	l.limiters[ip] = v
	return v.limiter
}

// RateLimitMiddleware enforces a per client IP token bucket in redis and fails
// open to an in-memory bucket when redis errors. A nil client uses memory only.
func RateLimitMiddleware(rdb *redis.Client, cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "postingrelay:ratelimit:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 100 * time.Millisecond
	}
	local := &localLimiters{limiters: map[string]*localLimiter{}, rps: cfg.RequestsPerSecond}
	limitHeader := strconv.Itoa(cfg.RequestsPerSecond)

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		c.Header("X-RateLimit-Limit", limitHeader)

		var (
			result any
			err    = redis.ErrClosed
		)
		if rdb != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Timeout)
			now := float64(time.Now().UnixMicro()) / 1e6
			result, err = tokenBucketScript.Run(ctx, rdb, []string{cfg.KeyPrefix + clientIP},
				cfg.RequestsPerSecond, cfg.RequestsPerSecond, now, 1).Result()
			cancel()
		}

		if err != nil {
			if rdb != nil {
				logger.Warn("redis rate limit failed, switching to local fallback",
					zap.Error(err), zap.String("ip", clientIP))
			}
			limiter := local.get(clientIP)
			if !limiter.Allow() {
				c.Header("X-RateLimit-Remaining", "0")
				c.Header("X-RateLimit-Reset", "1")
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
				return
			}
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(limiter.Tokens())))
			c.Next()
			return
		}

		res, ok := result.([]any)
		if !ok || len(res) != 3 {
			logger.Error("invalid redis rate limit response", zap.Any("response", result))
			c.Next()
			return
		}

		allowed := toFloat(res[0]) == 1
		remaining := toFloat(res[1])
		resetAfter := toFloat(res[2])

		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int(remaining)))
		resetTime := time.Now().Add(time.Duration(resetAfter * float64(time.Second)))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", resetTime.Unix()))

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

// toFloat reads a script reply; lua numbers arrive as int64, the fractional
// values are sent back as strings.
func toFloat(v any) float64 {
	switch val := v.(type) {
	case int64:
		return float64(val)
	case float64:
		return val
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return 0
}
