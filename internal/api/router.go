package api

import (
	"postingrelay/internal/metrics"
	"postingrelay/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type RouterConfig struct {
	AllowedOrigins    []string
	JWTSecret         []byte
	DevMode           bool
	RequestsPerSecond int
}

// RegisterRoutes builds the admin API. rdb may be nil, in which case rate
// limiting is per process.
func RegisterRoutes(outboxHandler *OutboxHandler, processedHandler *ProcessedHandler, healthHandler *HealthHandler, rdb *redis.Client, cfg RouterConfig) *gin.Engine {
	r := gin.New()

	r.Use(
		middleware.CorsMiddleware(cfg.AllowedOrigins),
		middleware.RequestID(),
		middleware.TraceMiddleware(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
	)
	_ = r.SetTrustedProxies(nil)

	r.GET("/health", healthHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := r.Group("/v1")
	protected.Use(middleware.JWTMiddleware(cfg.JWTSecret, cfg.DevMode))

	writeLimiter := middleware.RateLimitMiddleware(rdb, middleware.RateLimiterConfig{
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	{
		protected.GET("/outbox", outboxHandler.ListOutbox)
		protected.POST("/outbox/events", writeLimiter, outboxHandler.CreateEvent)
		protected.GET("/processed-events/:eventId", processedHandler.GetProcessedEvent)
	}
	return r
}
