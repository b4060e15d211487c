package middleware

import (
	"strconv"
	"time"

	"postingrelay/internal/metrics"

	"github.com/gin-gonic/gin"
)

func HttpMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPDuration.WithLabelValues(c.FullPath(), c.Request.Method, status).Observe(duration)
	}
}
