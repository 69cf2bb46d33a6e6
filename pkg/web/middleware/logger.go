package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/logger"
)

// Logger 访问日志中间件
func Logger(l logger.Logger) gin.HandlerFunc {
	l = l.Named("web.access")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"ip", c.ClientIP(),
			"latency", time.Since(start).String(),
		}
		if uid := UserID(c); uid != "" {
			fields = append(fields, "user_id", uid)
		}

		switch {
		case len(c.Errors) > 0:
			l.ErrorContext(c.Request.Context(), c.Errors.String(), fields...)
		case status >= 500:
			l.ErrorContext(c.Request.Context(), "http request", fields...)
		case status >= 400:
			l.WarnContext(c.Request.Context(), "http request", fields...)
		default:
			l.DebugContext(c.Request.Context(), "http request", fields...)
		}
	}
}
