package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lk2023060901/xplay/pkg/otel"
)

// Tracing 为每个请求开启 server span，并接上游 traceparent
func Tracing(serviceName string) gin.HandlerFunc {
	tracer := otel.GlobalTracer("web")

	return func(c *gin.Context) {
		ctx := otel.Extract(c.Request.Context(), c.Request.Header)

		route := c.FullPath()
		name := fmt.Sprintf("%s %s", c.Request.Method, route)
		if route == "" {
			name = fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		}

		ctx, span := tracer.Start(ctx, name,
			otel.WithSpanKind(otel.SpanKindServer),
			otel.WithAttributes(
				otel.String("http.method", c.Request.Method),
				otel.String("http.path", c.Request.URL.Path),
				otel.String("http.route", route),
				otel.String("service.name", serviceName),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(otel.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(otel.CodeError, fmt.Sprintf("HTTP status %d", status))
		}
		if len(c.Errors) > 0 {
			span.RecordError(c.Errors.Last().Err)
		}
	}
}
