package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/prepflowlabs/prepflow-cloud/pkg/telemetry/correlation"
)

const requestIDHeader = "X-Request-ID"

// RequestID propagates the caller's request id, or mints one, and makes it
// available as the correlation id for everything downstream.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		ctx := c.Request.Context()
		if id != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, id)
		} else {
			ctx, id = correlation.EnsureCorrelationID(ctx)
		}
		ctx = correlation.ContextWithRemoteSpan(ctx, c.GetHeader("X-Trace-ID"), c.GetHeader("X-Span-ID"))
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}
