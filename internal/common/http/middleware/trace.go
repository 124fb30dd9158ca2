package middleware

import (
	"context"
	"strings"

	"judgepipe/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
	// Operators and workers identify themselves with this header; it is informational only.
	userIDHeader = "X-User-Id"
)

// TraceContextConfig controls how trace/request/user id are extracted and written.
type TraceContextConfig struct {
	AllowUserIDHeader bool
	WriteUserIDHeader bool
}

type idBinding struct {
	header   string
	ginKey   string
	ctxKey   interface{}
	generate bool
	echo     bool
}

// TraceContextMiddleware ensures trace/request/user id are in context and response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{
		AllowUserIDHeader: true,
		WriteUserIDHeader: true,
	})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	bindings := []idBinding{
		{header: traceIDHeader, ginKey: "trace_id", ctxKey: contextkey.TraceID, generate: true, echo: true},
		{header: requestIDHeader, ginKey: "request_id", ctxKey: contextkey.RequestID, generate: true, echo: true},
	}
	if cfg.AllowUserIDHeader {
		bindings = append(bindings, idBinding{
			header: userIDHeader,
			ginKey: "user_id",
			ctxKey: contextkey.UserID,
			echo:   cfg.WriteUserIDHeader,
		})
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		for _, b := range bindings {
			value := strings.TrimSpace(c.GetHeader(b.header))
			if value == "" && b.generate {
				value = uuid.NewString()
			}
			if value == "" {
				continue
			}
			c.Set(b.ginKey, value)
			ctx = context.WithValue(ctx, b.ctxKey, value)
			if b.echo {
				c.Writer.Header().Set(b.header, value)
			}
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
