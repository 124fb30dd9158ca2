package middleware

import (
	"context"
	"fmt"
	"time"

	"judgepipe/internal/common/cache"
	pkgerrors "judgepipe/pkg/errors"
	"judgepipe/pkg/utils/logger"
	"judgepipe/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultRateLimitTimeout = 500 * time.Millisecond

// RateLimitPolicy bounds requests per fixed window. Zero limits are disabled.
type RateLimitPolicy struct {
	Window time.Duration
	// IPMax limits requests per client IP
	IPMax int
	// TargetMax limits requests per value of the :id path parameter
	TargetMax int
	Timeout   time.Duration
}

// RateLimitMiddleware enforces policy for the route named routeKey. Counter failures
// are logged and let the request through.
func RateLimitMiddleware(counter cache.CounterOps, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = defaultRateLimitTimeout
	}
	return func(c *gin.Context) {
		if counter == nil || policy.Window <= 0 {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		if policy.IPMax > 0 {
			key := fmt.Sprintf("pipeline:rate:ip:%s:%s", routeKey, c.ClientIP())
			if !allow(ctx, counter, key, policy.IPMax, policy.Window, timeout) {
				reject(c, key)
				return
			}
		}
		if id := c.Param("id"); policy.TargetMax > 0 && id != "" {
			key := fmt.Sprintf("pipeline:rate:target:%s:%s", routeKey, id)
			if !allow(ctx, counter, key, policy.TargetMax, policy.Window, timeout) {
				reject(c, key)
				return
			}
		}
		c.Next()
	}
}

func allow(ctx context.Context, counter cache.CounterOps, key string, max int, window, timeout time.Duration) bool {
	ctxCache, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	count, err := counter.IncrWindow(ctxCache, key, window)
	if err != nil {
		logger.Warn(ctx, "rate limit check failed", zap.String("key", key), zap.Error(err))
		return true
	}
	return count <= int64(max)
}

func reject(c *gin.Context, key string) {
	response.Error(c, pkgerrors.New(pkgerrors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key)))
	c.Abort()
}
