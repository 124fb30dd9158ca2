package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"judgepipe/internal/common/cache"
	commonmw "judgepipe/internal/common/http/middleware"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type failingCounter struct{}

func (failingCounter) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func newLimitedRouter(counter cache.CounterOps, policy commonmw.RateLimitPolicy) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/problems/:id/retest", commonmw.RateLimitMiddleware(counter, "retest_problem", policy), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	return router
}

func post(router *gin.Engine, path string) int {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec.Code
}

func TestRateLimitPerTarget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisCache, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}

	router := newLimitedRouter(redisCache, commonmw.RateLimitPolicy{Window: time.Minute, TargetMax: 2})

	for i := 0; i < 2; i++ {
		if code := post(router, "/problems/1/retest"); code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, code)
		}
	}
	if code := post(router, "/problems/1/retest"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := post(router, "/problems/2/retest"); code != http.StatusAccepted {
		t.Fatalf("other targets must not be limited, got %d", code)
	}

	mr.FastForward(time.Minute + time.Second)
	if code := post(router, "/problems/1/retest"); code != http.StatusAccepted {
		t.Fatalf("expected a fresh window, got %d", code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	router := newLimitedRouter(failingCounter{}, commonmw.RateLimitPolicy{Window: time.Minute, IPMax: 1, TargetMax: 1})

	for i := 0; i < 3; i++ {
		if code := post(router, "/problems/1/retest"); code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202 while the counter is down, got %d", i, code)
		}
	}
}
