package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	ctx := context.Background()
	if !limiter.Allow(ctx, "device-1") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow(ctx, "device-1") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow(ctx, "device-1") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow(ctx, "device-2") {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterResetsNextWindow(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	limiter.clock = func() time.Time { return now }
	ctx := context.Background()

	if !limiter.Allow(ctx, "k") || limiter.Allow(ctx, "k") {
		t.Fatalf("expected one request per window")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow(ctx, "k") {
		t.Fatalf("expected quota to reset in the next window")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })
	redis.Close()
	if limiter.Allow(context.Background(), "device-1") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}

func TestMiddlewareRejectsOverQuota(t *testing.T) {
	gin.SetMode(gin.TestMode)
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:ratelimit", 1, 30*time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	t.Cleanup(func() { _ = limiter.Close() })

	router := gin.New()
	router.Use(Middleware(limiter, func(*gin.Context) string { return "fixed" }, nil))
	router.POST("/api/notifications", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/notifications", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/notifications", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "30" {
		t.Fatalf("expected Retry-After 30, got %q", second.Header().Get("Retry-After"))
	}
}
