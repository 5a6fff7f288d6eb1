package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/carehub/pkg/contextkeys"
)

func TestRateLimiter_Allow(t *testing.T) {
	config := &RateLimitConfig{
		RequestsPerWindow: 10,
		WindowDuration:    time.Second,
		BurstSize:         2,
	}
	limiter := NewRateLimiter(config)
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }

	ctx := context.Background()
	allowedCount := 0
	for i := 0; i < config.RequestsPerWindow+config.BurstSize+5; i++ {
		if ok, _ := limiter.Allow(ctx, "principal:1"); ok {
			allowedCount++
		}
	}
	if expected := config.RequestsPerWindow + config.BurstSize; allowedCount != expected {
		t.Errorf("Allowed %d requests, want %d", allowedCount, expected)
	}

	// Half a window refills half the rate
	now = now.Add(500 * time.Millisecond)
	allowedCount = 0
	for i := 0; i < 10; i++ {
		if ok, _ := limiter.Allow(ctx, "principal:1"); ok {
			allowedCount++
		}
	}
	if allowedCount != 5 {
		t.Errorf("Allowed %d requests after refill, want 5", allowedCount)
	}

	if ok, _ := limiter.Allow(ctx, "principal:2"); !ok {
		t.Error("keys must be limited independently")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second})
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }

	limiter.Allow(context.Background(), "a")
	now = now.Add(3 * time.Second)
	limiter.Cleanup()

	if n := len(limiter.buckets); n != 0 {
		t.Errorf("expected stale buckets to be removed, got %d", n)
	}
}

func TestNewRateLimiter_NilConfig(t *testing.T) {
	limiter := NewRateLimiter(nil)
	if limiter.Config() == nil || limiter.Config().RequestsPerWindow <= 0 {
		t.Fatal("NewRateLimiter should fall back to the default config")
	}
}

func TestDistributedRateLimiter_Allow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}, "")
	ctx := context.Background()

	for i, want := range []bool{true, true, false} {
		ok, err := limiter.Allow(ctx, "ip:10.0.0.1")
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if ok != want {
			t.Errorf("request %d: Allow() = %v, want %v", i, ok, want)
		}
	}
	if ttl := mr.TTL("carehub:ratelimit:ip:10.0.0.1"); ttl != time.Minute {
		t.Errorf("expected window ttl of 1m, got %v", ttl)
	}

	mr.FastForward(time.Minute)
	if ok, _ := limiter.Allow(ctx, "ip:10.0.0.1"); !ok {
		t.Error("expected a new window after expiry")
	}

	if err := limiter.Reset(ctx, "ip:10.0.0.1"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}

	mr.Close()
	ok, err := limiter.Allow(ctx, "ip:10.0.0.1")
	if err == nil || !ok {
		t.Errorf("expected fail-open with error when redis is down, got ok=%v err=%v", ok, err)
	}
}

func TestRateLimitMiddleware_Handler(t *testing.T) {
	limiter := NewRateLimiter(&RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute})
	handler := NewRateLimitMiddleware(limiter, nil).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(identity *Identity, ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/sessions/current/switch", nil)
		req.RemoteAddr = ip + ":1234"
		if identity != nil {
			req = req.WithContext(contextkeys.WithIdentity(req.Context(), identity))
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send(&Identity{OwnerID: 5}, "10.0.0.1"); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := send(&Identity{OwnerID: 5}, "10.0.0.2")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("same owner from another address: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", w.Header().Get("Retry-After"))
	}

	if w := send(nil, "10.0.0.1"); w.Code != http.StatusOK {
		t.Errorf("anonymous request is keyed by address: expected 200, got %d", w.Code)
	}
}
