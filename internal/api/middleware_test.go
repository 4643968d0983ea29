package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/redis"
)

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"first forwarded hop", "1.2.3.4, 10.0.0.1", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback strips port", "", "", "5.6.7.8:1234", "ip:5.6.7.8"},
		{"RemoteAddr without port", "", "", "5.6.7.8", "ip:5.6.7.8"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, 10, zap.NewNop(), IPKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (*redis.RateLimitResult, error) {
	return nil, errors.New("connection refused")
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	wrapped := RateLimitMiddleware(failingLimiter{}, 10, zap.NewNop(), IPKeyFunc)(okHandler())

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 when limiter errors, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_RedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	limiter := redis.NewRateLimiter(redis.NewFromRedis(rdb, zap.NewNop()), zap.NewNop(), redis.RateLimitConfig{
		Limit:  2,
		Window: time.Minute,
	})
	wrapped := RateLimitMiddleware(limiter, 2, zap.NewNop(), IPKeyFunc)(okHandler())

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/registrations", nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := send("10.0.0.1")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
			t.Errorf("expected X-RateLimit-Limit 2, got %q", got)
		}
	}

	rec := send("10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}

	if rec := send("10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("other client should not be limited, got %d", rec.Code)
	}
}
