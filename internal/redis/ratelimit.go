package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Limit  int           // Maximum requests allowed
	Window time.Duration // Time window for the limit
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// slidingWindow trims the window, counts it and records the request in one
// step. It returns {allowed, count before this request}.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '0', ARGV[1])
local count = redis.call('ZCARD', key)
if count >= tonumber(ARGV[3]) then
	return {0, count}
end
redis.call('ZADD', key, ARGV[2], ARGV[4])
redis.call('PEXPIRE', key, ARGV[5])
return {1, count}
`)

// RateLimiter implements a sliding window limit per client using Redis
// sorted sets scored by request time.
type RateLimiter struct {
	client *Client
	logger *zap.Logger
	config RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration.
func NewRateLimiter(client *Client, logger *zap.Logger, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		client: client,
		logger: logger,
		config: config,
		now:    time.Now,
	}
}

// Allow records one request for clientKey if it fits in the window.
// Rejected requests are not recorded.
func (r *RateLimiter) Allow(ctx context.Context, clientKey string) (*RateLimitResult, error) {
	now := r.now()
	windowStart := now.Add(-r.config.Window)
	resetAt := now.Add(r.config.Window)
	key := "ratelimit:" + clientKey

	res, err := slidingWindow.Run(ctx, r.client.rdb, []string{key},
		strconv.FormatInt(windowStart.UnixNano(), 10),
		strconv.FormatInt(now.UnixNano(), 10),
		r.config.Limit,
		uuid.NewString(),
		(r.config.Window + time.Second).Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis sliding window failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("redis sliding window returned %d values", len(res))
	}

	current := int(res[1])
	if res[0] == 0 {
		r.logger.Debug("rate limit exceeded",
			zap.String("client", clientKey),
			zap.Int("current", current),
			zap.Int("limit", r.config.Limit),
		)
		return &RateLimitResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: r.config.Limit - current - 1,
		ResetAt:   resetAt,
	}, nil
}
