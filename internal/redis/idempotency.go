package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DispatchTTL bounds how long a dispatch reservation is held if the holder
// dies without releasing it.
const DispatchTTL = 5 * time.Minute

const processingMarker = "processing"

// IdempotencyService reserves dispatch keys with SET NX so that re-fired
// triggers for the same entity are dropped while one dispatch is running.
type IdempotencyService struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotencyService creates a reservation service. A zero ttl uses
// DispatchTTL.
func NewIdempotencyService(client *Client, ttl time.Duration, logger *zap.Logger) *IdempotencyService {
	if ttl <= 0 {
		ttl = DispatchTTL
	}
	return &IdempotencyService{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Reserve acquires key. It returns false when another holder has it.
func (s *IdempotencyService) Reserve(ctx context.Context, key string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !set {
		s.logger.Debug("dispatch already reserved", zap.String("key", key))
	}
	return set, nil
}

// Release drops the reservation for key. Releasing a key that is not held
// is a no-op.
func (s *IdempotencyService) Release(ctx context.Context, key string) error {
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Held reports whether key is currently reserved.
func (s *IdempotencyService) Held(ctx context.Context, key string) (bool, error) {
	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	return val == processingMarker, nil
}
