// Package dedupe drops re-fired dispatch triggers while a dispatch for the
// same job is already running.
package dedupe

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Reserver holds short-lived exclusive reservations on string keys.
type Reserver interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key builds the reservation key for a job.
func Key(kind, entityID string) string {
	return "dispatch:" + kind + ":" + entityID
}

// Local keeps reservations in process memory. It only deduplicates within
// one gateway instance.
type Local struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewLocal creates an in-process reserver whose entries expire after ttl.
func NewLocal(ttl time.Duration) *Local {
	return &Local{
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// Reserve succeeds only for the first caller until the key is released or
// expires.
func (l *Local) Reserve(_ context.Context, key string) (bool, error) {
	// Add fails when a live entry exists.
	if err := l.cache.Add(key, struct{}{}, l.ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Release drops key.
func (l *Local) Release(_ context.Context, key string) error {
	l.cache.Delete(key)
	return nil
}

// Fallback reserves in a shared primary (Redis) and degrades to a local
// reserver when the primary errors.
type Fallback struct {
	primary Reserver
	local   *Local
	logger  *zap.Logger
}

// NewFallback wraps primary. A nil primary uses only the local reserver.
func NewFallback(primary Reserver, local *Local, logger *zap.Logger) *Fallback {
	return &Fallback{primary: primary, local: local, logger: logger}
}

func (f *Fallback) Reserve(ctx context.Context, key string) (bool, error) {
	if f.primary == nil {
		return f.local.Reserve(ctx, key)
	}
	ok, err := f.primary.Reserve(ctx, key)
	if err != nil {
		f.logger.Warn("shared dedupe unavailable, using local reservation",
			zap.String("key", key),
			zap.Error(err),
		)
		return f.local.Reserve(ctx, key)
	}
	return ok, nil
}

func (f *Fallback) Release(ctx context.Context, key string) error {
	f.local.Release(ctx, key)
	if f.primary == nil {
		return nil
	}
	return f.primary.Release(ctx, key)
}
