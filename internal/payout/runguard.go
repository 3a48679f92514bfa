package payout

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	runLockPrefix    = "payouts:run:v1:"
	inProgressMarker = "__in_progress__"
)

// RunGuard serializes payout runs per cycle with a Redis in-progress marker.
// The TTL bounds how long a crashed run blocks an explicit re-trigger.
type RunGuard struct {
	cache *redis.Client
	ttl   time.Duration
}

// NewRunGuard constructs a run guard. A nil client makes the guard a no-op,
// which is acceptable in development only.
func NewRunGuard(cache *redis.Client, ttl time.Duration) *RunGuard {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RunGuard{cache: cache, ttl: ttl}
}

// Acquire reserves the cycle. False means a run for it is already in progress.
func (g *RunGuard) Acquire(ctx context.Context, cycleHash string) (bool, error) {
	if g == nil || g.cache == nil {
		return true, nil
	}
	return g.cache.SetNX(ctx, runLockPrefix+cycleHash, inProgressMarker, g.ttl).Result()
}

// Release frees the cycle reservation. Best effort: an unreleased lock
// expires with the TTL.
func (g *RunGuard) Release(ctx context.Context, cycleHash string) error {
	if g == nil || g.cache == nil {
		return nil
	}
	return g.cache.Del(ctx, runLockPrefix+cycleHash).Err()
}
