package call

import (
	"context"
	"time"

	"callflow/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisGuard backs the initiation cooldown and per-callee dequeue lock with
// Redis so the guards hold across nodes. Keys carry TTLs; a crashed node
// never wedges a lock permanently.
type RedisGuard struct {
	rdb      *redis.Client
	cooldown time.Duration
	lockTTL  time.Duration
}

func NewRedisGuard(rdb *redis.Client, cooldown time.Duration) *RedisGuard {
	return &RedisGuard{rdb: rdb, cooldown: cooldown, lockTTL: 10 * time.Second}
}

func (g *RedisGuard) Allow(ctx context.Context, caller, callee string) (bool, error) {
	key := "call:cooldown:" + caller + ":" + callee
	return utils.AcquireCooldown(ctx, g.rdb, key, g.cooldown)
}

func (g *RedisGuard) TryLock(ctx context.Context, callee string) (func(), bool, error) {
	key := "call:dequeue:" + callee
	token := uuid.NewString()

	ok, err := utils.AcquireLock(ctx, g.rdb, key, token, g.lockTTL)
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		// Detached context: release must still run during request cancellation.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = utils.ReleaseLock(rctx, g.rdb, key, token)
	}
	return release, true, nil
}
