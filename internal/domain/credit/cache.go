package credit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pageforge/pageforge-api/internal/pkg/logger"
)

const (
	snapshotKeyPrefix  = "credit:ledger:"
	defaultSnapshotTTL = 30 * time.Second
)

// RedisSnapshotCache keeps Gate snapshots in Redis. Consumption never reads
// from it; it only saves a ledger query on display paths.
type RedisSnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSnapshotCache(client *redis.Client, ttl time.Duration) *RedisSnapshotCache {
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &RedisSnapshotCache{client: client, ttl: ttl}
}

func snapshotKey(userID string) string {
	return snapshotKeyPrefix + userID
}

func (c *RedisSnapshotCache) Get(ctx context.Context, userID string) (*Ledger, bool) {
	raw, err := c.client.Get(ctx, snapshotKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.FromContext(ctx).Debug().Err(err).Str("user_id", userID).Msg("credit snapshot cache read failed")
		}
		return nil, false
	}

	var ledger Ledger
	if err := json.Unmarshal(raw, &ledger); err != nil {
		return nil, false
	}
	return &ledger, true
}

func (c *RedisSnapshotCache) Set(ctx context.Context, ledger *Ledger) {
	raw, err := json.Marshal(ledger)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, snapshotKey(ledger.UserID), raw, c.ttl).Err(); err != nil {
		logger.FromContext(ctx).Debug().Err(err).Str("user_id", ledger.UserID).Msg("credit snapshot cache write failed")
	}
}

func (c *RedisSnapshotCache) Invalidate(ctx context.Context, userID string) {
	if err := c.client.Del(ctx, snapshotKey(userID)).Err(); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("user_id", userID).Msg("credit snapshot cache invalidation failed")
	}
}
