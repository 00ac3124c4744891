package credit_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pageforge/pageforge-api/internal/domain/credit"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Skipf("invalid TEST_REDIS_URL: %v", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	return client
}

func TestRedisSnapshotCache(t *testing.T) {
	client := setupTestRedis(t)
	defer client.Close()

	cache := credit.NewRedisSnapshotCache(client, time.Minute)
	ctx := context.Background()
	userID := uuid.NewString()

	if _, ok := cache.Get(ctx, userID); ok {
		t.Fatal("expected cache miss")
	}

	cache.Set(ctx, &credit.Ledger{UserID: userID, GenerationGranted: 13, GenerationUsed: 2, Plan: "starter", PlanRank: 1})
	got, ok := cache.Get(ctx, userID)
	if !ok {
		t.Fatal("expected cache hit")
	}
	if got.Remaining(credit.PoolGeneration) != 11 || got.Plan != "starter" {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	cache.Invalidate(ctx, userID)
	if _, ok := cache.Get(ctx, userID); ok {
		t.Fatal("expected miss after invalidation")
	}
}
