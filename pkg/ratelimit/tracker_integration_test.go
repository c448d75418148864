//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_RoundTrip(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	tracker := NewTracker(NewRedisStore(redisClient), zerolog.Nop())
	ctx := context.Background()

	if _, ok, err := tracker.Get(ctx, "deadbeef"); err != nil || ok {
		t.Fatalf("Get() on empty redis = ok %v, err %v", ok, err)
	}

	now := time.Now().Truncate(time.Millisecond)
	q := Quota{Remaining: 17, ResetEpoch: now.Add(10 * time.Minute).Unix(), ObservedAt: now}
	if err := tracker.Record(ctx, "deadbeef", q); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, ok, err := tracker.Get(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Remaining != q.Remaining || got.ResetEpoch != q.ResetEpoch {
		t.Errorf("Get() = %+v, want %+v", got, q)
	}
	if !got.ObservedAt.Equal(q.ObservedAt) {
		t.Errorf("ObservedAt = %v, want %v", got.ObservedAt, q.ObservedAt)
	}
}

func TestRedisStore_Integration_ExpiresAfterReset(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient)
	ctx := context.Background()

	now := time.Now()
	q := Quota{Remaining: 0, ResetEpoch: now.Add(5 * time.Minute).Unix(), ObservedAt: now}
	if err := store.Save(ctx, "cafebabe", q); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ttl, err := redisClient.TTL(ctx, RedisKeyPrefix+"cafebabe").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 5*time.Minute || ttl > 6*time.Minute+time.Second {
		t.Errorf("TTL = %v, want between 5m and 6m", ttl)
	}
}

func TestRedisStore_Integration_UnknownResetPersists(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	store := NewRedisStore(redisClient)
	ctx := context.Background()

	if err := store.Save(ctx, "00ff00ff", Quota{Remaining: 1, ObservedAt: time.Now()}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	ttl, err := redisClient.TTL(ctx, RedisKeyPrefix+"00ff00ff").Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl != -1 {
		t.Errorf("TTL = %v, want -1 (no expiry)", ttl)
	}
}
