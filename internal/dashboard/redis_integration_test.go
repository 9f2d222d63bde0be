//go:build redis

package dashboard

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func TestRedisClientPublishesAndStores(t *testing.T) {
	addr := os.Getenv("LIVECAST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LIVECAST_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := NewRedisClient(ctx, RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	defer client.Close()

	reader := redis.NewClient(&redis.Options{Addr: addr})
	defer reader.Close()
	sub := reader.Subscribe(ctx, "livecast:test:alice")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := client.Publish(ctx, "livecast:test:alice", []byte(`[]`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if msg.Payload != "[]" {
		t.Fatalf("unexpected payload %q", msg.Payload)
	}

	if err := client.Set(ctx, "livecast:test:alice", []byte(`[]`), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	ttl, err := reader.TTL(ctx, "livecast:test:alice").Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("expected a TTL on the stored snapshot, got %v err=%v", ttl, err)
	}
	reader.Del(ctx, "livecast:test:alice")
}
