package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/magdee/audio_go_server/internal/kv"
)

// SetupTestRedis 启动 miniredis 并返回客户端
func SetupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return client, cleanup
}

// SetupTestStore miniredis 之上的 kv.Store
func SetupTestStore(t *testing.T) (*kv.Store, func()) {
	t.Helper()

	client, cleanup := SetupTestRedis(t)
	return kv.NewStore(client), cleanup
}
