package credstore

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("GMAILER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GMAILER_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	key := "gmailer:test:" + t.Name()
	t.Cleanup(func() { client.Del(context.Background(), key) })

	store := New(NewRedisBackend(client, key))

	_, ok := store.LoadToken(ctx)
	require.False(t, ok)

	require.NoError(t, store.SaveToken(ctx, testToken()))
	got, ok := store.LoadToken(ctx)
	require.True(t, ok)
	require.Equal(t, testToken(), got)
}
