package credstore

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/International-Combat-Archery-Alliance/gmailer"
)

// DefaultRedisKey is the key RedisBackend uses when none is given.
const DefaultRedisKey = "gmailer:token"

// RedisBackend keeps the JSON token under a single key. SET replaces the
// value atomically.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
}

func NewRedisBackend(client redis.UniversalClient, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

func (b *RedisBackend) Name() string {
	return "redis"
}

func (b *RedisBackend) Load(ctx context.Context) (gmailer.Token, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return gmailer.Token{}, ErrNotFound
	}
	if err != nil {
		return gmailer.Token{}, err
	}
	return decodeToken(data)
}

func (b *RedisBackend) Save(ctx context.Context, tok gmailer.Token) error {
	data, err := encodeToken(tok)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, b.key, data, 0).Err()
}
