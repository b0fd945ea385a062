package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocationStore keeps consumed refresh token ids in Redis. Each key
// lives only as long as the token it blocks.
type RedisRevocationStore struct {
	rdb    redisKV
	prefix string
	now    func() time.Time
}

// redisKV is the part of the go-redis client the store uses.
type redisKV interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

func NewRedisRevocationStore(rdb redisKV, prefix string) *RedisRevocationStore {
	if prefix == "" {
		prefix = "revoked"
	}
	return &RedisRevocationStore{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *RedisRevocationStore) key(tokenID string) string {
	return s.prefix + ":" + tokenID
}

// Consume sets the key with SETNX, so only the first caller for a token id
// gets true.
func (s *RedisRevocationStore) Consume(ctx context.Context, tokenID, userID string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := s.rdb.SetNX(ctx, s.key(tokenID), userID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
