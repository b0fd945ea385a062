package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	keys    map[string]time.Duration
	err     error
	lastTTL time.Duration
}

func newFakeKV() *fakeKV { return &fakeKV{keys: map[string]time.Duration{}} }

func (f *fakeKV) SetNX(_ context.Context, key string, _ interface{}, ttl time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	f.lastTTL = ttl
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisRevocationStore_ConsumeOnce(t *testing.T) {
	kv := newFakeKV()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewRedisRevocationStore(kv, "")
	s.now = func() time.Time { return now }

	ok, err := s.Consume(context.Background(), "jti-1", "u-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Hour, kv.lastTTL)
	assert.Contains(t, kv.keys, "revoked:jti-1")

	ok, err = s.Consume(context.Background(), "jti-1", "u-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Consume(context.Background(), "jti-2", "u-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRevocationStore_MinimumTTL(t *testing.T) {
	kv := newFakeKV()
	now := time.Now()
	s := NewRedisRevocationStore(kv, "rt")
	s.now = func() time.Time { return now }

	_, err := s.Consume(context.Background(), "jti", "u", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, time.Second, kv.lastTTL)
	assert.Contains(t, kv.keys, "rt:jti")
}

func TestRedisRevocationStore_Error(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("connection refused")
	s := NewRedisRevocationStore(kv, "")

	_, err := s.Consume(context.Background(), "jti", "u", time.Now().Add(time.Hour))
	assert.ErrorContains(t, err, "connection refused")
}
