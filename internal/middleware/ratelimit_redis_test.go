package middleware

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finlit/core-api/internal/config"
)

type noScriptErr struct{}

func (noScriptErr) Error() string { return "NOSCRIPT No matching script. Please use EVAL." }
func (noScriptErr) RedisError() {}

// fakeScripter answers EVALSHA with reply, or with NOSCRIPT when cold is set
// so the script falls back to EVAL.
type fakeScripter struct {
	reply interface{}
	err   error
	cold  bool

	evals    int
	evalShas int
	keys     []string
	args     []interface{}
}

func (f *fakeScripter) result(keys []string, args []interface{}) *redis.Cmd {
	f.keys, f.args = keys, args
	return redis.NewCmdResult(f.reply, f.err)
}

func (f *fakeScripter) Eval(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.evals++
	return f.result(keys, args)
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, args ...interface{}) *redis.Cmd {
	f.evalShas++
	if f.cold {
		return redis.NewCmdResult(nil, noScriptErr{})
	}
	return f.result(keys, args)
}

func (f *fakeScripter) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeScripter) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult(make([]bool, len(hashes)), nil)
}

func (f *fakeScripter) ScriptLoad(context.Context, string) *redis.StringCmd {
	return redis.NewStringResult("", nil)
}

var redisBucketCfg = config.RateLimitConfig{
	Enabled:        true,
	Capacity:       5,
	RefillTokens:   1,
	RefillInterval: 2 * time.Second,
	TTL:            time.Minute,
	Prefix:         "rl:auth",
}

func TestRedisBucket_Allowed(t *testing.T) {
	rdb := &fakeScripter{reply: []interface{}{int64(1), int64(4), int64(0)}}
	b := NewRedisBucket(rdb, redisBucketCfg)
	now := time.UnixMilli(1_700_000_000_000)

	allowed, remaining, retryMs, err := b.Take(context.Background(), "rl:auth:ip:1.2.3.4", now)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(4), remaining)
	assert.Equal(t, int64(0), retryMs)

	assert.Equal(t, []string{"rl:auth:ip:1.2.3.4"}, rdb.keys)
	assert.Equal(t, []interface{}{now.UnixMilli(), 5, 1, int64(2000), int64(60)}, rdb.args)
	assert.Equal(t, 1, rdb.evalShas)
	assert.Equal(t, 0, rdb.evals)
}

func TestRedisBucket_Blocked(t *testing.T) {
	rdb := &fakeScripter{reply: []interface{}{int64(0), int64(0), int64(1500)}}
	b := NewRedisBucket(rdb, redisBucketCfg)

	allowed, remaining, retryMs, err := b.Take(context.Background(), "k", time.Now())
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(0), remaining)
	assert.Equal(t, int64(1500), retryMs)
}

func TestRedisBucket_LoadsScriptOnNoScript(t *testing.T) {
	rdb := &fakeScripter{reply: []interface{}{int64(1), int64(2), int64(0)}, cold: true}
	b := NewRedisBucket(rdb, redisBucketCfg)

	allowed, remaining, _, err := b.Take(context.Background(), "k", time.Now())
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(2), remaining)
	assert.Equal(t, 1, rdb.evalShas)
	assert.Equal(t, 1, rdb.evals)
}

func TestRedisBucket_UnexpectedReply(t *testing.T) {
	for name, reply := range map[string]interface{}{
		"not an array": "OK",
		"short array":  []interface{}{int64(1), int64(2)},
	} {
		t.Run(name, func(t *testing.T) {
			b := NewRedisBucket(&fakeScripter{reply: reply}, redisBucketCfg)
			_, _, _, err := b.Take(context.Background(), "k", time.Now())
			assert.ErrorContains(t, err, "unexpected script result")
		})
	}
}

func TestRedisBucket_ErrorFailsOpen(t *testing.T) {
	rdb := &fakeScripter{err: errors.New("connection refused")}
	b := NewRedisBucket(rdb, redisBucketCfg)

	_, _, _, err := b.Take(context.Background(), "k", time.Now())
	require.Error(t, err)

	e := rateLimitedEcho(redisBucketCfg, b)
	assert.Equal(t, http.StatusOK, post(e, "/auth/login").Code)
}

func TestRedisBucket_BlockedThroughMiddleware(t *testing.T) {
	rdb := &fakeScripter{reply: []interface{}{int64(0), int64(0), int64(1500)}}
	e := rateLimitedEcho(redisBucketCfg, NewRedisBucket(rdb, redisBucketCfg))

	rec := post(e, "/auth/login")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, []string{"rl:auth:ip:203.0.113.9:route:POST /auth/login"}, rdb.keys)
}
