package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubstrate(t *testing.T) (*RedisSubstrate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisSubstrateFromClient(client, observability.NewNoopLogger(), observability.NewNoOpMetricsClient()), mr
}

func TestSubstrateGetSetRoundTrip(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, s.Set(ctx, "test:record", record{Name: "a", Count: 3}, time.Minute))

	var got record
	require.NoError(t, s.Get(ctx, "test:record", &got))
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestSubstrateGetMissing(t *testing.T) {
	s, _ := newTestSubstrate(t)

	var v string
	err := s.Get(context.Background(), "test:absent", &v)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrBySetsTTLOnCreate(t *testing.T) {
	s, mr := newTestSubstrate(t)
	ctx := context.Background()

	v, err := s.IncrBy(ctx, "test:counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, time.Minute, mr.TTL("test:counter"))

	// Subsequent increments must not refresh the TTL
	mr.FastForward(30 * time.Second)
	v, err = s.IncrBy(ctx, "test:counter", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
	assert.Equal(t, 30*time.Second, mr.TTL("test:counter"))
}

func TestIncrByCounterExpires(t *testing.T) {
	s, mr := newTestSubstrate(t)
	ctx := context.Background()

	_, err := s.IncrBy(ctx, "test:counter", 5, time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	v, err := s.GetInt(ctx, "test:counter")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestIncrByFloat(t *testing.T) {
	s, mr := newTestSubstrate(t)
	ctx := context.Background()

	v, err := s.IncrByFloat(ctx, "test:cost", 0.003, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.003, v, 1e-9)
	assert.Equal(t, time.Hour, mr.TTL("test:cost"))

	v, err = s.IncrByFloat(ctx, "test:cost", 0.06, time.Hour)
	require.NoError(t, err)
	assert.InDelta(t, 0.063, v, 1e-9)
}

func TestGetIntMissingReadsZero(t *testing.T) {
	s, _ := newTestSubstrate(t)

	v, err := s.GetInt(context.Background(), "test:absent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	f, err := s.GetFloat(context.Background(), "test:absent")
	require.NoError(t, err)
	assert.Equal(t, 0.0, f)
}

func TestSetNXFirstWriterWins(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	won, err := s.SetNX(ctx, "test:lock", "first", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = s.SetNX(ctx, "test:lock", "second", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	var v string
	require.NoError(t, s.Get(ctx, "test:lock", &v))
	assert.Equal(t, "first", v)
}

func TestIncrMulti(t *testing.T) {
	s, mr := newTestSubstrate(t)
	ctx := context.Background()

	err := s.IncrMulti(ctx, []CounterIncr{
		{Key: "test:requests", Delta: 1, TTL: time.Minute},
		{Key: "test:cost", Float: 0.06, IsFloat: true, TTL: time.Hour},
	})
	require.NoError(t, err)

	n, err := s.GetInt(ctx, "test:requests")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f, err := s.GetFloat(ctx, "test:cost")
	require.NoError(t, err)
	assert.InDelta(t, 0.06, f, 1e-9)

	assert.Equal(t, time.Minute, mr.TTL("test:requests"))
	assert.Equal(t, time.Hour, mr.TTL("test:cost"))
}

func TestIncrMultiFirstBatchOnFreshServer(t *testing.T) {
	// The very first batch against a server with an empty script cache must
	// succeed; pipelined EVALSHA would fail here with NOSCRIPT.
	s, mr := newTestSubstrate(t)
	ctx := context.Background()

	err := s.IncrMulti(ctx, []CounterIncr{
		{Key: "test:win:1", Delta: 1, TTL: time.Minute},
		{Key: "test:win:2", Delta: 1, TTL: time.Minute},
		{Key: "test:spend", Float: 0.003, IsFloat: true, TTL: time.Hour},
	})
	require.NoError(t, err)

	n, err := s.GetInt(ctx, "test:win:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A later batch accumulates and leaves the original TTL in place
	mr.FastForward(20 * time.Second)
	require.NoError(t, s.IncrMulti(ctx, []CounterIncr{
		{Key: "test:win:1", Delta: 2, TTL: time.Minute},
	}))

	n, err = s.GetInt(ctx, "test:win:1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 40*time.Second, mr.TTL("test:win:1"))
}

func TestIncrMultiEmpty(t *testing.T) {
	s, _ := newTestSubstrate(t)
	assert.NoError(t, s.IncrMulti(context.Background(), nil))
}

func TestZAddTrim(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.ZAddTrim(ctx, "test:recent", 100, "old", 0, time.Hour))
	require.NoError(t, s.ZAddTrim(ctx, "test:recent", 200, "mid", 0, time.Hour))
	// Trim everything below 150
	require.NoError(t, s.ZAddTrim(ctx, "test:recent", 300, "new", 150, time.Hour))

	members, err := s.ZRangeByScore(ctx, "test:recent", 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, []string{"mid", "new"}, members)
}

func TestScanDelete(t *testing.T) {
	s, _ := newTestSubstrate(t)
	ctx := context.Background()

	for _, key := range []string{"test:quota:a:1", "test:quota:a:2", "test:quota:b:1"} {
		require.NoError(t, s.Set(ctx, key, 1, time.Hour))
	}

	removed, err := s.ScanDelete(ctx, "test:quota:a:*")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	ok, err := s.Exists(ctx, "test:quota:b:1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSubstrateTracksErrorRate(t *testing.T) {
	s, mr := newTestSubstrate(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "test:key", 1, time.Minute))
	assert.Equal(t, 0.0, s.ErrorRate())
	assert.True(t, s.Healthy())

	mr.Close()
	_ = s.Set(ctx, "test:key", 1, time.Minute)
	assert.Greater(t, s.ErrorRate(), 0.0)
}
