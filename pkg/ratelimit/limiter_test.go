package ratelimit

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	substrate := cache.NewRedisSubstrateFromClient(client, observability.NewNoopLogger(), nil)
	limiter := NewLimiter(substrate, cache.NewKeys("test"), observability.NewNoopLogger(), nil, true)
	return limiter, mr
}

func premiumTenant() *models.TenantContext {
	return &models.TenantContext{
		TenantID:   "tenant-1",
		Tier:       models.TierPremium,
		Active:     true,
		RateLimits: models.DefaultRateLimits("tenant-1", models.TierPremium),
	}
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	tenant := premiumTenant()

	decision := limiter.Check(context.Background(), tenant)

	assert.True(t, decision.Admitted)
	assert.Equal(t, models.AdmissionAllowed, decision.Status)
	assert.Equal(t, models.WindowMinute, decision.Class)
	assert.Equal(t, int64(600), decision.EffectiveLimit)
}

func TestCheckRejectsOverLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	tenant := premiumTenant()
	tenant.RateLimits.RequestsPerMinute = 10
	tenant.RateLimits.BurstSize = 0

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		d := limiter.Check(ctx, tenant)
		require.True(t, d.Admitted, "request %d should be admitted", i)
	}

	decision := limiter.Check(ctx, tenant)
	assert.False(t, decision.Admitted)
	assert.Equal(t, models.AdmissionRateLimited, decision.Status)
	assert.Equal(t, int64(0), decision.Remaining)
	assert.GreaterOrEqual(t, decision.RetryAfter, time.Second)
	assert.LessOrEqual(t, decision.RetryAfter, time.Minute)
}

func TestCheckBurstPool(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	tenant := premiumTenant()
	tenant.RateLimits.RequestsPerMinute = 5
	tenant.RateLimits.RequestsPerHour = 0
	tenant.RateLimits.RequestsPerDay = 0
	tenant.RateLimits.BurstSize = 3

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.True(t, limiter.Check(ctx, tenant).Admitted)
	}

	// Primary window exhausted; the next three ride the burst pool
	for i := 0; i < 3; i++ {
		d := limiter.Check(ctx, tenant)
		assert.True(t, d.Admitted, "burst request %d", i)
		assert.Equal(t, models.AdmissionBurstUsed, d.Status)
	}

	d := limiter.Check(ctx, tenant)
	assert.False(t, d.Admitted)
	assert.Equal(t, models.AdmissionRateLimited, d.Status)
}

func TestCheckBypass(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	tenant := premiumTenant()
	tenant.RateLimits.Bypass = true
	tenant.RateLimits.RequestsPerMinute = 1

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		d := limiter.Check(ctx, tenant)
		assert.True(t, d.Admitted)
		assert.Equal(t, models.AdmissionBypassed, d.Status)
		assert.Equal(t, int64(math.MaxInt64), d.EffectiveLimit)
	}
}

func TestCheckFailsOpenOnSubstrateError(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	tenant := premiumTenant()
	mr.Close()

	decision := limiter.Check(context.Background(), tenant)
	assert.True(t, decision.Admitted)
	assert.Equal(t, models.AdmissionError, decision.Status)
}

func TestCheckFailsClosedWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	substrate := cache.NewRedisSubstrateFromClient(client, observability.NewNoopLogger(), nil)
	limiter := NewLimiter(substrate, cache.NewKeys("test"), observability.NewNoopLogger(), nil, false)
	mr.Close()

	decision := limiter.Check(context.Background(), premiumTenant())
	assert.False(t, decision.Admitted)
	assert.Equal(t, models.AdmissionError, decision.Status)
}

func TestSlidingCountBlendsPreviousSubWindow(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	keys := cache.NewKeys("test")
	ctx := context.Background()

	// Pin time to the exact middle of a sub-window
	step := int64(models.SpanMinute / Precision)
	base := (time.Now().Unix()/step)*step + step/2
	limiter.now = func() time.Time { return time.Unix(base, 0) }

	idx := base / step
	_, err := limiter.substrate.IncrBy(ctx, keys.RateLimit("tenant-1", models.WindowMinute, idx-1), 10, time.Minute)
	require.NoError(t, err)
	_, err = limiter.substrate.IncrBy(ctx, keys.RateLimit("tenant-1", models.WindowMinute, idx), 4, time.Minute)
	require.NoError(t, err)

	// 4 + 10*(1 - 0.5) = 9
	n, err := limiter.slidingCount(ctx, "tenant-1", models.WindowMinute, time.Unix(base, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
}

func TestIncrementTwiceCountsTwo(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	tenant := premiumTenant()
	ctx := context.Background()

	limiter.Check(ctx, tenant)
	limiter.Check(ctx, tenant)

	n, err := limiter.slidingCount(ctx, tenant.TenantID, models.WindowMinute, limiter.now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSubWindowCountersCarryTTL(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	tenant := premiumTenant()

	limiter.Check(context.Background(), tenant)

	idx, _ := subWindow(limiter.now(), models.WindowMinute.Span())
	key := cache.NewKeys("test").RateLimit(tenant.TenantID, models.WindowMinute, idx)
	require.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0))
	assert.LessOrEqual(t, mr.TTL(key), 2*time.Minute)
}
