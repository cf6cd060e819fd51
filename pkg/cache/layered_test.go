package cache

import (
	"context"
	"testing"
	"time"

	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLayered(t *testing.T) (*LayeredCache, *RedisSubstrate) {
	t.Helper()
	substrate, _ := newTestSubstrate(t)
	layered, err := NewLayeredCache(substrate, LayeredCacheConfig{L1Size: 16, L1MaxTTL: time.Minute}, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	require.NoError(t, err)
	return layered, substrate
}

func TestLayeredGetMiss(t *testing.T) {
	layered, _ := newTestLayered(t)

	var v string
	err := layered.Get(context.Background(), "test:absent", &v)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLayeredSetThenGet(t *testing.T) {
	layered, _ := newTestLayered(t)
	ctx := context.Background()

	require.NoError(t, layered.Set(ctx, "test:key", "value", time.Minute))

	var v string
	require.NoError(t, layered.Get(ctx, "test:key", &v))
	assert.Equal(t, "value", v)
}

func TestLayeredServesFromL1(t *testing.T) {
	layered, substrate := newTestLayered(t)
	ctx := context.Background()

	require.NoError(t, layered.Set(ctx, "test:key", "value", time.Minute))

	// Remove the substrate copy; the L1 entry must still serve within its TTL
	require.NoError(t, substrate.Delete(ctx, "test:key"))

	var v string
	require.NoError(t, layered.Get(ctx, "test:key", &v))
	assert.Equal(t, "value", v)
}

func TestLayeredDeleteClearsBothLayers(t *testing.T) {
	layered, _ := newTestLayered(t)
	ctx := context.Background()

	require.NoError(t, layered.Set(ctx, "test:key", "value", time.Minute))
	require.NoError(t, layered.Delete(ctx, "test:key"))

	var v string
	err := layered.Get(ctx, "test:key", &v)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLayeredReadFailOpen(t *testing.T) {
	substrate, mr := newTestSubstrate(t)
	layered, err := NewLayeredCache(substrate, LayeredCacheConfig{L1Size: 16, L1MaxTTL: time.Minute}, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
	require.NoError(t, err)

	mr.Close()

	// A substrate outage reads as a miss, never an error
	var v string
	err = layered.Get(context.Background(), "test:key", &v)
	assert.ErrorIs(t, err, ErrNotFound)

	// Writes surface the failure so callers can decide
	assert.Error(t, layered.Set(context.Background(), "test:key", "value", time.Minute))
}

func TestInvalidateTenant(t *testing.T) {
	layered, substrate := newTestLayered(t)
	ctx := context.Background()
	keys := NewKeys("test")

	require.NoError(t, layered.Set(ctx, keys.VendorCred("tenant-1", "openai"), "cred", time.Minute))
	require.NoError(t, layered.Set(ctx, keys.RateLimitConfig("tenant-1"), "cfg", time.Minute))
	require.NoError(t, layered.Set(ctx, keys.VendorCred("tenant-2", "openai"), "other", time.Minute))

	removed, err := layered.InvalidateTenant(ctx, keys, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	// Other tenants are untouched in the substrate
	ok, err := substrate.Exists(ctx, keys.VendorCred("tenant-2", "openai"))
	require.NoError(t, err)
	assert.True(t, ok)

	var v string
	err = layered.Get(ctx, keys.VendorCred("tenant-1", "openai"), &v)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLayeredStats(t *testing.T) {
	layered, _ := newTestLayered(t)
	ctx := context.Background()

	require.NoError(t, layered.Set(ctx, "test:key", "value", time.Minute))

	var v string
	for i := 0; i < 19; i++ {
		require.NoError(t, layered.Get(ctx, "test:key", &v))
	}
	_ = layered.Get(ctx, "test:absent", &v)

	stats := layered.Stats()
	assert.Equal(t, int64(19), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.95, stats.HitRate, 1e-9)
	assert.Equal(t, "A+", stats.Grade)
}

func TestPerformanceGrade(t *testing.T) {
	tests := []struct {
		name  string
		stats Stats
		want  string
	}{
		{"no traffic", Stats{}, "A"},
		{"high hit rate", Stats{Hits: 95, Misses: 5, HitRate: 0.95}, "A+"},
		{"slow high hit rate", Stats{Hits: 95, Misses: 5, HitRate: 0.95, AvgLatency: 10 * time.Millisecond}, "A"},
		{"very slow high hit rate", Stats{Hits: 95, Misses: 5, HitRate: 0.95, AvgLatency: 25 * time.Millisecond}, "B+"},
		{"mediocre", Stats{Hits: 6, Misses: 4, HitRate: 0.6}, "C"},
		{"poor and slow", Stats{Hits: 2, Misses: 8, HitRate: 0.2, AvgLatency: 30 * time.Millisecond}, "D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.stats.performanceGrade())
		})
	}
}
