package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingSink struct {
	mu     sync.Mutex
	alerts []*models.Alert
}

func (s *capturingSink) AppendAlert(ctx context.Context, alert *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *capturingSink) kinds() []models.AlertKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]models.AlertKind, 0, len(s.alerts))
	for _, a := range s.alerts {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

func newTestAccountant(t *testing.T) (*Accountant, *capturingSink, cache.Substrate) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	substrate := cache.NewRedisSubstrateFromClient(client, observability.NewNoopLogger(), nil)
	sink := &capturingSink{}
	acct := NewAccountant(substrate, cache.NewKeys("test"), sink, observability.NewNoopLogger(), nil, true)
	return acct, sink, substrate
}

func starterTenant() *models.TenantContext {
	return &models.TenantContext{
		TenantID: "tenant-1",
		Tier:     models.TierStarter,
		Active:   true,
		Quota:    models.DefaultQuota("tenant-1", models.TierStarter),
	}
}

func TestPreCheckAdmitsUnderCap(t *testing.T) {
	acct, _, _ := newTestAccountant(t)

	decision := acct.PreCheck(context.Background(), starterTenant())
	assert.True(t, decision.Admitted)
	assert.False(t, decision.Blocked)
}

func TestPostUpdateIncrementsAllPeriods(t *testing.T) {
	acct, _, _ := newTestAccountant(t)
	tenant := starterTenant()
	ctx := context.Background()

	_, err := acct.PostUpdate(ctx, tenant, decimal.NewFromFloat(0.06))
	require.NoError(t, err)
	_, err = acct.PostUpdate(ctx, tenant, decimal.NewFromFloat(0.04))
	require.NoError(t, err)

	for _, period := range trackedPeriods {
		usage, err := acct.Usage(ctx, tenant, period)
		require.NoError(t, err)
		assert.Equal(t, int64(2), usage.Requests, "period %s", period)
		assert.True(t, usage.Cost.Equal(decimal.NewFromFloat(0.1)), "period %s cost = %s", period, usage.Cost)
	}
}

func TestWarningThresholdAlert(t *testing.T) {
	acct, sink, substrate := newTestAccountant(t)
	tenant := starterTenant()
	tenant.Quota.MonthlyRequestCap = 1000
	ctx := context.Background()

	// Seed the monthly counter at 749; the next admitted request lands on 750
	now := time.Now().In(tenant.Quota.Location())
	key := acct.usageKey(tenant.TenantID, models.PeriodMonthly, now, "requests")
	_, err := substrate.IncrBy(ctx, key, 749, time.Hour)
	require.NoError(t, err)

	alerts, err := acct.PostUpdate(ctx, tenant, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertWarning75, alerts[0].Kind)
	assert.InDelta(t, 75.0, alerts[0].Percentage, 0.001)

	// 751 within the cooldown emits nothing
	alerts, err = acct.PostUpdate(ctx, tenant, decimal.Zero)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	assert.Equal(t, []models.AlertKind{models.AlertWarning75}, sink.kinds())
}

func TestExceededCapBlocksAfterGrace(t *testing.T) {
	acct, _, substrate := newTestAccountant(t)
	tenant := starterTenant()
	tenant.Quota.MonthlyRequestCap = 10
	tenant.Quota.AutoBlock = true
	tenant.Quota.GracePeriod = time.Hour
	ctx := context.Background()

	now := time.Now().In(tenant.Quota.Location())
	key := acct.usageKey(tenant.TenantID, models.PeriodMonthly, now, "requests")
	_, err := substrate.IncrBy(ctx, key, 10, time.Hour)
	require.NoError(t, err)

	// First over-cap check starts the grace window and still admits
	decision := acct.PreCheck(ctx, tenant)
	assert.True(t, decision.Admitted)
	assert.True(t, decision.InGracePeriod)

	// Move past the grace window
	acct.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	decision = acct.PreCheck(ctx, tenant)
	assert.False(t, decision.Admitted)
	assert.True(t, decision.Blocked)
	assert.Equal(t, "monthly request cap exceeded", decision.BlockReason)
}

func TestPreCheckEnforcesDailyCap(t *testing.T) {
	acct, _, substrate := newTestAccountant(t)
	tenant := starterTenant()
	tenant.Quota.DailyRequestCap = 10
	tenant.Quota.AutoBlock = true
	tenant.Quota.GracePeriod = 0
	ctx := context.Background()

	// Monthly usage stays far under its cap; only the daily counter fills
	now := time.Now().In(tenant.Quota.Location())
	key := acct.usageKey(tenant.TenantID, models.PeriodDaily, now, "requests")
	_, err := substrate.IncrBy(ctx, key, 10, time.Hour)
	require.NoError(t, err)

	decision := acct.PreCheck(ctx, tenant)
	assert.False(t, decision.Admitted)
	assert.True(t, decision.Blocked)
	assert.Equal(t, "daily request cap exceeded", decision.BlockReason)
}

func TestPreCheckEnforcesDailyCostCap(t *testing.T) {
	acct, _, substrate := newTestAccountant(t)
	tenant := starterTenant()
	tenant.Quota.DailyCostCap = decimal.NewFromInt(5)
	tenant.Quota.AutoBlock = true
	tenant.Quota.GracePeriod = 0
	ctx := context.Background()

	now := time.Now().In(tenant.Quota.Location())
	key := acct.usageKey(tenant.TenantID, models.PeriodDaily, now, "cost")
	_, err := substrate.IncrByFloat(ctx, key, 5.25, time.Hour)
	require.NoError(t, err)

	decision := acct.PreCheck(ctx, tenant)
	assert.False(t, decision.Admitted)
	assert.Equal(t, "daily cost cap exceeded", decision.BlockReason)
}

func TestHundredPercentSetsBlock(t *testing.T) {
	acct, sink, substrate := newTestAccountant(t)
	tenant := starterTenant()
	tenant.Quota.MonthlyRequestCap = 10
	tenant.Quota.AutoBlock = true
	tenant.Quota.GracePeriod = 0
	ctx := context.Background()

	now := time.Now().In(tenant.Quota.Location())
	key := acct.usageKey(tenant.TenantID, models.PeriodMonthly, now, "requests")
	_, err := substrate.IncrBy(ctx, key, 9, time.Hour)
	require.NoError(t, err)

	alerts, err := acct.PostUpdate(ctx, tenant, decimal.Zero)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertBlocked, alerts[0].Kind)
	assert.Equal(t, []models.AlertKind{models.AlertBlocked}, sink.kinds())

	blocked, err := substrate.Exists(ctx, cache.NewKeys("test").QuotaBlock(tenant.TenantID))
	require.NoError(t, err)
	assert.True(t, blocked)

	decision := acct.PreCheck(ctx, tenant)
	assert.False(t, decision.Admitted)
}

func TestResetClearsBlockAndIsIdempotent(t *testing.T) {
	acct, _, substrate := newTestAccountant(t)
	tenant := starterTenant()
	ctx := context.Background()
	keys := cache.NewKeys("test")

	won, err := substrate.SetNX(ctx, keys.QuotaBlock(tenant.TenantID), "cap", time.Hour)
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, acct.Reset(ctx, tenant))
	require.NoError(t, acct.Reset(ctx, tenant))

	blocked, err := substrate.Exists(ctx, keys.QuotaBlock(tenant.TenantID))
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestPreCheckFailsOpenOnSubstrateError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	substrate := cache.NewRedisSubstrateFromClient(client, observability.NewNoopLogger(), nil)
	acct := NewAccountant(substrate, cache.NewKeys("test"), nil, observability.NewNoopLogger(), nil, true)
	mr.Close()

	decision := acct.PreCheck(context.Background(), starterTenant())
	assert.True(t, decision.Admitted)
}
