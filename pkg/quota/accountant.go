// Package quota maintains per-tenant request and cost counters over calendar
// periods and enforces caps with threshold alerting, grace periods, and
// optional auto-block.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// trackedPeriods are the calendar periods every counter update touches
var trackedPeriods = []models.Period{
	models.PeriodDaily,
	models.PeriodMonthly,
	models.PeriodYearly,
}

// AlertSink receives emitted alert records for durable append
type AlertSink interface {
	AppendAlert(ctx context.Context, alert *models.Alert) error
}

// Accountant tracks quota usage and evaluates thresholds after each request
type Accountant struct {
	substrate cache.Substrate
	keys      *cache.Keys
	sink      AlertSink
	logger    observability.Logger
	metrics   observability.MetricsClient
	failOpen  bool
	now       func() time.Time
}

// NewAccountant creates a quota accountant
func NewAccountant(substrate cache.Substrate, keys *cache.Keys, sink AlertSink, logger observability.Logger, metrics observability.MetricsClient, failOpen bool) *Accountant {
	return &Accountant{
		substrate: substrate,
		keys:      keys,
		sink:      sink,
		logger:    logger,
		metrics:   metrics,
		failOpen:  failOpen,
		now:       time.Now,
	}
}

// counterTTL bounds a period counter's life at next-period-end plus one day
func counterTTL(period models.Period, now time.Time) time.Duration {
	return period.Next(now).Sub(now) + 24*time.Hour
}

// PreCheck decides whether one more request may proceed. Only a hard block
// (cap exceeded, auto-block on, grace elapsed) rejects; threshold alerts wait
// for the post-update when cost is known.
func (a *Accountant) PreCheck(ctx context.Context, tenant *models.TenantContext) models.QuotaDecision {
	cfg := &tenant.Quota
	now := a.now().In(cfg.Location())

	decision := models.QuotaDecision{
		Admitted:   true,
		RequestCap: cfg.MonthlyRequestCap,
		CostCap:    cfg.MonthlyCostCap,
	}

	enforceMonthly := cfg.MonthlyRequestCap > 0 || cfg.MonthlyCostCap.IsPositive()
	enforceDaily := cfg.DailyRequestCap > 0 || cfg.DailyCostCap.IsPositive()
	if !enforceMonthly && !enforceDaily {
		return decision
	}

	// An explicit block set by a prior 100% crossing counts as over-cap; the
	// grace window below still applies before rejection.
	blocked, err := a.substrate.Exists(ctx, a.keys.QuotaBlock(tenant.TenantID))
	if err != nil {
		return a.failPreCheck(tenant.TenantID, err)
	}

	requests, err := a.substrate.GetInt(ctx, a.usageKey(tenant.TenantID, models.PeriodMonthly, now, "requests"))
	if err != nil {
		return a.failPreCheck(tenant.TenantID, err)
	}
	decision.RequestsUsed = requests

	costF, err := a.substrate.GetFloat(ctx, a.usageKey(tenant.TenantID, models.PeriodMonthly, now, "cost"))
	if err != nil {
		return a.failPreCheck(tenant.TenantID, err)
	}
	decision.CostUsed = decimal.NewFromFloat(costF)

	var dailyRequests int64
	var dailyCost decimal.Decimal
	if enforceDaily {
		dailyRequests, err = a.substrate.GetInt(ctx, a.usageKey(tenant.TenantID, models.PeriodDaily, now, "requests"))
		if err != nil {
			return a.failPreCheck(tenant.TenantID, err)
		}
		dailyCostF, err := a.substrate.GetFloat(ctx, a.usageKey(tenant.TenantID, models.PeriodDaily, now, "cost"))
		if err != nil {
			return a.failPreCheck(tenant.TenantID, err)
		}
		dailyCost = decimal.NewFromFloat(dailyCostF)
	}

	overRequests := cfg.MonthlyRequestCap > 0 && requests >= cfg.MonthlyRequestCap
	overCost := cfg.MonthlyCostCap.IsPositive() && decision.CostUsed.GreaterThanOrEqual(cfg.MonthlyCostCap)
	overDailyRequests := cfg.DailyRequestCap > 0 && dailyRequests >= cfg.DailyRequestCap
	overDailyCost := cfg.DailyCostCap.IsPositive() && dailyCost.GreaterThanOrEqual(cfg.DailyCostCap)
	if !overRequests && !overCost && !overDailyRequests && !overDailyCost && !blocked {
		return decision
	}

	if !cfg.AutoBlock {
		return decision
	}

	elapsed, since, err := a.graceElapsed(ctx, tenant.TenantID, cfg, now)
	if err != nil {
		return a.failPreCheck(tenant.TenantID, err)
	}
	if !elapsed {
		decision.InGracePeriod = true
		a.logger.Debug("Quota exceeded within grace period", map[string]interface{}{
			"tenant_id":      tenant.TenantID,
			"exceeded_since": since,
		})
		return decision
	}

	decision.Admitted = false
	decision.Blocked = true
	switch {
	case overRequests:
		decision.BlockReason = "monthly request cap exceeded"
	case overCost:
		decision.BlockReason = "monthly cost cap exceeded"
	case overDailyRequests:
		decision.BlockReason = "daily request cap exceeded"
	case overDailyCost:
		decision.BlockReason = "daily cost cap exceeded"
	default:
		decision.BlockReason = "quota enforcement block active"
	}
	a.count("blocked")
	return decision
}

// graceElapsed records when the tenant first exceeded a cap and reports
// whether the configured grace period has run out. The first-writer SetNX
// keeps the exceed-start stable across instances.
func (a *Accountant) graceElapsed(ctx context.Context, tenantID string, cfg *models.QuotaConfig, now time.Time) (bool, time.Time, error) {
	key := a.keys.QuotaExceededSince(tenantID)
	ttl := counterTTL(models.PeriodMonthly, now)

	if _, err := a.substrate.SetNX(ctx, key, now.Unix(), ttl); err != nil {
		return false, time.Time{}, err
	}
	startUnix, err := a.substrate.GetInt(ctx, key)
	if err != nil {
		return false, time.Time{}, err
	}
	since := time.Unix(startUnix, 0)
	if cfg.GracePeriod <= 0 {
		return true, since, nil
	}
	return now.Sub(since) >= cfg.GracePeriod, since, nil
}

// PostUpdate increments request and cost counters across all tracked periods
// in one pipelined round trip, then evaluates alert thresholds against the
// updated monthly counters. Returned alerts are the ones newly emitted.
func (a *Accountant) PostUpdate(ctx context.Context, tenant *models.TenantContext, cost decimal.Decimal) ([]*models.Alert, error) {
	cfg := &tenant.Quota
	now := a.now().In(cfg.Location())
	costF, _ := cost.Float64()

	var incrs []cache.CounterIncr
	for _, period := range trackedPeriods {
		ttl := counterTTL(period, now)
		incrs = append(incrs,
			cache.CounterIncr{Key: a.usageKey(tenant.TenantID, period, now, "requests"), Delta: 1, TTL: ttl},
			cache.CounterIncr{Key: a.usageKey(tenant.TenantID, period, now, "cost"), Float: costF, IsFloat: true, TTL: ttl},
		)
	}
	if err := a.substrate.IncrMulti(ctx, incrs); err != nil {
		a.count("update_dropped")
		a.logger.Warn("Quota counter update failed", map[string]interface{}{
			"tenant_id": tenant.TenantID,
			"error":     err.Error(),
		})
		if a.failOpen {
			return nil, nil
		}
		return nil, err
	}

	return a.evaluate(ctx, tenant, now)
}

// evaluate computes usage percentages for the monthly counters and emits the
// highest newly crossed threshold per metric.
func (a *Accountant) evaluate(ctx context.Context, tenant *models.TenantContext, now time.Time) ([]*models.Alert, error) {
	cfg := &tenant.Quota
	var alerts []*models.Alert

	if cfg.MonthlyRequestCap > 0 {
		requests, err := a.substrate.GetInt(ctx, a.usageKey(tenant.TenantID, models.PeriodMonthly, now, "requests"))
		if err == nil {
			pct := float64(requests) / float64(cfg.MonthlyRequestCap) * 100
			if alert := a.threshold(ctx, tenant, "requests", pct, now); alert != nil {
				alerts = append(alerts, alert)
			}
		}
	}

	if cfg.MonthlyCostCap.IsPositive() {
		costF, err := a.substrate.GetFloat(ctx, a.usageKey(tenant.TenantID, models.PeriodMonthly, now, "cost"))
		if err == nil {
			capF, _ := cfg.MonthlyCostCap.Float64()
			pct := costF / capF * 100
			if alert := a.threshold(ctx, tenant, "cost", pct, now); alert != nil {
				alerts = append(alerts, alert)
			}
		}
	}

	return alerts, nil
}

// threshold picks the highest threshold the percentage crosses and emits an
// alert if the cooldown for that kind is clear. Crossing 100% with auto-block
// on also sets the tenant block state.
func (a *Accountant) threshold(ctx context.Context, tenant *models.TenantContext, metric string, pct float64, now time.Time) *models.Alert {
	cfg := &tenant.Quota

	var kind models.AlertKind
	var threshold float64
	switch {
	case pct >= 100:
		kind, threshold = models.AlertExceeded, 1.0
	case pct >= cfg.DangerThreshold*100:
		kind, threshold = models.AlertDanger95, cfg.DangerThreshold
	case pct >= cfg.CriticalThreshold*100:
		kind, threshold = models.AlertCritical90, cfg.CriticalThreshold
	case pct >= cfg.WarningThreshold*100:
		kind, threshold = models.AlertWarning75, cfg.WarningThreshold
	default:
		return nil
	}

	if pct >= 100 && cfg.AutoBlock {
		a.block(ctx, tenant.TenantID, metric, now)
		kind = models.AlertBlocked
		threshold = 1.0
	}

	return a.Emit(ctx, tenant.TenantID, kind, metric, pct, threshold)
}

// Emit publishes one alert, serialized per (tenant, kind) by the cooldown
// key: the first writer to set it wins, everyone else skips.
func (a *Accountant) Emit(ctx context.Context, tenantID string, kind models.AlertKind, metric string, pct, threshold float64) *models.Alert {
	cooldown := kind.Cooldown()
	won, err := a.substrate.SetNX(ctx, a.keys.AlertCooldown(tenantID, kind), 1, cooldown)
	if err != nil {
		a.logger.Warn("Alert cooldown check failed", map[string]interface{}{
			"tenant_id": tenantID,
			"kind":      kind,
			"error":     err.Error(),
		})
		return nil
	}
	if !won {
		return nil
	}

	now := a.now()
	alert := &models.Alert{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Kind:          kind,
		Metric:        metric,
		Percentage:    pct,
		Threshold:     threshold,
		TriggeredAt:   now,
		CooldownUntil: now.Add(cooldown),
		Message:       fmt.Sprintf("%s usage at %.1f%% of cap", metric, pct),
	}

	if a.sink != nil {
		if err := a.sink.AppendAlert(ctx, alert); err != nil {
			a.logger.Error("Failed to persist alert", map[string]interface{}{
				"tenant_id": tenantID,
				"kind":      kind,
				"error":     err.Error(),
			})
		}
	}
	a.logger.Info("Quota alert emitted", map[string]interface{}{
		"tenant_id":  tenantID,
		"kind":       kind,
		"metric":     metric,
		"percentage": pct,
	})
	a.count("alert_" + string(kind))
	return alert
}

// block marks the tenant blocked until the next scheduled reset
func (a *Accountant) block(ctx context.Context, tenantID, reason string, now time.Time) {
	ttl := models.PeriodMonthly.Next(now).Sub(now) + 24*time.Hour
	if _, err := a.substrate.SetNX(ctx, a.keys.QuotaBlock(tenantID), reason, ttl); err != nil {
		a.logger.Warn("Failed to set quota block", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
	}
}

// Usage returns the counters for one period
func (a *Accountant) Usage(ctx context.Context, tenant *models.TenantContext, period models.Period) (*models.UsageCounters, error) {
	now := a.now().In(tenant.Quota.Location())

	requests, err := a.substrate.GetInt(ctx, a.usageKey(tenant.TenantID, period, now, "requests"))
	if err != nil {
		return nil, err
	}
	costF, err := a.substrate.GetFloat(ctx, a.usageKey(tenant.TenantID, period, now, "cost"))
	if err != nil {
		return nil, err
	}

	return &models.UsageCounters{
		TenantID:    tenant.TenantID,
		Period:      period,
		PeriodStart: period.Start(now),
		Requests:    requests,
		Cost:        decimal.NewFromFloat(costF),
		UpdatedAt:   a.now(),
	}, nil
}

// Reset clears counters whose canonical start is strictly earlier than the
// reset instant, plus the block and exceed-start markers. Counters for the
// current period are left alone so in-flight writes are not raced. Reset is
// idempotent for a given period.
func (a *Accountant) Reset(ctx context.Context, tenant *models.TenantContext) error {
	cfg := &tenant.Quota
	now := a.now().In(cfg.Location())

	for _, period := range trackedPeriods {
		// Counters are keyed by canonical start; the closed period is the one
		// containing the instant just before the current start. Older starts
		// expire by TTL.
		prev := period.Start(period.Start(now).Add(-time.Second))
		for _, metric := range []string{"requests", "cost"} {
			key := a.keys.QuotaUsage(tenant.TenantID, period, prev.Unix(), metric)
			if err := a.substrate.Delete(ctx, key); err != nil && err != cache.ErrNotFound {
				return err
			}
		}
	}

	if err := a.substrate.Delete(ctx, a.keys.QuotaBlock(tenant.TenantID)); err != nil && err != cache.ErrNotFound {
		return err
	}
	if err := a.substrate.Delete(ctx, a.keys.QuotaExceededSince(tenant.TenantID)); err != nil && err != cache.ErrNotFound {
		return err
	}

	a.logger.Info("Quota reset", map[string]interface{}{
		"tenant_id": tenant.TenantID,
	})
	return nil
}

func (a *Accountant) usageKey(tenantID string, period models.Period, now time.Time, metric string) string {
	return a.keys.QuotaUsage(tenantID, period, period.Start(now).Unix(), metric)
}

func (a *Accountant) failPreCheck(tenantID string, err error) models.QuotaDecision {
	a.logger.Warn("Quota pre-check degraded", map[string]interface{}{
		"tenant_id": tenantID,
		"error":     err.Error(),
	})
	a.count("error")
	return models.QuotaDecision{Admitted: a.failOpen}
}

func (a *Accountant) count(outcome string) {
	if a.metrics != nil {
		a.metrics.IncrementCounterWithLabels("quota_decisions_total", 1, map[string]string{"outcome": outcome})
	}
}
