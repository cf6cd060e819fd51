// Package costtracker maintains real-time cost counters per tenant over
// hourly, daily, and monthly periods and projects end-of-month spend.
package costtracker

import (
	"context"
	"time"

	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/shopspring/decimal"
)

// projectionAlertFraction of the monthly cap at which a high projection alerts
const projectionAlertFraction = 0.9

// minHistoryDays below which the projection confidence is reduced
const minHistoryDays = 7.0

// costPeriods tracked by the real-time counters
var costPeriods = []models.Period{
	models.PeriodHourly,
	models.PeriodDaily,
	models.PeriodMonthly,
}

// AlertEmitter is the quota accountant's alert channel, reused for
// projection alerts so cooldowns and persistence stay in one place.
type AlertEmitter interface {
	Emit(ctx context.Context, tenantID string, kind models.AlertKind, metric string, pct, threshold float64) *models.Alert
}

// Projection is a monthly spend forecast
type Projection struct {
	TenantID    string          `json:"tenant_id"`
	MonthToDate decimal.Decimal `json:"month_to_date"`
	Projected   decimal.Decimal `json:"projected"`
	ElapsedDays float64         `json:"elapsed_days"`
	DaysInMonth int             `json:"days_in_month"`
	Confidence  float64         `json:"confidence"`
	CapFraction float64         `json:"cap_fraction"`
	Hints       []string        `json:"hints,omitempty"`
	ComputedAt  time.Time       `json:"computed_at"`
}

// Tracker owns the real-time cost counters. Increment failures in degraded
// mode are dropped with a counter rather than failing the request.
type Tracker struct {
	substrate cache.Substrate
	keys      *cache.Keys
	alerts    AlertEmitter
	logger    observability.Logger
	metrics   observability.MetricsClient
	now       func() time.Time
}

// NewTracker creates a cost tracker
func NewTracker(substrate cache.Substrate, keys *cache.Keys, alerts AlertEmitter, logger observability.Logger, metrics observability.MetricsClient) *Tracker {
	return &Tracker{
		substrate: substrate,
		keys:      keys,
		alerts:    alerts,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Record adds a request's cost to every tracked period in one pipelined
// round trip. Returns whether the write landed; a dropped write is counted
// and logged, never fatal.
func (t *Tracker) Record(ctx context.Context, tenant *models.TenantContext, cost decimal.Decimal) bool {
	if cost.IsZero() {
		return true
	}
	now := t.now().In(tenant.Quota.Location())
	costF, _ := cost.Float64()

	var incrs []cache.CounterIncr
	for _, period := range costPeriods {
		incrs = append(incrs, cache.CounterIncr{
			Key:     t.costKey(tenant.TenantID, period, now),
			Float:   costF,
			IsFloat: true,
			TTL:     period.Next(now).Sub(now) + 24*time.Hour,
		})
	}
	if err := t.substrate.IncrMulti(ctx, incrs); err != nil {
		if t.metrics != nil {
			t.metrics.IncrementCounter("costtracker_writes_dropped_total", 1)
		}
		t.logger.Warn("Cost counter write dropped", map[string]interface{}{
			"tenant_id": tenant.TenantID,
			"error":     err.Error(),
		})
		return false
	}
	return true
}

// Get returns the current cost counter for a period
func (t *Tracker) Get(ctx context.Context, tenant *models.TenantContext, period models.Period) (decimal.Decimal, error) {
	now := t.now().In(tenant.Quota.Location())
	v, err := t.substrate.GetFloat(ctx, t.costKey(tenant.TenantID, period, now))
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(v), nil
}

// Project forecasts end-of-month spend as (month-to-date / elapsed days) x
// days-in-month. Confidence drops when fewer than seven days have elapsed.
// A projection at or past 0.9 x the monthly cap emits a projection_high
// alert through the shared alert channel.
func (t *Tracker) Project(ctx context.Context, tenant *models.TenantContext) (*Projection, error) {
	now := t.now().In(tenant.Quota.Location())

	monthToDate, err := t.Get(ctx, tenant, models.PeriodMonthly)
	if err != nil {
		return nil, err
	}

	monthStart := models.PeriodMonthly.Start(now)
	daysInMonth := int(models.PeriodMonthly.Next(now).Sub(monthStart).Hours() / 24)
	elapsedDays := now.Sub(monthStart).Hours() / 24
	if elapsedDays < 1.0/24 {
		elapsedDays = 1.0 / 24 // floor at one hour to avoid early-month blowup
	}

	dailyRate := monthToDate.Div(decimal.NewFromFloat(elapsedDays))
	projected := dailyRate.Mul(decimal.NewFromInt(int64(daysInMonth)))

	confidence := 1.0
	if elapsedDays < minHistoryDays {
		confidence = elapsedDays / minHistoryDays
	}

	p := &Projection{
		TenantID:    tenant.TenantID,
		MonthToDate: monthToDate,
		Projected:   projected,
		ElapsedDays: elapsedDays,
		DaysInMonth: daysInMonth,
		Confidence:  confidence,
		ComputedAt:  t.now(),
	}

	monthlyCap := tenant.Quota.MonthlyCostCap
	if monthlyCap.IsPositive() {
		frac, _ := projected.Div(monthlyCap).Float64()
		p.CapFraction = frac
		if frac >= projectionAlertFraction {
			p.Hints = append(p.Hints, "projected spend approaches the monthly cap; consider cheaper models or tighter limits")
			if t.alerts != nil {
				t.alerts.Emit(ctx, tenant.TenantID, models.AlertProjectionHigh, "cost", frac*100, projectionAlertFraction)
			}
		}
		if frac >= 0.5 && confidence >= 0.5 {
			p.Hints = append(p.Hints, "review per-model spend; batch-eligible workloads may qualify for discounts")
		}
	}

	return p, nil
}

func (t *Tracker) costKey(tenantID string, period models.Period, now time.Time) string {
	return t.keys.CostUsage(tenantID, period, period.Start(now).Unix())
}
