package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Period is a calendar granularity for usage counters
type Period string

// Periods. Quota and cost counters are calendar-aligned in the tenant's
// configured time zone, unlike the sliding rate-limit windows.
const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
)

// Start returns the canonical start instant of the period containing t
func (p Period) Start(t time.Time) time.Time {
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	case PeriodYearly:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
	default:
		return t.Truncate(time.Hour)
	}
}

// Next returns the start of the following period
func (p Period) Next(t time.Time) time.Time {
	start := p.Start(t)
	switch p {
	case PeriodHourly:
		return start.Add(time.Hour)
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	case PeriodYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start.Add(time.Hour)
	}
}

// QuotaConfig holds the per-tenant quota caps and alerting thresholds.
// A zero cap disables enforcement for that dimension.
type QuotaConfig struct {
	TenantID          string          `json:"tenant_id" db:"tenant_id"`
	MonthlyRequestCap int64           `json:"monthly_request_cap" db:"monthly_request_cap"`
	MonthlyCostCap    decimal.Decimal `json:"monthly_cost_cap" db:"monthly_cost_cap"`
	DailyRequestCap   int64           `json:"daily_request_cap" db:"daily_request_cap"`
	DailyCostCap      decimal.Decimal `json:"daily_cost_cap" db:"daily_cost_cap"`
	WarningThreshold  float64         `json:"warning_threshold" db:"warning_threshold"`
	CriticalThreshold float64         `json:"critical_threshold" db:"critical_threshold"`
	DangerThreshold   float64         `json:"danger_threshold" db:"danger_threshold"`
	AutoBlock         bool            `json:"auto_block" db:"auto_block"`
	GracePeriod       time.Duration   `json:"grace_period" db:"grace_period"`
	ResetDayOfMonth   int             `json:"reset_day_of_month" db:"reset_day_of_month"`
	TimeZone          string          `json:"time_zone" db:"time_zone"`
}

// Location resolves the tenant time zone, falling back to UTC
func (q *QuotaConfig) Location() *time.Location {
	if q.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(q.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultQuota returns the tier-derived quota defaults
func DefaultQuota(tenantID string, tier Tier) QuotaConfig {
	cfg := QuotaConfig{
		TenantID:          tenantID,
		WarningThreshold:  0.75,
		CriticalThreshold: 0.90,
		DangerThreshold:   0.95,
		GracePeriod:       24 * time.Hour,
		ResetDayOfMonth:   1,
		TimeZone:          "UTC",
	}
	switch tier {
	case TierEnterprise:
		cfg.MonthlyRequestCap = 10000000
		cfg.MonthlyCostCap = decimal.NewFromInt(50000)
	case TierPremium:
		cfg.MonthlyRequestCap = 1000000
		cfg.MonthlyCostCap = decimal.NewFromInt(5000)
		cfg.AutoBlock = true
	case TierStarter:
		cfg.MonthlyRequestCap = 100000
		cfg.MonthlyCostCap = decimal.NewFromInt(500)
		cfg.AutoBlock = true
	default: // free
		cfg.MonthlyRequestCap = 5000
		cfg.MonthlyCostCap = decimal.NewFromInt(20)
		cfg.AutoBlock = true
	}
	return cfg
}

// UsageCounters is the per-tenant, per-period usage snapshot
type UsageCounters struct {
	TenantID    string          `json:"tenant_id"`
	Period      Period          `json:"period"`
	PeriodStart time.Time       `json:"period_start"`
	Requests    int64           `json:"requests"`
	Cost        decimal.Decimal `json:"cost"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// QuotaDecision is the outcome of a quota pre-check
type QuotaDecision struct {
	Admitted      bool            `json:"admitted"`
	Blocked       bool            `json:"blocked"`
	BlockReason   string          `json:"block_reason,omitempty"`
	RequestsUsed  int64           `json:"requests_used"`
	RequestCap    int64           `json:"request_cap"`
	CostUsed      decimal.Decimal `json:"cost_used"`
	CostCap       decimal.Decimal `json:"cost_cap"`
	InGracePeriod bool            `json:"in_grace_period"`
}
