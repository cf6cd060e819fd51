package models

import "time"

// WindowClass is a time granularity for rate limiting
type WindowClass string

// Window classes
const (
	WindowMinute WindowClass = "minute"
	WindowHour   WindowClass = "hour"
	WindowDay    WindowClass = "day"
	WindowMonth  WindowClass = "month"
	WindowBurst  WindowClass = "burst"
)

// Window spans in seconds. The month window uses 30.44 days for sliding
// computation; calendar-aligned quota resets are a separate notion.
const (
	SpanMinute = 60
	SpanHour   = 3600
	SpanDay    = 86400
	SpanMonth  = 2629746
	SpanBurst  = 60
)

// Span returns the window span for the class
func (w WindowClass) Span() time.Duration {
	switch w {
	case WindowMinute:
		return SpanMinute * time.Second
	case WindowHour:
		return SpanHour * time.Second
	case WindowDay:
		return SpanDay * time.Second
	case WindowMonth:
		return SpanMonth * time.Second
	case WindowBurst:
		return SpanBurst * time.Second
	default:
		return SpanMinute * time.Second
	}
}

// RateLimitConfig holds the per-tenant request caps. A zero cap means the
// window class is not enforced. Defaults derive from the tenant tier when no
// explicit record exists.
type RateLimitConfig struct {
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	RequestsPerMinute int64     `json:"requests_per_minute" db:"requests_per_minute"`
	RequestsPerHour   int64     `json:"requests_per_hour" db:"requests_per_hour"`
	RequestsPerDay    int64     `json:"requests_per_day" db:"requests_per_day"`
	RequestsPerMonth  int64     `json:"requests_per_month" db:"requests_per_month"`
	BurstSize         int64     `json:"burst_size" db:"burst_size"`
	Bypass            bool      `json:"bypass" db:"bypass"`
	BypassReason      string    `json:"bypass_reason,omitempty" db:"bypass_reason"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// LimitFor returns the configured cap for a window class (0 = unenforced)
func (c *RateLimitConfig) LimitFor(class WindowClass) int64 {
	switch class {
	case WindowMinute:
		return c.RequestsPerMinute
	case WindowHour:
		return c.RequestsPerHour
	case WindowDay:
		return c.RequestsPerDay
	case WindowMonth:
		return c.RequestsPerMonth
	default:
		return 0
	}
}

// AdmissionStatus is the outcome of a rate-limit check
type AdmissionStatus string

// Admission statuses
const (
	AdmissionAllowed     AdmissionStatus = "allowed"
	AdmissionBurstUsed   AdmissionStatus = "burst_used"
	AdmissionRateLimited AdmissionStatus = "rate_limited"
	AdmissionBypassed    AdmissionStatus = "bypassed"
	AdmissionError       AdmissionStatus = "error"
)

// RateLimitDecision is the full result of an admission check
type RateLimitDecision struct {
	Admitted       bool            `json:"admitted"`
	Status         AdmissionStatus `json:"status"`
	Class          WindowClass     `json:"class"`
	EffectiveLimit int64           `json:"effective_limit"`
	CurrentCount   int64           `json:"current_count"`
	Remaining      int64           `json:"remaining"`
	ResetAt        time.Time       `json:"reset_at"`
	RetryAfter     time.Duration   `json:"retry_after"`
}

// DefaultRateLimits returns the tier-derived defaults used when a tenant has
// no explicit rate-limit record.
func DefaultRateLimits(tenantID string, tier Tier) RateLimitConfig {
	cfg := RateLimitConfig{TenantID: tenantID}
	switch tier {
	case TierEnterprise:
		cfg.RequestsPerMinute = 3000
		cfg.RequestsPerHour = 100000
		cfg.RequestsPerDay = 1000000
		cfg.BurstSize = 500
	case TierPremium:
		cfg.RequestsPerMinute = 600
		cfg.RequestsPerHour = 20000
		cfg.RequestsPerDay = 200000
		cfg.BurstSize = 100
	case TierStarter:
		cfg.RequestsPerMinute = 120
		cfg.RequestsPerHour = 3000
		cfg.RequestsPerDay = 20000
		cfg.BurstSize = 20
	default: // free
		cfg.RequestsPerMinute = 20
		cfg.RequestsPerHour = 500
		cfg.RequestsPerDay = 2000
		cfg.BurstSize = 5
	}
	return cfg
}
