package models

import (
	"time"
)

// AlertKind identifies the threshold an alert reports
type AlertKind string

// Alert kinds, ordered by severity
const (
	AlertWarning75  AlertKind = "warning_75"
	AlertCritical90 AlertKind = "critical_90"
	AlertDanger95   AlertKind = "danger_95"
	AlertExceeded   AlertKind = "exceeded"
	AlertBlocked    AlertKind = "blocked"
	// AlertProjectionHigh fires when the monthly cost projection crosses
	// 0.9 x the monthly cap.
	AlertProjectionHigh AlertKind = "projection_high"
)

// Severity returns an ordering value for the alert kind; higher is worse
func (k AlertKind) Severity() int {
	switch k {
	case AlertWarning75:
		return 1
	case AlertCritical90:
		return 2
	case AlertDanger95:
		return 3
	case AlertExceeded:
		return 4
	case AlertBlocked:
		return 5
	case AlertProjectionHigh:
		return 2
	default:
		return 0
	}
}

// Cooldown returns the minimum interval between two alerts of this kind for
// the same tenant. Cooldowns shorten as severity rises.
func (k AlertKind) Cooldown() time.Duration {
	switch k {
	case AlertWarning75:
		return 60 * time.Minute
	case AlertCritical90:
		return 30 * time.Minute
	case AlertDanger95:
		return 15 * time.Minute
	case AlertExceeded:
		return 5 * time.Minute
	case AlertBlocked:
		return 1 * time.Minute
	case AlertProjectionHigh:
		return 30 * time.Minute
	default:
		return 60 * time.Minute
	}
}

// Alert is a threshold-crossing record emitted by the quota accountant
type Alert struct {
	ID            string    `json:"id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	Kind          AlertKind `json:"kind" db:"kind"`
	Metric        string    `json:"metric" db:"metric"`
	Percentage    float64   `json:"percentage" db:"percentage"`
	Threshold     float64   `json:"threshold" db:"threshold"`
	TriggeredAt   time.Time `json:"triggered_at" db:"triggered_at"`
	CooldownUntil time.Time `json:"cooldown_until" db:"cooldown_until"`
	Message       string    `json:"message" db:"message"`
}
