package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// AnomalyKind identifies the detection test that fired
type AnomalyKind string

// Anomaly kinds
const (
	AnomalySuddenSpike    AnomalyKind = "sudden_spike"
	AnomalySuddenDrop     AnomalyKind = "sudden_drop"
	AnomalyCost           AnomalyKind = "cost_anomaly"
	AnomalyPerformance    AnomalyKind = "performance_degradation"
	AnomalyErrorSurge     AnomalyKind = "error_surge"
	AnomalyUnusualPattern AnomalyKind = "unusual_pattern"
)

// AnomalySeverity buckets the deviation magnitude
type AnomalySeverity string

// Severities mapped from |z|: >=4 emergency, >=3 critical, >=2 warning
const (
	SeverityInfo      AnomalySeverity = "info"
	SeverityWarning   AnomalySeverity = "warning"
	SeverityCritical  AnomalySeverity = "critical"
	SeverityEmergency AnomalySeverity = "emergency"
)

// Anomaly is a detection record. The ID is deterministic over
// (tenant, kind, detection time) so repeated runs do not duplicate records.
type Anomaly struct {
	ID               string          `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	Kind             AnomalyKind     `json:"kind" db:"kind"`
	Metric           string          `json:"metric" db:"metric"`
	ObservedValue    float64         `json:"observed_value" db:"observed_value"`
	ExpectedValue    float64         `json:"expected_value" db:"expected_value"`
	DeviationPercent float64         `json:"deviation_percent" db:"deviation_percent"`
	ZScore           float64         `json:"z_score" db:"z_score"`
	Severity         AnomalySeverity `json:"severity" db:"severity"`
	Confidence       float64         `json:"confidence" db:"confidence"`
	WindowStart      time.Time       `json:"window_start" db:"window_start"`
	WindowEnd        time.Time       `json:"window_end" db:"window_end"`
	Ongoing          bool            `json:"ongoing" db:"ongoing"`
	Description      string          `json:"description" db:"description"`
	Recommendation   string          `json:"recommendation" db:"recommendation"`
	DetectedAt       time.Time       `json:"detected_at" db:"detected_at"`
}

// AnomalyID derives the deterministic identifier for an anomaly
func AnomalyID(tenantID string, kind AnomalyKind, detectedAt time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", tenantID, kind, detectedAt.Unix())))
	return hex.EncodeToString(sum[:16])
}

// HourlyStat is one hourly aggregate row used for baseline computation
type HourlyStat struct {
	TenantID        string    `json:"tenant_id" db:"tenant_id"`
	Hour            time.Time `json:"hour" db:"hour"`
	RequestCount    float64   `json:"request_count" db:"request_count"`
	TotalCost       float64   `json:"total_cost" db:"total_cost"`
	AvgResponseTime float64   `json:"avg_response_time" db:"avg_response_time"`
	ErrorRate       float64   `json:"error_rate" db:"error_rate"`
}
