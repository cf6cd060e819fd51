package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProxyRequest is the inbound request the pipeline admits and meters.
// Wire framing (HTTP method, headers) is handled by the transport layer
// before this object is constructed.
type ProxyRequest struct {
	Secret          string    `json:"-"`
	Vendor          Vendor    `json:"vendor"`
	Model           string    `json:"model"`
	Body            []byte    `json:"-"`
	ClientTimestamp time.Time `json:"client_timestamp"`
	ClientID        string    `json:"client_id,omitempty"`
	Deadline        time.Time `json:"deadline"`
}

// ProxyResponse is what the pipeline returns to the transport layer
type ProxyResponse struct {
	StatusCode   int                `json:"status_code"`
	Headers      map[string]string  `json:"headers,omitempty"`
	Body         []byte             `json:"-"`
	TenantID     string             `json:"tenant_id,omitempty"`
	Outcome      string             `json:"outcome"`
	Cost         decimal.Decimal    `json:"cost"`
	StageLatency map[string]float64 `json:"stage_latency_ms,omitempty"`
	TotalLatency time.Duration      `json:"total_latency"`
	AlertIDs     []string           `json:"alert_ids,omitempty"`
	AnomalyIDs   []string           `json:"anomaly_ids,omitempty"`
	RetryAfter   time.Duration      `json:"retry_after,omitempty"`
	ErrorKind    string             `json:"error_kind,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// VendorResponse is the upstream envelope returned by the proxy collaborator
type VendorResponse struct {
	StatusCode      int               `json:"status_code"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            []byte            `json:"-"`
	UpstreamLatency time.Duration     `json:"upstream_latency"`
}

// TelemetryRecord is the per-request row handed to the persistence
// collaborator after the pipeline finishes.
type TelemetryRecord struct {
	ID                string             `json:"id" db:"id"`
	TenantID          string             `json:"tenant_id" db:"tenant_id"`
	Fingerprint       string             `json:"fingerprint" db:"fingerprint"`
	Vendor            Vendor             `json:"vendor" db:"vendor"`
	Model             string             `json:"model" db:"model"`
	Outcome           string             `json:"outcome" db:"outcome"`
	StatusCode        int                `json:"status_code" db:"status_code"`
	InputUnits        int64              `json:"input_units" db:"input_units"`
	OutputUnits       int64              `json:"output_units" db:"output_units"`
	Cost              decimal.Decimal    `json:"cost" db:"cost"`
	StageLatency      map[string]float64 `json:"stage_latency_ms" db:"-"`
	TotalLatencyMS    float64            `json:"total_latency_ms" db:"total_latency_ms"`
	UpstreamLatencyMS float64            `json:"upstream_latency_ms" db:"upstream_latency_ms"`
	AlertIDs          []string           `json:"alert_ids,omitempty" db:"-"`
	AnomalyIDs        []string           `json:"anomaly_ids,omitempty" db:"-"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
}
