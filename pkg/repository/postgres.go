// Package repository implements the durable-store collaborator over
// Postgres: key-scoped reads for tenants, pricing, and configurations, and
// append writes for telemetry, alerts, anomalies, and rotation history.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/api-lens/api-lens/pkg/pricing"
	"github.com/api-lens/api-lens/pkg/security"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/pkg/errors"
)

// Config holds the repository connection settings
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// Repository is the Postgres-backed durable store. Append writes retry with
// exponential backoff; reads fail fast and let the caller's cache policy
// decide.
type Repository struct {
	db           *sqlx.DB
	logger       observability.Logger
	queryTimeout time.Duration
}

// New connects to Postgres and verifies the connection
func New(cfg Config, logger observability.Logger) (*Repository, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger.Info("Connected to database", map[string]interface{}{
		"max_open_conns": cfg.MaxOpenConns,
	})
	return &Repository{db: db, logger: logger, queryTimeout: timeout}, nil
}

// NewFromDB wraps an existing connection; used by tests with sqlmock
func NewFromDB(db *sqlx.DB, logger observability.Logger) *Repository {
	return &Repository{db: db, logger: logger, queryTimeout: 5 * time.Second}
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.queryTimeout)
}

// appendRetry runs an append write with bounded exponential backoff. Appends
// are idempotent by primary key, so a retry after an ambiguous failure is
// safe.
func (r *Repository) appendRetry(ctx context.Context, op func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		opCtx, cancel := r.withTimeout(ctx)
		defer cancel()
		if err := op(opCtx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, policy)
}

// ---- tenant resolution ----

// GetAPIKeyByHash returns the key record for a salted hash, or nil
func (r *Repository) GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var key models.APIKey
	err := r.db.GetContext(ctx, &key,
		`SELECT key_hash, key_prefix, tenant_id, active, revoked_at, last_used_at, created_at
		 FROM api_keys WHERE key_hash = $1`, keyHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query api key")
	}
	return &key, nil
}

// GetTenant returns the tenant record, or nil
func (r *Repository) GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var tenant models.Tenant
	err := r.db.GetContext(ctx, &tenant,
		`SELECT id, name, tier, isolation_namespace, active, created_at, updated_at
		 FROM tenants WHERE id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tenant")
	}
	return &tenant, nil
}

// GetRateLimitConfig returns the explicit rate-limit record, or nil when the
// tenant runs on tier defaults.
func (r *Repository) GetRateLimitConfig(ctx context.Context, tenantID string) (*models.RateLimitConfig, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var cfg models.RateLimitConfig
	err := r.db.GetContext(ctx, &cfg,
		`SELECT tenant_id, requests_per_minute, requests_per_hour, requests_per_day,
		        requests_per_month, burst_size, bypass, COALESCE(bypass_reason, '') AS bypass_reason, updated_at
		 FROM rate_limit_configs WHERE tenant_id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query rate limit config")
	}
	return &cfg, nil
}

// GetQuotaConfig returns the explicit quota record, or nil for tier defaults
func (r *Repository) GetQuotaConfig(ctx context.Context, tenantID string) (*models.QuotaConfig, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var cfg models.QuotaConfig
	err := r.db.GetContext(ctx, &cfg,
		`SELECT tenant_id, monthly_request_cap, monthly_cost_cap, daily_request_cap,
		        daily_cost_cap, warning_threshold, critical_threshold, danger_threshold,
		        auto_block, grace_period, reset_day_of_month, time_zone
		 FROM quota_configs WHERE tenant_id = $1`, tenantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query quota config")
	}
	return &cfg, nil
}

// TouchAPIKey updates the key's last-used timestamp
func (r *Repository) TouchAPIKey(ctx context.Context, keyHash string, usedAt time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $2 WHERE key_hash = $1`, keyHash, usedAt)
	return errors.Wrap(err, "failed to update api key last-used")
}

// ---- vendor credentials ----

// GetActiveCredential returns the active credential for (tenant, vendor)
func (r *Repository) GetActiveCredential(ctx context.Context, tenantID string, vendor models.Vendor) (*models.VendorCredential, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var cred models.VendorCredential
	err := r.db.GetContext(ctx, &cred,
		`SELECT id, tenant_id, vendor, ciphertext, format_version, active, created_at, rotated_at
		 FROM vendor_credentials
		 WHERE tenant_id = $1 AND vendor = $2 AND active = true
		 ORDER BY created_at DESC LIMIT 1`, tenantID, vendor)
	if err == sql.ErrNoRows {
		return nil, security.ErrCredentialNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query credential")
	}
	return &cred, nil
}

// InsertCredential persists a new credential
func (r *Repository) InsertCredential(ctx context.Context, cred *models.VendorCredential) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO vendor_credentials (id, tenant_id, vendor, ciphertext, format_version, active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cred.ID, cred.TenantID, cred.Vendor, cred.Ciphertext, cred.FormatVersion, cred.Active, cred.CreatedAt)
	return errors.Wrap(err, "failed to insert credential")
}

// MarkRotated deactivates a credential and stamps the rotation time
func (r *Repository) MarkRotated(ctx context.Context, credentialID string, rotatedAt time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx,
		`UPDATE vendor_credentials SET active = false, rotated_at = $2 WHERE id = $1`,
		credentialID, rotatedAt)
	return errors.Wrap(err, "failed to mark credential rotated")
}

// AppendRotation records one rotation in the audit trail
func (r *Repository) AppendRotation(ctx context.Context, entry *models.RotationEntry) error {
	return r.appendRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO credential_rotations (id, tenant_id, vendor, credential_id, reason, rotated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO NOTHING`,
			entry.ID, entry.TenantID, entry.Vendor, entry.CredentialID, entry.Reason, entry.RotatedAt)
		return err
	})
}

// ---- pricing ----

// GetPricing returns the record with the latest effective-from <= asOf
func (r *Repository) GetPricing(ctx context.Context, vendor models.Vendor, model string, asOf time.Time) (*models.PricingRecord, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var row struct {
		models.PricingRecord
		VolumeTiersJSON []byte `db:"volume_tiers"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT id, vendor, model, pricing_model, input_unit_price, output_unit_price,
		        currency, COALESCE(batch_discount, 0) AS batch_discount,
		        COALESCE(volume_tiers, '[]') AS volume_tiers, effective_from, version
		 FROM pricing_records
		 WHERE vendor = $1 AND model = $2 AND effective_from <= $3
		 ORDER BY effective_from DESC LIMIT 1`, vendor, model, asOf)
	if err == sql.ErrNoRows {
		return nil, pricing.ErrPricingNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pricing")
	}

	record := row.PricingRecord
	if len(row.VolumeTiersJSON) > 0 {
		if err := json.Unmarshal(row.VolumeTiersJSON, &record.VolumeTiers); err != nil {
			return nil, errors.Wrap(pricing.ErrPricingMalformed, "bad volume tiers json")
		}
	}
	return &record, nil
}

// ---- append writes ----

// AppendTelemetry persists one per-request telemetry row
func (r *Repository) AppendTelemetry(ctx context.Context, record *models.TelemetryRecord) error {
	stageJSON, err := json.Marshal(record.StageLatency)
	if err != nil {
		stageJSON = []byte("{}")
	}
	return r.appendRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO telemetry (id, tenant_id, fingerprint, vendor, model, outcome, status_code,
			                        input_units, output_units, cost, stage_latency, total_latency_ms,
			                        upstream_latency_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO NOTHING`,
			record.ID, record.TenantID, record.Fingerprint, record.Vendor, record.Model,
			record.Outcome, record.StatusCode, record.InputUnits, record.OutputUnits,
			record.Cost, stageJSON, record.TotalLatencyMS, record.UpstreamLatencyMS, record.CreatedAt)
		return err
	})
}

// AppendAlert persists one quota alert
func (r *Repository) AppendAlert(ctx context.Context, alert *models.Alert) error {
	return r.appendRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO alerts (id, tenant_id, kind, metric, percentage, threshold, triggered_at, cooldown_until, message)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			alert.ID, alert.TenantID, alert.Kind, alert.Metric, alert.Percentage,
			alert.Threshold, alert.TriggeredAt, alert.CooldownUntil, alert.Message)
		return err
	})
}

// AppendAnomaly persists one anomaly record. The deterministic ID makes the
// insert idempotent across detector re-runs.
func (r *Repository) AppendAnomaly(ctx context.Context, anomaly *models.Anomaly) error {
	return r.appendRetry(ctx, func(ctx context.Context) error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO anomalies (id, tenant_id, kind, metric, observed_value, expected_value,
			                        deviation_percent, z_score, severity, confidence,
			                        window_start, window_end, ongoing, description, recommendation, detected_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 ON CONFLICT (id) DO NOTHING`,
			anomaly.ID, anomaly.TenantID, anomaly.Kind, anomaly.Metric, anomaly.ObservedValue,
			anomaly.ExpectedValue, anomaly.DeviationPercent, anomaly.ZScore, anomaly.Severity,
			anomaly.Confidence, anomaly.WindowStart, anomaly.WindowEnd, anomaly.Ongoing,
			anomaly.Description, anomaly.Recommendation, anomaly.DetectedAt)
		return err
	})
}

// ---- aggregates ----

// GetHourlyStats returns hourly aggregates for the anomaly baseline,
// computed from the telemetry table.
func (r *Repository) GetHourlyStats(ctx context.Context, tenantID string, from, to time.Time) ([]models.HourlyStat, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var stats []models.HourlyStat
	err := r.db.SelectContext(ctx, &stats,
		`SELECT tenant_id,
		        date_trunc('hour', created_at) AS hour,
		        COUNT(*)::float8 AS request_count,
		        COALESCE(SUM(cost), 0)::float8 AS total_cost,
		        COALESCE(AVG(total_latency_ms), 0) AS avg_response_time,
		        AVG(CASE WHEN status_code >= 400 THEN 100.0 ELSE 0.0 END) AS error_rate
		 FROM telemetry
		 WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		 GROUP BY tenant_id, date_trunc('hour', created_at)
		 ORDER BY hour`, tenantID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query hourly stats")
	}
	return stats, nil
}
