package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/api-lens/api-lens/pkg/pricing"
	"github.com/api-lens/api-lens/pkg/security"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFromDB(sqlx.NewDb(db, "postgres"), observability.NewNoopLogger()), mock
}

func TestGetAPIKeyByHash(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT key_hash, key_prefix, tenant_id, active`).
		WithArgs("hash-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"key_hash", "key_prefix", "tenant_id", "active", "revoked_at", "last_used_at", "created_at",
		}).AddRow("hash-1", "sk-test", "tenant-1", true, nil, nil, now))

	key, err := repo.GetAPIKeyByHash(context.Background(), "hash-1")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, "tenant-1", key.TenantID)
	assert.True(t, key.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAPIKeyByHashNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT key_hash, key_prefix, tenant_id, active`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"key_hash"}))

	key, err := repo.GetAPIKeyByHash(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestGetActiveCredentialNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT id, tenant_id, vendor, ciphertext`).
		WithArgs("tenant-1", models.VendorOpenAI).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetActiveCredential(context.Background(), "tenant-1", models.VendorOpenAI)
	assert.ErrorIs(t, err, security.ErrCredentialNotFound)
}

func TestGetPricingParsesVolumeTiers(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, vendor, model, pricing_model`).
		WithArgs(models.VendorOpenAI, "gpt-4", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "vendor", "model", "pricing_model", "input_unit_price", "output_unit_price",
			"currency", "batch_discount", "volume_tiers", "effective_from", "version",
		}).AddRow("price-1", "openai", "gpt-4", "per_token", "0.00003", "0.00006",
			"USD", "0", `[{"threshold":"100","discount":"0.1"}]`, now, 2))

	record, err := repo.GetPricing(context.Background(), models.VendorOpenAI, "gpt-4", now)
	require.NoError(t, err)
	assert.Equal(t, 2, record.Version)
	require.Len(t, record.VolumeTiers, 1)
	assert.Equal(t, "100", record.VolumeTiers[0].Threshold.String())
}

func TestGetPricingNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT id, vendor, model, pricing_model`).
		WithArgs(models.VendorOpenAI, "unknown", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetPricing(context.Background(), models.VendorOpenAI, "unknown", time.Now())
	assert.ErrorIs(t, err, pricing.ErrPricingNotFound)
}

func TestAppendTelemetryRetriesTransientFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO telemetry`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectExec(`INSERT INTO telemetry`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	record := &models.TelemetryRecord{
		ID:        "tel-1",
		TenantID:  "tenant-1",
		Vendor:    models.VendorOpenAI,
		Model:     "gpt-4",
		Outcome:   "success",
		CreatedAt: time.Now(),
	}
	err := repo.AppendTelemetry(context.Background(), record)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAlert(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AppendAlert(context.Background(), &models.Alert{
		ID:       "alert-1",
		TenantID: "tenant-1",
		Kind:     models.AlertWarning75,
		Metric:   "requests",
	})
	require.NoError(t, err)
}

func TestGetHourlyStats(t *testing.T) {
	repo, mock := newMockRepo(t)
	hour := time.Now().Truncate(time.Hour)

	mock.ExpectQuery(`SELECT tenant_id`).
		WithArgs("tenant-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"tenant_id", "hour", "request_count", "total_cost", "avg_response_time", "error_rate",
		}).AddRow("tenant-1", hour, 100.0, 1.5, 220.0, 0.5).
			AddRow("tenant-1", hour.Add(time.Hour), 120.0, 1.8, 210.0, 0.0))

	stats, err := repo.GetHourlyStats(context.Background(), "tenant-1", hour.Add(-24*time.Hour), hour.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 100.0, stats[0].RequestCount)
}
