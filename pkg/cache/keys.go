package cache

import (
	"fmt"

	"github.com/api-lens/api-lens/pkg/models"
)

// Keys builds the namespaced substrate key set. Every key is prefixed with
// the environment tag so that staging and production can share an instance
// without collisions.
type Keys struct {
	env string
}

// NewKeys creates a key builder for the environment
func NewKeys(environment string) *Keys {
	if environment == "" {
		environment = "dev"
	}
	return &Keys{env: environment}
}

// Tenant is the cached tenant record, keyed by the API-key hash prefix
func (k *Keys) Tenant(keyHash string) string {
	return fmt.Sprintf("%s:tenant:%s", k.env, keyHash)
}

// TenantWildcard matches every cached record for a tenant id
func (k *Keys) TenantWildcard(tenantID string) []string {
	return []string{
		fmt.Sprintf("%s:vendor-cred:%s:*", k.env, tenantID),
		fmt.Sprintf("%s:ratelimit:%s:*", k.env, tenantID),
		fmt.Sprintf("%s:ratelimit-config:%s", k.env, tenantID),
		fmt.Sprintf("%s:burst:%s:*", k.env, tenantID),
		fmt.Sprintf("%s:quota:*:%s:*", k.env, tenantID),
		fmt.Sprintf("%s:anomaly:%s:*", k.env, tenantID),
	}
}

// VendorCred is the cached decrypted vendor credential envelope
func (k *Keys) VendorCred(tenantID string, vendor models.Vendor) string {
	return fmt.Sprintf("%s:vendor-cred:%s:%s", k.env, tenantID, vendor)
}

// Pricing is the cached pricing record for a vendor/model pair
func (k *Keys) Pricing(vendor models.Vendor, model string) string {
	return fmt.Sprintf("%s:pricing:%s:%s", k.env, vendor, model)
}

// RateLimit is one sliding-window sub-window counter
func (k *Keys) RateLimit(tenantID string, class models.WindowClass, subWindow int64) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s:%d", k.env, tenantID, class, subWindow)
}

// RateLimitConfig is the cached per-tenant rate-limit configuration
func (k *Keys) RateLimitConfig(tenantID string) string {
	return fmt.Sprintf("%s:ratelimit-config:%s", k.env, tenantID)
}

// Burst is the per-minute burst pool counter
func (k *Keys) Burst(tenantID string, minuteBucket int64) string {
	return fmt.Sprintf("%s:burst:%s:%d", k.env, tenantID, minuteBucket)
}

// QuotaUsage is a per-period usage counter; metric is "requests" or "cost"
func (k *Keys) QuotaUsage(tenantID string, period models.Period, startUnix int64, metric string) string {
	return fmt.Sprintf("%s:quota:usage:%s:%s:%d:%s", k.env, tenantID, period, startUnix, metric)
}

// QuotaBlock marks a tenant blocked by quota enforcement
func (k *Keys) QuotaBlock(tenantID string) string {
	return fmt.Sprintf("%s:quota:block:%s", k.env, tenantID)
}

// QuotaExceededSince records when a tenant first exceeded its cap
func (k *Keys) QuotaExceededSince(tenantID string) string {
	return fmt.Sprintf("%s:quota:exceeded-since:%s", k.env, tenantID)
}

// AlertCooldown serializes alert emission per (tenant, kind)
func (k *Keys) AlertCooldown(tenantID string, kind models.AlertKind) string {
	return fmt.Sprintf("%s:quota:alert-cooldown:%s:%s", k.env, tenantID, kind)
}

// CostUsage is a real-time cost counter per period
func (k *Keys) CostUsage(tenantID string, period models.Period, startUnix int64) string {
	return fmt.Sprintf("%s:cost:%s:%s:%d", k.env, tenantID, period, startUnix)
}

// Anomaly is the recent-anomaly sorted set for a tenant period bucket
func (k *Keys) Anomaly(tenantID string, periodBucket int64) string {
	return fmt.Sprintf("%s:anomaly:%s:%d", k.env, tenantID, periodBucket)
}

// AnomalyLastCheck records the last out-of-band anomaly scan for a tenant
func (k *Keys) AnomalyLastCheck(tenantID string) string {
	return fmt.Sprintf("%s:anomaly:last-check:%s", k.env, tenantID)
}

// CriticalNotify is the externally consumed critical-anomaly notification
func (k *Keys) CriticalNotify(tenantID string, epoch int64) string {
	return fmt.Sprintf("%s:critical-notify:%s:%d", k.env, tenantID, epoch)
}
