// Package models defines the shared domain types for the API Lens gateway:
// tenants, credentials, pricing, rate-limit and quota configuration, and the
// records the metering pipeline produces.
package models

import (
	"time"
)

// Tier governs a tenant's default limits when no explicit configuration exists
type Tier string

// Tenant tiers
const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Tenant is an isolated customer account. The gateway treats it as immutable
// within a request's lifetime; it is cached with a bounded TTL and
// invalidated on explicit signal from the management plane.
type Tenant struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	Tier               Tier      `json:"tier" db:"tier"`
	IsolationNamespace string    `json:"isolation_namespace" db:"isolation_namespace"`
	Active             bool      `json:"active" db:"active"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// APIKey is the lookup record for a tenant bearer secret. The secret itself
// is never persisted; only the salted hash is stored.
type APIKey struct {
	KeyHash    string     `json:"key_hash" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	Active     bool       `json:"active" db:"active"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// TenantContext is the resolved identity bound to a request after
// authentication. It carries everything downstream stages need so they never
// re-resolve the tenant.
type TenantContext struct {
	TenantID           string          `json:"tenant_id"`
	Name               string          `json:"name"`
	Tier               Tier            `json:"tier"`
	IsolationNamespace string          `json:"isolation_namespace"`
	Active             bool            `json:"active"`
	RateLimits         RateLimitConfig `json:"rate_limits"`
	Quota              QuotaConfig     `json:"quota"`
}
