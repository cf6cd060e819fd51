// Package auth resolves inbound bearer secrets to tenant contexts. Lookup
// is by salted hash; secret comparisons are constant-time.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/pkg/errors"
)

// ErrUnauthenticated is returned when no active tenant owns the secret
var ErrUnauthenticated = errors.New("unauthenticated")

// TenantRepository is the durable-store surface the resolver consumes
type TenantRepository interface {
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*models.APIKey, error)
	GetTenant(ctx context.Context, tenantID string) (*models.Tenant, error)
	GetRateLimitConfig(ctx context.Context, tenantID string) (*models.RateLimitConfig, error)
	GetQuotaConfig(ctx context.Context, tenantID string) (*models.QuotaConfig, error)
	TouchAPIKey(ctx context.Context, keyHash string, usedAt time.Time) error
}

// Resolver maps bearer secrets to tenant contexts, cache-through to the
// durable store with a bounded TTL.
type Resolver struct {
	repo     TenantRepository
	cache    cache.Cache
	keys     *cache.Keys
	logger   observability.Logger
	salt     []byte
	cacheTTL time.Duration
}

// NewResolver creates a tenant resolver. The salt is fixed per deployment;
// two distinct secrets never produce the same hash under it.
func NewResolver(repo TenantRepository, c cache.Cache, keys *cache.Keys, logger observability.Logger, salt string, cacheTTL time.Duration) *Resolver {
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}
	return &Resolver{
		repo:     repo,
		cache:    c,
		keys:     keys,
		logger:   logger,
		salt:     []byte(salt),
		cacheTTL: cacheTTL,
	}
}

// HashSecret returns the salted SHA-256 hex digest of a bearer secret
func (r *Resolver) HashSecret(secret string) string {
	h := sha256.New()
	h.Write(r.salt)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// HashesEqual compares two hashes in constant time
func HashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Resolve authenticates a bearer secret and returns the bound tenant
// context. An unknown key, a revoked key, or an inactive tenant all resolve
// to ErrUnauthenticated; callers never learn which.
func (r *Resolver) Resolve(ctx context.Context, secret string) (*models.TenantContext, error) {
	if secret == "" {
		return nil, ErrUnauthenticated
	}
	keyHash := r.HashSecret(secret)
	cacheKey := r.keys.Tenant(keyHash[:16])

	if r.cache != nil {
		var tc models.TenantContext
		if err := r.cache.Get(ctx, cacheKey, &tc); err == nil {
			if !tc.Active {
				return nil, ErrUnauthenticated
			}
			return &tc, nil
		}
	}

	apiKey, err := r.repo.GetAPIKeyByHash(ctx, keyHash)
	if err != nil {
		return nil, errors.Wrap(err, "api key lookup failed")
	}
	if apiKey == nil || !apiKey.Active || !HashesEqual(apiKey.KeyHash, keyHash) {
		r.logger.Info("Authentication failed", map[string]interface{}{
			"key_prefix": prefixOf(secret),
		})
		return nil, ErrUnauthenticated
	}

	tenant, err := r.repo.GetTenant(ctx, apiKey.TenantID)
	if err != nil {
		return nil, errors.Wrap(err, "tenant lookup failed")
	}
	if tenant == nil || !tenant.Active {
		r.logger.Info("Authentication failed: inactive tenant", map[string]interface{}{
			"tenant_id": apiKey.TenantID,
		})
		return nil, ErrUnauthenticated
	}

	tc := &models.TenantContext{
		TenantID:           tenant.ID,
		Name:               tenant.Name,
		Tier:               tenant.Tier,
		IsolationNamespace: tenant.IsolationNamespace,
		Active:             tenant.Active,
	}

	// Explicit configuration wins; tier defaults otherwise
	if rl, err := r.repo.GetRateLimitConfig(ctx, tenant.ID); err == nil && rl != nil {
		tc.RateLimits = *rl
	} else {
		tc.RateLimits = models.DefaultRateLimits(tenant.ID, tenant.Tier)
	}
	if q, err := r.repo.GetQuotaConfig(ctx, tenant.ID); err == nil && q != nil {
		tc.Quota = *q
	} else {
		tc.Quota = models.DefaultQuota(tenant.ID, tenant.Tier)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey, tc, r.cacheTTL); err != nil {
			r.logger.Warn("Failed to cache tenant context", map[string]interface{}{
				"tenant_id": tenant.ID,
			})
		}
	}

	// Last-used is best effort and must not block the request
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.repo.TouchAPIKey(touchCtx, keyHash, time.Now().UTC()); err != nil {
			r.logger.Debug("Failed to update key last-used", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return tc, nil
}

// Invalidate drops the cached context bound to one bearer secret. Tenant-wide
// cache invalidation cannot reach these entries because they are keyed by the
// secret's hash, so key revocation calls this directly.
func (r *Resolver) Invalidate(ctx context.Context, secret string) error {
	if r.cache == nil {
		return nil
	}
	err := r.cache.Delete(ctx, r.keys.Tenant(r.HashSecret(secret)[:16]))
	if err != nil && err != cache.ErrNotFound {
		return err
	}
	return nil
}

// prefixOf extracts a loggable key prefix without exposing the secret
func prefixOf(secret string) string {
	if len(secret) > 8 {
		return secret[:8]
	}
	return "short"
}
