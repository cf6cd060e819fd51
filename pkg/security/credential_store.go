package security

import (
	"context"
	"time"

	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrCredentialNotFound is returned when a tenant has no active credential
// for the requested vendor.
var ErrCredentialNotFound = errors.New("no active vendor credential")

// CredentialRepository is the durable-store surface the credential store
// consumes. Implemented in pkg/repository.
type CredentialRepository interface {
	GetActiveCredential(ctx context.Context, tenantID string, vendor models.Vendor) (*models.VendorCredential, error)
	InsertCredential(ctx context.Context, cred *models.VendorCredential) error
	MarkRotated(ctx context.Context, credentialID string, rotatedAt time.Time) error
	AppendRotation(ctx context.Context, entry *models.RotationEntry) error
}

// credEnvelope is the cached plaintext envelope
type credEnvelope struct {
	Plaintext string    `json:"plaintext"`
	CachedAt  time.Time `json:"cached_at"`
}

// CredentialStore manages encrypted vendor credentials per tenant. Writes
// go straight to the durable store; reads go cache-through with a short TTL
// so rotation takes effect quickly across gateway instances.
type CredentialStore struct {
	encryption *EncryptionService
	repo       CredentialRepository
	cache      cache.Cache
	keys       *cache.Keys
	logger     observability.Logger
	cacheTTL   time.Duration
}

// NewCredentialStore creates a credential store
func NewCredentialStore(encryption *EncryptionService, repo CredentialRepository, c cache.Cache, keys *cache.Keys, logger observability.Logger, cacheTTL time.Duration) *CredentialStore {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Minute
	}
	return &CredentialStore{
		encryption: encryption,
		repo:       repo,
		cache:      c,
		keys:       keys,
		logger:     logger,
		cacheTTL:   cacheTTL,
	}
}

// Store encrypts and persists a vendor credential for the tenant. A
// previously active credential for the same (tenant, vendor) is rotated out
// and retained in the rotation history.
func (s *CredentialStore) Store(ctx context.Context, tenant *models.TenantContext, vendor models.Vendor, plaintext string) error {
	return s.store(ctx, tenant, vendor, plaintext, "replaced")
}

// Rotate is Store with an explicit rotation reason for the audit trail
func (s *CredentialStore) Rotate(ctx context.Context, tenant *models.TenantContext, vendor models.Vendor, plaintext, reason string) error {
	if reason == "" {
		reason = "rotation"
	}
	return s.store(ctx, tenant, vendor, plaintext, reason)
}

func (s *CredentialStore) store(ctx context.Context, tenant *models.TenantContext, vendor models.Vendor, plaintext, reason string) error {
	ciphertext, err := s.encryption.Encrypt(plaintext, tenant.IsolationNamespace)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt credential")
	}

	now := time.Now().UTC()

	// Rotate out the previous active credential, if any
	prev, err := s.repo.GetActiveCredential(ctx, tenant.TenantID, vendor)
	if err != nil && !errors.Is(err, ErrCredentialNotFound) {
		return errors.Wrap(err, "failed to look up active credential")
	}
	if prev != nil {
		if err := s.repo.MarkRotated(ctx, prev.ID, now); err != nil {
			return errors.Wrap(err, "failed to rotate out previous credential")
		}
		if err := s.repo.AppendRotation(ctx, &models.RotationEntry{
			ID:           uuid.NewString(),
			TenantID:     tenant.TenantID,
			Vendor:       vendor,
			CredentialID: prev.ID,
			Reason:       reason,
			RotatedAt:    now,
		}); err != nil {
			return errors.Wrap(err, "failed to record rotation history")
		}
	}

	cred := &models.VendorCredential{
		ID:            uuid.NewString(),
		TenantID:      tenant.TenantID,
		Vendor:        vendor,
		Ciphertext:    ciphertext,
		FormatVersion: blobVersion,
		Active:        true,
		CreatedAt:     now,
	}
	if err := s.repo.InsertCredential(ctx, cred); err != nil {
		return errors.Wrap(err, "failed to persist credential")
	}

	// Drop any cached plaintext for the old credential
	if s.cache != nil {
		_ = s.cache.Delete(ctx, s.keys.VendorCred(tenant.TenantID, vendor))
	}

	s.logger.Info("Vendor credential stored", map[string]interface{}{
		"tenant_id": tenant.TenantID,
		"vendor":    vendor,
		"rotated":   prev != nil,
		"reason":    reason,
	})
	return nil
}

// Fetch returns the decrypted credential for (tenant, vendor), consulting
// the cache first. A decryption authentication failure is an internal
// invariant violation and is surfaced, never swallowed.
func (s *CredentialStore) Fetch(ctx context.Context, tenant *models.TenantContext, vendor models.Vendor) (string, error) {
	cacheKey := s.keys.VendorCred(tenant.TenantID, vendor)

	if s.cache != nil {
		var env credEnvelope
		if err := s.cache.Get(ctx, cacheKey, &env); err == nil {
			return env.Plaintext, nil
		}
	}

	cred, err := s.repo.GetActiveCredential(ctx, tenant.TenantID, vendor)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return "", ErrCredentialNotFound
		}
		return "", errors.Wrap(err, "failed to load credential")
	}
	if cred == nil {
		return "", ErrCredentialNotFound
	}

	plaintext, err := s.encryption.Decrypt(cred.Ciphertext, tenant.IsolationNamespace)
	if err != nil {
		s.logger.Error("Credential decryption failed", map[string]interface{}{
			"tenant_id":      tenant.TenantID,
			"vendor":         vendor,
			"credential_id":  cred.ID,
			"format_version": cred.FormatVersion,
		})
		return "", errors.Wrap(err, "credential decryption failed")
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, credEnvelope{Plaintext: plaintext, CachedAt: time.Now().UTC()}, s.cacheTTL); err != nil {
			s.logger.Warn("Failed to cache credential", map[string]interface{}{
				"tenant_id": tenant.TenantID,
				"vendor":    vendor,
			})
		}
	}
	return plaintext, nil
}
