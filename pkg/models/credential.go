package models

import "time"

// Vendor identifies an upstream LLM provider
type Vendor string

// Supported vendors
const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorGoogle    Vendor = "google"
)

// Valid reports whether the vendor tag is one of the supported vendors
func (v Vendor) Valid() bool {
	switch v {
	case VendorOpenAI, VendorAnthropic, VendorGoogle:
		return true
	}
	return false
}

// VendorCredential is a per-tenant, per-vendor upstream secret. The
// ciphertext is only decryptable with the key derived from the owning
// tenant's isolation namespace.
type VendorCredential struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	Vendor        Vendor     `json:"vendor" db:"vendor"`
	Ciphertext    string     `json:"-" db:"ciphertext"`
	FormatVersion int        `json:"format_version" db:"format_version"`
	Active        bool       `json:"active" db:"active"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	RotatedAt     *time.Time `json:"rotated_at,omitempty" db:"rotated_at"`
}

// RotationEntry records one credential rotation for the audit trail
type RotationEntry struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	Vendor       Vendor    `json:"vendor" db:"vendor"`
	CredentialID string    `json:"credential_id" db:"credential_id"`
	Reason       string    `json:"reason" db:"reason"`
	RotatedAt    time.Time `json:"rotated_at" db:"rotated_at"`
}
