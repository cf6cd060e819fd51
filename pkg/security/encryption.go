// Package security provides credential encryption with per-tenant key
// isolation and the vendor credential store built on it.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// blobVersion is the ciphertext format version. The framed blob is
// version || salt || nonce || ciphertext+tag, base64-encoded for storage.
const blobVersion = 1

const (
	saltSize = 32
	keySize  = 32
	keyIter  = 10000
)

// ErrCiphertextInvalid is returned for malformed or truncated blobs
var ErrCiphertextInvalid = fmt.Errorf("invalid ciphertext blob")

// EncryptionService encrypts credentials with AES-256-GCM. The data key is
// derived per tenant from the master key and the tenant's isolation
// namespace, so one tenant's key can never open another tenant's blob:
// cross-namespace decryption fails GCM authentication.
type EncryptionService struct {
	masterKey []byte
}

// NewEncryptionService creates an encryption service from the master secret
func NewEncryptionService(masterKey string) *EncryptionService {
	// Normalize the master secret to 32 bytes
	hash := sha256.Sum256([]byte(masterKey))
	return &EncryptionService{masterKey: hash[:]}
}

// deriveKey derives the namespace-scoped data key. PBKDF2-SHA256 with a
// per-ciphertext salt; derivation is deterministic for a (namespace, salt)
// pair and always yields 32 bytes.
func (e *EncryptionService) deriveKey(namespace string, salt []byte) []byte {
	secret := make([]byte, 0, len(e.masterKey)+len(namespace))
	secret = append(secret, e.masterKey...)
	secret = append(secret, []byte(namespace)...)
	return pbkdf2.Key(secret, salt, keyIter, keySize, sha256.New)
}

// Encrypt seals plaintext under the tenant namespace and returns the
// base64-framed blob.
func (e *EncryptionService) Encrypt(plaintext, namespace string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	block, err := aes.NewCipher(e.deriveKey(namespace, salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, 1+len(salt)+len(nonce)+len(sealed))
	blob = append(blob, blobVersion)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt under the same namespace. A blob
// sealed under a different namespace fails with an authentication error; no
// plaintext bytes are ever produced for a cross-tenant attempt.
func (e *EncryptionService) Decrypt(encoded, namespace string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64 framing", ErrCiphertextInvalid)
	}
	if len(blob) < 1+saltSize+12 {
		return "", fmt.Errorf("%w: too short", ErrCiphertextInvalid)
	}
	if blob[0] != blobVersion {
		return "", fmt.Errorf("%w: unsupported version %d", ErrCiphertextInvalid, blob[0])
	}

	salt := blob[1 : 1+saltSize]
	rest := blob[1+saltSize:]

	block, err := aes.NewCipher(e.deriveKey(namespace, salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return "", fmt.Errorf("%w: missing nonce", ErrCiphertextInvalid)
	}

	plaintext, err := gcm.Open(nil, rest[:nonceSize], rest[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption authentication failed: %w", err)
	}
	return string(plaintext), nil
}

// GenerateSecureToken generates a cryptographically secure random token
func GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
