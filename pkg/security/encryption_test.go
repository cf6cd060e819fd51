package security

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc := NewEncryptionService("test-master-key")

	blob, err := svc.Encrypt("sk-vendor-secret", "ns-tenant-1")
	require.NoError(t, err)
	assert.NotContains(t, blob, "sk-vendor-secret")

	plaintext, err := svc.Decrypt(blob, "ns-tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "sk-vendor-secret", plaintext)
}

func TestEncryptProducesUniqueBlobs(t *testing.T) {
	svc := NewEncryptionService("test-master-key")

	first, err := svc.Encrypt("same-secret", "ns-tenant-1")
	require.NoError(t, err)
	second, err := svc.Encrypt("same-secret", "ns-tenant-1")
	require.NoError(t, err)

	// Fresh salt and nonce per call
	assert.NotEqual(t, first, second)
}

func TestCrossNamespaceDecryptionFails(t *testing.T) {
	svc := NewEncryptionService("test-master-key")

	blob, err := svc.Encrypt("tenant-a-secret", "ns-tenant-a")
	require.NoError(t, err)

	plaintext, err := svc.Decrypt(blob, "ns-tenant-b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
	assert.Empty(t, plaintext)
}

func TestDecryptRejectsMalformedBlobs(t *testing.T) {
	svc := NewEncryptionService("test-master-key")

	tests := []struct {
		name string
		blob string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte{blobVersion, 1, 2, 3})},
		{"unknown version", base64.StdEncoding.EncodeToString(append([]byte{99}, make([]byte, saltSize+12+16)...))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Decrypt(tt.blob, "ns-tenant-1")
			assert.ErrorIs(t, err, ErrCiphertextInvalid)
		})
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	svc := NewEncryptionService("test-master-key")

	blob, err := svc.Encrypt("tamper-target", "ns-tenant-1")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	_, err = svc.Decrypt(base64.StdEncoding.EncodeToString(raw), "ns-tenant-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestDifferentMasterKeysDisagree(t *testing.T) {
	first := NewEncryptionService("master-key-one")
	second := NewEncryptionService("master-key-two")

	blob, err := first.Encrypt("secret", "ns-tenant-1")
	require.NoError(t, err)

	_, err = second.Decrypt(blob, "ns-tenant-1")
	assert.Error(t, err)
}

func TestGenerateSecureToken(t *testing.T) {
	token, err := GenerateSecureToken(32)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	other, err := GenerateSecureToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
	assert.False(t, strings.ContainsAny(token, "+/"))
}
