package vault

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aioarena/backend/internal/core"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("test-process-secret")
	require.NoError(t, err)

	kib := make([]byte, 1024)
	_, err = rand.Read(kib)
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "sk-abc123"},
		{"random 1KiB", string(kib)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := v.Encrypt(tt.plaintext)
			require.NoError(t, err)
			require.Len(t, strings.Split(blob, ":"), 3)

			got, err := v.Decrypt(blob)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, got)
		})
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New("test-process-secret")
	require.NoError(t, err)

	a, err := v.Encrypt("same input")
	require.NoError(t, err)
	b, err := v.Encrypt("same input")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	v1, err := New("secret-one")
	require.NoError(t, err)
	v2, err := New("secret-two")
	require.NoError(t, err)

	blob, err := v1.Encrypt("sk-abc123")
	require.NoError(t, err)

	_, err = v2.Decrypt(blob)
	require.Error(t, err)
	assert.Equal(t, core.KindEncryption, core.KindOf(err))
}

func TestDecryptTamperedBlobFails(t *testing.T) {
	v, err := New("test-process-secret")
	require.NoError(t, err)

	blob, err := v.Encrypt("sk-abc123")
	require.NoError(t, err)

	parts := strings.Split(blob, ":")
	// flip one nibble of the ciphertext
	ct := []byte(parts[2])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(ct)

	_, err = v.Decrypt(tampered)
	require.Error(t, err)
	assert.Equal(t, core.KindEncryption, core.KindOf(err))
}

func TestDecryptMalformedBlob(t *testing.T) {
	v, err := New("test-process-secret")
	require.NoError(t, err)

	tests := []struct {
		name string
		blob string
	}{
		{"no separators", "deadbeef"},
		{"two parts", "dead:beef"},
		{"not hex", "zz:zz:zz"},
		{"empty", ""},
		{"wrong iv size", "dead:beefbeefbeefbeefbeefbeefbeef:beef"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decrypt(tt.blob)
			require.Error(t, err)
			assert.Equal(t, core.KindEncryption, core.KindOf(err))
		})
	}
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestSignatureHeader(t *testing.T) {
	body := []byte(`{"version":"1.0","agentId":"a1"}`)

	signed := SignatureHeader(body, "shared-secret")
	assert.True(t, strings.HasPrefix(signed, "sha256="))

	unsigned := SignatureHeader(body, "")
	assert.Equal(t, NoSignature, unsigned)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"version":"1.0","agentId":"a1"}`)
	header := SignatureHeader(body, "shared-secret")

	assert.True(t, VerifySignature(body, header, "shared-secret"))
	assert.False(t, VerifySignature(body, header, "other-secret"))
	assert.False(t, VerifySignature([]byte("tampered"), header, "shared-secret"))
	assert.False(t, VerifySignature(body, "sha256=deadbeef", "shared-secret"))

	// no secret configured accepts only the literal marker
	assert.True(t, VerifySignature(body, NoSignature, ""))
	assert.False(t, VerifySignature(body, header, ""))
}

func TestGenerateNonce(t *testing.T) {
	a, err := GenerateNonce()
	require.NoError(t, err)
	b, err := GenerateNonce()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}
