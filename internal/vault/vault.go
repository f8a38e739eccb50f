package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aioarena/backend/internal/core"
)

// ============================================================================
// CREDENTIAL VAULT
// ============================================================================

// NoSignature is the signature header value when no secret is configured.
const NoSignature = "none"

// Vault provides authenticated symmetric encryption for credentials at
// rest and HMAC signing for webhook payloads. Safe for concurrent use.
type Vault struct {
	key []byte // 32 bytes, derived from the process secret
}

// New derives the AES-256 key from the process secret by SHA-256.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("credential secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	return &Vault{key: key[:]}, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns the blob in
// "iv:tag:ciphertext" hex form.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("gcm init: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("iv generation: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// Decrypt opens an "iv:tag:ciphertext" hex blob. Any parse or
// authentication failure surfaces as an encryption-kind error; the blob
// itself is never included in the error.
func (v *Vault) Decrypt(blob string) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", core.NewError(core.KindEncryption, "malformed credential blob")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", core.NewError(core.KindEncryption, "malformed credential blob")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", core.NewError(core.KindEncryption, "malformed credential blob")
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", core.NewError(core.KindEncryption, "malformed credential blob")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", core.WrapError(core.KindEncryption, err, "cipher init")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", core.WrapError(core.KindEncryption, err, "gcm init")
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcm.Overhead() {
		return "", core.NewError(core.KindEncryption, "malformed credential blob")
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", core.NewError(core.KindEncryption, "credential decryption failed")
	}
	return string(plaintext), nil
}

// ============================================================================
// WEBHOOK SIGNATURES
// ============================================================================

// SignPayload creates the HMAC-SHA256 signature for webhook verification.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds the X-AIO-Signature value: "sha256=<hex>", or
// the literal "none" when no secret is configured.
func SignatureHeader(payload []byte, secret string) string {
	if secret == "" {
		return NoSignature
	}
	return "sha256=" + SignPayload(payload, secret)
}

// VerifySignature checks a signature header against the payload using
// constant-time comparison.
func VerifySignature(payload []byte, header, secret string) bool {
	if secret == "" {
		return header == NoSignature
	}
	expected := "sha256=" + SignPayload(payload, secret)
	return hmac.Equal([]byte(header), []byte(expected))
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// GenerateNonce returns 32 bytes of randomness, hex-encoded.
func GenerateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}
