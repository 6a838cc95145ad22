package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/org/nestcircle/pkg/models"
)

const (
	keyBytes = models.KeyLengthBits / 8
	ivBytes  = 12
)

// GenerateKey creates a fresh AES-GCM-256 channel key with a new UUID id.
// The key expires MaxKeyAge after creation.
func GenerateKey() (*models.EncryptionKey, error) {
	secret := make([]byte, keyBytes)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	now := time.Now().UTC()
	expires := now.Add(MaxKeyAge)
	return &models.EncryptionKey{
		ID:        uuid.NewString(),
		Secret:    secret,
		Algorithm: models.AlgorithmAESGCM,
		KeyLength: models.KeyLengthBits,
		CreatedAt: now,
		ExpiresAt: &expires,
	}, nil
}

// Encrypt encrypts plaintext under key with a freshly random 12-byte IV.
// Fails with ErrInvalidKey for malformed keys and ErrKeyExpired when the
// key's expiry has passed.
func Encrypt(plaintext string, key *models.EncryptionKey) (*models.EncryptedPayload, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if key.ExpiresAt != nil && !time.Now().Before(*key.ExpiresAt) {
		return nil, fmt.Errorf("%w: key %s expired at %s", ErrKeyExpired, key.ID, key.ExpiresAt.Format(time.RFC3339))
	}

	gcm, err := newGCM(key.Secret)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivBytes)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}
	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)

	return &models.EncryptedPayload{
		EncryptedContent: base64.StdEncoding.EncodeToString(ciphertext),
		KeyID:            key.ID,
		IV:               base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// Decrypt decrypts a payload with the supplied key. Expired keys still
// decrypt; only encryption is gated by expiry.
func Decrypt(payload *models.EncryptedPayload, key *models.EncryptionKey) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.EncryptedContent)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext encoding", ErrDecryptionFailed)
	}
	iv, err := base64.StdEncoding.DecodeString(payload.IV)
	if err != nil {
		return "", fmt.Errorf("%w: bad iv encoding", ErrDecryptionFailed)
	}
	if len(iv) != ivBytes {
		return "", fmt.Errorf("%w: iv must be %d bytes", ErrDecryptionFailed, ivBytes)
	}

	gcm, err := newGCM(key.Secret)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: key %s", ErrDecryptionFailed, key.ID)
	}
	return string(plaintext), nil
}

// ExportRaw returns a copy of the raw key material for storage or sharing.
func ExportRaw(key *models.EncryptionKey) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	out := make([]byte, len(key.Secret))
	copy(out, key.Secret)
	return out, nil
}

// ImportRaw reconstructs a key from exported material. A zero createdAt
// defaults to now; a nil expiresAt means the key never expires, which is
// how legacy keys without lifecycle metadata are carried.
func ImportRaw(raw []byte, id string, lengthBits int, createdAt time.Time, expiresAt *time.Time) (*models.EncryptionKey, error) {
	if lengthBits != models.KeyLengthBits || len(raw) != keyBytes {
		return nil, fmt.Errorf("%w: expected %d-bit key material", ErrInvalidKey, models.KeyLengthBits)
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing key id", ErrInvalidKey)
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	secret := make([]byte, keyBytes)
	copy(secret, raw)
	return &models.EncryptionKey{
		ID:        id,
		Secret:    secret,
		Algorithm: models.AlgorithmAESGCM,
		KeyLength: models.KeyLengthBits,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Fingerprint returns a short human-checkable identity for a key:
// base64(SHA-256(raw)) truncated to 16 characters. Never used in control flow.
func Fingerprint(key *models.EncryptionKey) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	sum := sha256.Sum256(key.Secret)
	return base64.StdEncoding.EncodeToString(sum[:])[:16], nil
}

// ValidateKey rejects keys that deviate from AES-GCM-256 or are missing
// identity metadata.
func ValidateKey(key *models.EncryptionKey) error {
	switch {
	case key == nil:
		return fmt.Errorf("%w: nil key", ErrInvalidKey)
	case key.Algorithm != models.AlgorithmAESGCM:
		return fmt.Errorf("%w: algorithm %q", ErrInvalidKey, key.Algorithm)
	case key.KeyLength != models.KeyLengthBits:
		return fmt.Errorf("%w: length %d", ErrInvalidKey, key.KeyLength)
	case len(key.Secret) != keyBytes:
		return fmt.Errorf("%w: secret is %d bytes", ErrInvalidKey, len(key.Secret))
	case key.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidKey)
	case key.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing creation time", ErrInvalidKey)
	}
	return nil
}

func newGCM(secret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
