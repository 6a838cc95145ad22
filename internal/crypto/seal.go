package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Record sealing wraps stored key-record blobs at rest. The sealing key is
// derived from the server master secret and is unrelated to any channel
// key; the sealed record stays opaque to everything but the storage layer.

const sealContext = "nestcircle-record-seal-v1"

// DeriveSealKey derives the 32-byte record-sealing key from the server
// master secret using HKDF-SHA256.
func DeriveSealKey(master []byte) ([]byte, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master secret")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(sealContext))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving seal key: %w", err)
	}
	return key, nil
}

// SealRecord encrypts a record blob with AES-256-GCM. The nonce is
// prepended to the ciphertext for storage.
func SealRecord(plain, sealKey []byte) ([]byte, error) {
	gcm, err := newGCM(sealKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	ct := gcm.Seal(nil, nonce, plain, nil)
	out := make([]byte, len(nonce)+len(ct))
	copy(out, nonce)
	copy(out[len(nonce):], ct)
	return out, nil
}

// OpenRecord decrypts a blob produced by SealRecord.
func OpenRecord(sealed, sealKey []byte) ([]byte, error) {
	gcm, err := newGCM(sealKey)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed record too short")
	}
	nonce := sealed[:gcm.NonceSize()]
	ct := sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed record: %w", err)
	}
	return plain, nil
}

// ZeroBytes wipes key material in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
