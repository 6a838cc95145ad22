package models

import "time"

const (
	// AlgorithmAESGCM is the only cipher algorithm the engine accepts.
	AlgorithmAESGCM = "AES-GCM"

	// KeyLengthBits is the only key length the engine accepts.
	KeyLengthBits = 256
)

// EncryptionKey is a channel encryption key held by a client session.
// Secret is the raw 32-byte key material and must never appear in logs
// or serialized output.
type EncryptionKey struct {
	ID        string     `json:"id"`
	Secret    []byte     `json:"-"`
	Algorithm string     `json:"algorithm"`
	KeyLength int        `json:"keyLength"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"` // nil = never expires (imported legacy keys)
}

// EncryptedPayload is the output of one encryption call.
// IV is freshly random for every call; reuse under the same key breaks GCM.
type EncryptedPayload struct {
	EncryptedContent string `json:"encryptedContent"` // base64 ciphertext
	KeyID            string `json:"keyId"`
	IV               string `json:"iv"` // base64, 12 bytes
}

// KeyRecord is the wire/storage form of a key for the key store and the
// key-shared coordination event. KeyBytes is a plain number array to match
// the record format other clients produce.
type KeyRecord struct {
	KeyBytes  []int      `json:"keyBytes"`
	KeyID     string     `json:"keyId"`
	KeyLength int        `json:"keyLength"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// RotationStatus is the key/status endpoint response.
type RotationStatus struct {
	KeyID           string  `json:"keyId"`
	Fingerprint     string  `json:"fingerprint"`
	DaysUntilExpiry float64 `json:"daysUntilExpiry"`
	NeedsRotation   bool    `json:"needsRotation"`
	InGracePeriod   bool    `json:"inGracePeriod"`
}
