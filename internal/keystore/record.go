package keystore

import (
	"fmt"

	"github.com/org/nestcircle/internal/crypto"
	"github.com/org/nestcircle/pkg/models"
)

// ToRecord converts a key into its wire/storage record form. KeyBytes is a
// plain number array for compatibility with records written by the web
// client.
func ToRecord(key *models.EncryptionKey) (*models.KeyRecord, error) {
	raw, err := crypto.ExportRaw(key)
	if err != nil {
		return nil, err
	}
	bytes := make([]int, len(raw))
	for i, b := range raw {
		bytes[i] = int(b)
	}
	return &models.KeyRecord{
		KeyBytes:  bytes,
		KeyID:     key.ID,
		KeyLength: key.KeyLength,
		CreatedAt: key.CreatedAt,
		ExpiresAt: key.ExpiresAt,
	}, nil
}

// FromRecord reconstructs a usable key from a stored or shared record.
func FromRecord(rec *models.KeyRecord) (*models.EncryptionKey, error) {
	raw := make([]byte, len(rec.KeyBytes))
	for i, n := range rec.KeyBytes {
		if n < 0 || n > 255 {
			return nil, fmt.Errorf("%w: key byte %d out of range", crypto.ErrInvalidKey, n)
		}
		raw[i] = byte(n)
	}
	return crypto.ImportRaw(raw, rec.KeyID, rec.KeyLength, rec.CreatedAt, rec.ExpiresAt)
}
