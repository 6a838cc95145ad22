package crypto

import (
	"time"

	"github.com/org/nestcircle/pkg/models"
)

// Key lifecycle constants. A key encrypts for MaxKeyAge; for GracePeriod
// after expiry it still decrypts old messages while new encryption is
// refused. ReencryptBatchSize is the advisory batch size for bulk
// re-encryption of message history; the encrypt/decrypt paths do not
// enforce it.
const (
	MaxKeyAge          = 30 * 24 * time.Hour
	GracePeriod        = 7 * 24 * time.Hour
	ReencryptBatchSize = 100
)

// IsRotationDue reports whether the key has reached its expiry.
// Keys without an expiry never rotate.
func IsRotationDue(key *models.EncryptionKey) bool {
	return RotationDueAt(key, time.Now())
}

// RotationDueAt is IsRotationDue evaluated at an explicit instant.
func RotationDueAt(key *models.EncryptionKey, at time.Time) bool {
	if key == nil || key.ExpiresAt == nil {
		return false
	}
	return !at.Before(*key.ExpiresAt)
}

// IsInGracePeriod reports whether the key is within GracePeriod past its
// expiry. By construction this is only true once rotation is already due;
// it is informational (keep decrypting, warn on encrypting), not a distinct
// phase before expiry.
func IsInGracePeriod(key *models.EncryptionKey) bool {
	return InGracePeriodAt(key, time.Now())
}

// InGracePeriodAt is IsInGracePeriod evaluated at an explicit instant.
func InGracePeriodAt(key *models.EncryptionKey, at time.Time) bool {
	if key == nil || key.ExpiresAt == nil {
		return false
	}
	return !at.Before(*key.ExpiresAt) && !at.After(key.ExpiresAt.Add(GracePeriod))
}

// DaysUntilExpiry returns the remaining key lifetime in days, negative once
// expired. Keys without an expiry report zero.
func DaysUntilExpiry(key *models.EncryptionKey, at time.Time) float64 {
	if key == nil || key.ExpiresAt == nil {
		return 0
	}
	return key.ExpiresAt.Sub(at).Hours() / 24
}
