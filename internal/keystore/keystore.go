// Package keystore is the client side of the channel-key store: it
// round-trips opaque key records for a (channel, user) pair against the
// backing store collaborator.
package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/nestcircle/pkg/models"
)

var (
	// ErrNotFound means no key record exists for the pair. This is a
	// normal outcome ("no key yet"), distinct from ErrUnavailable.
	ErrNotFound = errors.New("keystore: key record not found")

	// ErrUnavailable means the backing store could not be reached or
	// failed; callers must not treat it as absence.
	ErrUnavailable = errors.New("keystore: store unavailable")
)

// Client loads and saves channel keys for one (channel, user) pair.
type Client interface {
	Load(ctx context.Context, channelID, userID string) (*models.EncryptionKey, error)
	Save(ctx context.Context, channelID, userID string, key *models.EncryptionKey) error
}

// RecordKey is the store address for a pair's key record.
func RecordKey(channelID, userID string) string {
	return fmt.Sprintf("encryption_key:%s_%s", channelID, userID)
}
