package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/nestcircle/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist (or its
// TTL has lapsed). Absence of a key record is a normal outcome, not a
// transport failure.
var ErrNotFound = errors.New("not found")

// Record TTLs. The web client historically wrote key records with a 7-day
// TTL while the keys themselves lived 30 days, so a still-valid key could
// vanish from the store before its cryptographic expiry. The default here
// matches the key max-age to close that gap; LegacyRecordTTL is kept for
// deployments that still want the old behavior.
const (
	DefaultRecordTTL = 30 * 24 * time.Hour
	LegacyRecordTTL  = 7 * 24 * time.Hour
)

// Backend defines the persistence interface for the channel-key store and
// the message archive.
type Backend interface {
	// Key records, addressed by the keystore record key
	// ("encryption_key:{channelId}_{userId}"). Every save applies ttl from
	// the moment of the call; reads past the TTL return ErrNotFound.
	SaveKeyRecord(ctx context.Context, recordKey string, rec *models.KeyRecord, ttl time.Duration) error
	LoadKeyRecord(ctx context.Context, recordKey string) (*models.KeyRecord, error)

	// Messages.
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, channelID string, limit int) ([]*models.Message, error)

	// Metrics helpers.
	CountKeyRecords(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)

	// Lifecycle.
	Close()
}
