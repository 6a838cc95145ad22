package keystore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/nestcircle/internal/storage"
	"github.com/org/nestcircle/pkg/models"
)

// DirectClient is a Client wired straight to a storage backend, used for
// in-process sessions and the server's own key endpoints.
type DirectClient struct {
	store storage.Backend
	ttl   time.Duration
}

// NewDirectClient creates a DirectClient. A zero ttl uses the default
// record TTL.
func NewDirectClient(store storage.Backend, ttl time.Duration) *DirectClient {
	if ttl <= 0 {
		ttl = storage.DefaultRecordTTL
	}
	return &DirectClient{store: store, ttl: ttl}
}

func (c *DirectClient) Load(ctx context.Context, channelID, userID string) (*models.EncryptionKey, error) {
	rec, err := c.store.LoadKeyRecord(ctx, RecordKey(channelID, userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return FromRecord(rec)
}

func (c *DirectClient) Save(ctx context.Context, channelID, userID string, key *models.EncryptionKey) error {
	rec, err := ToRecord(key)
	if err != nil {
		return err
	}
	if err := c.store.SaveKeyRecord(ctx, RecordKey(channelID, userID), rec, c.ttl); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
