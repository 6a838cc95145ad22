package keystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/org/nestcircle/pkg/models"
)

// HTTPClient is a Client that talks to the server's channel-key endpoints.
// The authenticated user id travels in the X-User-ID header; the identity
// layer in front of the server is expected to have verified it.
type HTTPClient struct {
	addr string
	http *http.Client
}

// NewHTTPClient creates an HTTPClient for the given base address, e.g.
// "http://localhost:8330".
func NewHTTPClient(addr string) *HTTPClient {
	return &HTTPClient{
		addr: addr,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) Load(ctx context.Context, channelID, userID string) (*models.EncryptionKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/channels/%s/key", c.addr, channelID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-User-ID", userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, body)
	}

	var rec models.KeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: decoding key record: %v", ErrUnavailable, err)
	}
	return FromRecord(&rec)
}

func (c *HTTPClient) Save(ctx context.Context, channelID, userID string, key *models.EncryptionKey) error {
	rec, err := ToRecord(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/channels/%s/key", c.addr, channelID), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, body)
	}
	return nil
}
