package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/internal/crypto"
	"github.com/org/nestcircle/internal/keystore"
	"github.com/org/nestcircle/internal/storage"
	"github.com/org/nestcircle/pkg/models"
)

// memBackend is an in-memory storage.Backend for handler tests.
type memBackend struct {
	mu       sync.Mutex
	records  map[string]*models.KeyRecord
	messages []*models.Message
	down     bool
}

func newMemBackend() *memBackend {
	return &memBackend{records: map[string]*models.KeyRecord{}}
}

func (m *memBackend) SaveKeyRecord(ctx context.Context, recordKey string, rec *models.KeyRecord, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("backend down")
	}
	m.records[recordKey] = rec
	return nil
}

func (m *memBackend) LoadKeyRecord(ctx context.Context, recordKey string) (*models.KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errors.New("backend down")
	}
	rec, ok := m.records[recordKey]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (m *memBackend) AppendMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("backend down")
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memBackend) ListMessages(ctx context.Context, channelID string, limit int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errors.New("backend down")
	}
	var out []*models.Message
	for i := len(m.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if m.messages[i].ChannelID == channelID {
			out = append(out, m.messages[i])
		}
	}
	return out, nil
}

func (m *memBackend) CountKeyRecords(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errors.New("backend down")
	}
	return int64(len(m.records)), nil
}

func (m *memBackend) CountMessages(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.messages)), nil
}

func (m *memBackend) Close() {}

func newTestServer(t *testing.T) (*memBackend, *coordination.Hub, http.Handler) {
	t.Helper()
	backend := newMemBackend()
	hub := coordination.NewHub()
	t.Cleanup(hub.Close)
	srv := NewServer(backend, hub, Config{ListenAddr: ":0"})
	return backend, hub, srv.BuildRouter()
}

func doJSON(t *testing.T, h http.Handler, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func testRecord(t *testing.T) *models.KeyRecord {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	rec, err := keystore.ToRecord(key)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestChannelRoutesRequireIdentity(t *testing.T) {
	_, _, h := newTestServer(t)

	for _, path := range []string{
		"/v1/channels/chan-1/key",
		"/v1/channels/chan-1/key/status",
		"/v1/channels/chan-1/messages",
	} {
		rr := doJSON(t, h, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without identity: %d, want 401", path, rr.Code)
		}
	}
}

func TestKeyGetAbsentIs404(t *testing.T) {
	_, _, h := newTestServer(t)

	rr := doJSON(t, h, http.MethodGet, "/v1/channels/chan-1/key", "parent-1", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rr.Code)
	}
}

func TestKeyPutGetRoundTrip(t *testing.T) {
	_, _, h := newTestServer(t)
	rec := testRecord(t)

	rr := doJSON(t, h, http.MethodPost, "/v1/channels/chan-1/key", "parent-1", rec)
	if rr.Code != http.StatusOK {
		t.Fatalf("put status %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/channels/chan-1/key", "parent-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status %d", rr.Code)
	}
	var got models.KeyRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.KeyID != rec.KeyID || len(got.KeyBytes) != len(rec.KeyBytes) {
		t.Error("round-tripped record differs")
	}

	// Records are per (channel, user): another user sees nothing.
	rr = doJSON(t, h, http.MethodGet, "/v1/channels/chan-1/key", "parent-2", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("other user's get: %d, want 404", rr.Code)
	}
}

func TestKeyPutRejectsMalformedRecord(t *testing.T) {
	_, _, h := newTestServer(t)

	rec := testRecord(t)
	rec.KeyBytes = rec.KeyBytes[:5]
	rr := doJSON(t, h, http.MethodPost, "/v1/channels/chan-1/key", "parent-1", rec)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rr.Code)
	}
}

func TestKeyStatus(t *testing.T) {
	_, _, h := newTestServer(t)

	rr := doJSON(t, h, http.MethodPost, "/v1/channels/chan-1/key", "parent-1", testRecord(t))
	if rr.Code != http.StatusOK {
		t.Fatal(rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/channels/chan-1/key/status", "parent-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var st models.RotationStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.NeedsRotation || st.InGracePeriod {
		t.Error("fresh key should not need rotation")
	}
	if st.Fingerprint == "" || st.KeyID == "" {
		t.Error("status missing key identity fields")
	}
	if st.DaysUntilExpiry < 29 || st.DaysUntilExpiry > 30 {
		t.Errorf("daysUntilExpiry = %v", st.DaysUntilExpiry)
	}
}

func TestKeyStatusExpiredKey(t *testing.T) {
	_, _, h := newTestServer(t)

	rec := testRecord(t)
	created := time.Now().Add(-32 * 24 * time.Hour)
	expires := created.Add(crypto.MaxKeyAge)
	rec.CreatedAt = created
	rec.ExpiresAt = &expires
	if rr := doJSON(t, h, http.MethodPost, "/v1/channels/chan-1/key", "parent-1", rec); rr.Code != http.StatusOK {
		t.Fatal(rr.Body.String())
	}

	rr := doJSON(t, h, http.MethodGet, "/v1/channels/chan-1/key/status", "parent-1", nil)
	var st models.RotationStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if !st.NeedsRotation {
		t.Error("expired key must need rotation")
	}
	if !st.InGracePeriod {
		t.Error("2 days past expiry is inside the grace period")
	}
	if st.DaysUntilExpiry >= 0 {
		t.Errorf("daysUntilExpiry = %v, want negative", st.DaysUntilExpiry)
	}
}

func TestMessagePostAndList(t *testing.T) {
	_, _, h := newTestServer(t)

	body := map[string]any{
		"encryptedContent": "b2s=",
		"encryptionKeyId":  "key-1",
		"iv":               "AAAAAAAAAAAAAAAA",
		"isEncrypted":      true,
	}
	rr := doJSON(t, h, http.MethodPost, "/v1/channels/chan-1/messages", "parent-1", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("post status %d: %s", rr.Code, rr.Body.String())
	}
	var posted models.Message
	if err := json.Unmarshal(rr.Body.Bytes(), &posted); err != nil {
		t.Fatal(err)
	}
	if posted.ID == "" || posted.UserID != "parent-1" || !posted.IsEncrypted {
		t.Errorf("posted message malformed: %+v", posted)
	}

	rr = doJSON(t, h, http.MethodGet, "/v1/channels/chan-1/messages?limit=10", "parent-1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status %d", rr.Code)
	}
	var listed struct {
		Messages []*models.Message `json:"messages"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Messages) != 1 || listed.Messages[0].ID != posted.ID {
		t.Errorf("listed %d messages", len(listed.Messages))
	}
}

func TestMessagePostRejectsAmbiguousMode(t *testing.T) {
	_, _, h := newTestServer(t)

	cases := []map[string]any{
		// claims encryption without ciphertext
		{"isEncrypted": true, "content": "hi"},
		// plaintext carrying encryption fields
		{"isEncrypted": false, "content": "hi", "iv": "AAAA"},
		// encrypted carrying plaintext too
		{"isEncrypted": true, "encryptedContent": "b2s=", "encryptionKeyId": "k", "iv": "AAAA", "content": "hi"},
		// nothing at all
		{"isEncrypted": false},
	}
	for i, body := range cases {
		rr := doJSON(t, h, http.MethodPost, "/v1/channels/chan-1/messages", "parent-1", body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("case %d: status %d, want 400", i, rr.Code)
		}
	}
}

func TestMessagePostRelaysToRoom(t *testing.T) {
	_, hub, h := newTestServer(t)
	sub := hub.Subscribe("chan-1")
	defer sub.Close()

	body := map[string]any{"content": "see you at the gate", "isEncrypted": false}
	if rr := doJSON(t, h, http.MethodPost, "/v1/channels/chan-1/messages", "parent-1", body); rr.Code != http.StatusCreated {
		t.Fatal(rr.Body.String())
	}

	select {
	case ev := <-sub.C:
		posted, ok := ev.(coordination.MessagePosted)
		if !ok {
			t.Fatalf("got %T", ev)
		}
		if posted.Message.Content != "see you at the gate" {
			t.Error("relayed wrong message")
		}
	case <-time.After(time.Second):
		t.Fatal("no relay event")
	}
}

func TestRotationRelayEndpoints(t *testing.T) {
	_, hub, h := newTestServer(t)
	sub := hub.Subscribe("chan-1")
	defer sub.Close()

	rec := testRecord(t)
	calls := []struct {
		path string
		body any
	}{
		{"/v1/channels/chan-1/rotation/started", map[string]any{}},
		{"/v1/channels/chan-1/rotation/shared", rec},
		{"/v1/channels/chan-1/rotation/completed", map[string]any{"newKeyId": rec.KeyID}},
	}
	for _, call := range calls {
		rr := doJSON(t, h, http.MethodPost, call.path, "parent-1", call.body)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("POST %s: %d %s", call.path, rr.Code, rr.Body.String())
		}
	}

	want := []string{
		coordination.TypeRotationStarted,
		coordination.TypeKeyShared,
		coordination.TypeRotationCompleted,
	}
	for _, typ := range want {
		select {
		case ev := <-sub.C:
			switch typ {
			case coordination.TypeRotationStarted:
				if _, ok := ev.(coordination.RotationStarted); !ok {
					t.Errorf("got %T, want RotationStarted", ev)
				}
			case coordination.TypeKeyShared:
				shared, ok := ev.(coordination.KeyShared)
				if !ok {
					t.Fatalf("got %T, want KeyShared", ev)
				}
				if shared.Key.KeyID != rec.KeyID {
					t.Error("relayed wrong key record")
				}
			case coordination.TypeRotationCompleted:
				done, ok := ev.(coordination.RotationCompleted)
				if !ok {
					t.Fatalf("got %T, want RotationCompleted", ev)
				}
				if done.NewKeyID != rec.KeyID {
					t.Error("relayed wrong key id")
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}
}

func TestHealth(t *testing.T) {
	backend, _, h := newTestServer(t)

	rr := doJSON(t, h, http.MethodGet, "/v1/sys/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}

	backend.mu.Lock()
	backend.down = true
	backend.mu.Unlock()
	rr = doJSON(t, h, http.MethodGet, "/v1/sys/health", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("down store: status %d, want 503", rr.Code)
	}
}

func TestEventStream(t *testing.T) {
	_, hub, h := newTestServer(t)

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/channels/chan-1/events", nil)
	req.Header.Set("X-User-ID", "parent-1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	hub.Publish(coordination.RotationStarted{ChannelID: "chan-1", UserID: "parent-2"}, nil)

	scanner := bufio.NewScanner(resp.Body)
	deadline := time.AfterFunc(3*time.Second, cancel)
	defer deadline.Stop()
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		ev, err := coordination.Decode([]byte(strings.TrimPrefix(line, "data: ")))
		if err != nil {
			t.Fatalf("decoding stream event: %v", err)
		}
		started, ok := ev.(coordination.RotationStarted)
		if !ok {
			t.Fatalf("got %T", ev)
		}
		if started.UserID != "parent-2" {
			t.Errorf("UserID = %q", started.UserID)
		}
		return
	}
	t.Fatal("stream ended without an event")
}
