// Package session hosts the encryption session controller: the stateful
// orchestrator bound to one chat channel for one client session. It loads
// or creates the channel key on mount, exposes encrypt/decrypt, performs
// rotation, and reacts to rotation events from peers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/internal/crypto"
	"github.com/org/nestcircle/internal/keystore"
	"github.com/org/nestcircle/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	rotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestcircle_key_rotations_total",
		Help: "Key rotations attempted by session controllers, by result.",
	}, []string{"result"})

	keysAdopted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nestcircle_peer_keys_adopted_total",
		Help: "Newer peer keys adopted via coordination events.",
	})
)

func init() {
	prometheus.MustRegister(rotationsTotal, keysAdopted)
}

// defaultTimeout bounds store round trips when the caller's context
// carries no deadline, so the controller cannot hang in Loading or
// Rotating.
const defaultTimeout = 10 * time.Second

// Controller manages the encryption key for one (channel, user) session.
// It owns the in-memory current-key reference exclusively; the key store
// is the durable backing.
type Controller struct {
	channelID string
	userID    string
	store     keystore.Client
	hub       *coordination.Hub

	mu            sync.Mutex
	state         State
	key           *models.EncryptionKey
	needsRotation bool
	lastErr       error
	mounted       bool

	sub        *coordination.Subscription
	loopDone   chan struct{}
	loopCtx    context.Context
	loopCancel context.CancelFunc
}

// New creates an unmounted controller. The hub and store are injected;
// their lifecycles belong to the application, not the controller.
func New(channelID, userID string, store keystore.Client, hub *coordination.Hub) *Controller {
	return &Controller{
		channelID: channelID,
		userID:    userID,
		store:     store,
		hub:       hub,
		state:     StateUninitialized,
	}
}

// Mount loads the channel key (creating one if absent), subscribes to
// coordination events, and brings the controller to Ready. A store outage
// is surfaced as keystore.ErrUnavailable but leaves the controller mounted
// in a degraded state: Encrypt fails with ErrEncryptionUnavailable and the
// send path decides the fallback policy.
func (c *Controller) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.mounted {
		c.mu.Unlock()
		return errors.New("session: already mounted")
	}
	c.mounted = true
	c.state = StateLoading
	c.sub = c.hub.Subscribe(c.channelID)
	c.loopDone = make(chan struct{})
	c.loopCtx, c.loopCancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	go c.eventLoop()

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	key, err := c.store.Load(ctx, c.channelID, c.userID)
	switch {
	case err == nil:
		if crypto.IsRotationDue(key) {
			c.setReady(key, true, nil)
			if rerr := c.RotateKey(ctx); rerr != nil {
				return rerr
			}
			return nil
		}
		c.setReady(key, false, nil)
		return nil

	case errors.Is(err, keystore.ErrNotFound):
		// No key yet: generate one and persist it before use.
		key, err := crypto.GenerateKey()
		if err != nil {
			c.setReady(nil, false, err)
			return err
		}
		if err := c.store.Save(ctx, c.channelID, c.userID, key); err != nil {
			// Do not fabricate a key we could not persist; peers loading
			// later would never see it.
			c.setReady(nil, false, err)
			return err
		}
		c.setReady(key, false, nil)
		log.Info().Str("channel", c.channelID).Str("key", key.ID).Msg("generated initial channel key")
		return nil

	default:
		c.setReady(nil, false, err)
		return err
	}
}

// Encrypt encrypts outgoing message text with the current channel key.
// Fails fast with ErrRotationRequired when rotation is due instead of
// silently encrypting under an expiring key.
func (c *Controller) Encrypt(text string) (*models.EncryptedPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted || c.state != StateReady {
		return nil, fmt.Errorf("%w: state %s", ErrNotReady, c.state)
	}
	if c.key == nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionUnavailable, c.lastErr)
	}
	if c.needsRotation {
		return nil, ErrRotationRequired
	}

	payload, err := crypto.Encrypt(text, c.key)
	if errors.Is(err, crypto.ErrKeyExpired) {
		c.needsRotation = true
		return nil, fmt.Errorf("%w: %v", ErrRotationRequired, err)
	}
	return payload, err
}

// Decrypt decrypts an incoming payload with the current channel key.
// Expiry does not gate decryption; an expired or grace-period key still
// opens prior messages.
func (c *Controller) Decrypt(payload *models.EncryptedPayload) (string, error) {
	c.mu.Lock()
	key := c.key
	ready := c.mounted && c.state == StateReady
	c.mu.Unlock()

	if !ready {
		return "", ErrNotReady
	}
	if key == nil {
		return "", fmt.Errorf("%w: no key held", ErrEncryptionUnavailable)
	}
	return crypto.Decrypt(payload, key)
}

// RotateKey replaces the channel key: announce, generate, persist, share,
// complete. The store write always precedes the key-shared broadcast so a
// peer that misses the event self-heals from the store. On failure the
// controller returns to Ready on the old key with needsRotation still set
// and the call may be retried.
func (c *Controller) RotateKey(ctx context.Context) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.state == StateRotating {
		c.mu.Unlock()
		return ErrRotationInProgress
	}
	oldKey := c.key
	sub := c.sub
	c.state = StateRotating
	c.mu.Unlock()

	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()

	c.hub.Publish(coordination.RotationStarted{ChannelID: c.channelID, UserID: c.userID}, sub)

	newKey, err := crypto.GenerateKey()
	if err != nil {
		return c.failRotation(oldKey, err)
	}
	if err := c.store.Save(ctx, c.channelID, c.userID, newKey); err != nil {
		return c.failRotation(oldKey, err)
	}

	rec, err := keystore.ToRecord(newKey)
	if err != nil {
		return c.failRotation(oldKey, err)
	}
	c.hub.Publish(coordination.KeyShared{ChannelID: c.channelID, UserID: c.userID, Key: *rec}, sub)
	c.hub.Publish(coordination.RotationCompleted{
		ChannelID: c.channelID,
		UserID:    c.userID,
		NewKeyID:  newKey.ID,
	}, sub)

	c.setReady(newKey, false, nil)
	rotationsTotal.WithLabelValues("ok").Inc()
	log.Info().Str("channel", c.channelID).Str("key", newKey.ID).Msg("rotated channel key")
	return nil
}

func (c *Controller) failRotation(oldKey *models.EncryptionKey, err error) error {
	c.mu.Lock()
	if c.mounted {
		c.state = StateReady
		// Keep a newer peer key adopted mid-rotation; otherwise fall back
		// to the key we were rotating away from.
		if c.key == nil || oldKey == nil || !c.key.CreatedAt.After(oldKey.CreatedAt) {
			c.key = oldKey
		}
		c.needsRotation = true
		c.lastErr = err
	}
	c.mu.Unlock()
	rotationsTotal.WithLabelValues("error").Inc()
	log.Error().Err(err).Str("channel", c.channelID).Msg("key rotation failed")
	return fmt.Errorf("%w: %v", ErrRotationFailed, err)
}

// Close unsubscribes from coordination events and tears the session down.
// Cancelling loopCtx first aborts any store round trip the event loop has
// in flight, so Close does not wait out a store timeout. In-flight results
// are discarded once the controller is unmounted; no key material is
// scrubbed here.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mounted = false
	sub := c.sub
	done := c.loopDone
	cancel := c.loopCancel
	c.mu.Unlock()

	cancel()
	sub.Close()
	<-done
}

// --- coordination event handling ---

func (c *Controller) eventLoop() {
	defer close(c.loopDone)
	for ev := range c.sub.C {
		switch ev := ev.(type) {
		case coordination.RotationStarted:
			// Advisory: a peer began rotating. Surface it as a hint only.
			c.mu.Lock()
			if c.mounted {
				c.needsRotation = true
			}
			c.mu.Unlock()

		case coordination.KeyShared:
			c.handleKeyShared(ev)

		case coordination.RotationCompleted:
			c.handleRotationCompleted()

		case coordination.MessagePosted:
			// Relay traffic; not the controller's concern.
		}
	}
}

// handleKeyShared adopts an incoming key iff it is strictly newer than the
// held one. Newest-createdAt-wins is the sole conflict-resolution rule:
// duplicate rotations are wasted work, not a correctness hazard.
func (c *Controller) handleKeyShared(ev coordination.KeyShared) {
	key, err := keystore.FromRecord(&ev.Key)
	if err != nil {
		log.Warn().Err(err).Str("channel", c.channelID).Msg("ignoring malformed shared key")
		return
	}

	c.mu.Lock()
	if !c.mounted || (c.key != nil && !key.CreatedAt.After(c.key.CreatedAt)) {
		c.mu.Unlock()
		return // torn down, or a stale/duplicate broadcast
	}
	c.key = key
	c.needsRotation = false
	c.lastErr = nil
	if c.state == StateLoading {
		c.state = StateReady
	}
	c.mu.Unlock()

	keysAdopted.Inc()
	log.Debug().Str("channel", c.channelID).Str("key", key.ID).Msg("adopted newer peer key")

	// Persist the adopted key into this user's own record so a later
	// reload (or the resync after rotationCompleted) sees it. Best
	// effort: the in-memory adoption already happened.
	ctx, cancel := context.WithTimeout(c.loopCtx, defaultTimeout)
	defer cancel()
	if err := c.store.Save(ctx, c.channelID, c.userID, key); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("channel", c.channelID).Msg("could not persist adopted peer key")
	}
}

// handleRotationCompleted re-loads from the key store to resynchronize.
// The loaded key is adopted only if it is newer than the held one, so a
// resync can never regress a key already adopted via keyShared. The load
// runs under loopCtx so Close aborts it instead of waiting it out.
func (c *Controller) handleRotationCompleted() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.loopCtx, defaultTimeout)
	defer cancel()

	key, err := c.store.Load(ctx, c.channelID, c.userID)
	if err != nil {
		if !errors.Is(err, keystore.ErrNotFound) && !errors.Is(err, context.Canceled) {
			c.mu.Lock()
			if c.mounted {
				c.lastErr = err
			}
			c.mu.Unlock()
			log.Warn().Err(err).Str("channel", c.channelID).Msg("resync after rotation failed")
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return
	}
	if c.key != nil && c.key.CreatedAt.After(key.CreatedAt) {
		return
	}
	c.key = key
	c.needsRotation = crypto.IsRotationDue(key)
	c.lastErr = nil
	if c.state == StateLoading {
		c.state = StateReady
	}
}

// --- accessors ---

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NeedsRotation reports the rotation hint flag.
func (c *Controller) NeedsRotation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsRotation
}

// CurrentKeyID returns the held key's id, or "" when degraded.
func (c *Controller) CurrentKeyID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		return ""
	}
	return c.key.ID
}

// CurrentKey returns the held key, or nil when degraded.
func (c *Controller) CurrentKey() *models.EncryptionKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// LastError returns the most recent store or rotation error, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) setReady(key *models.EncryptionKey, needsRotation bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.mounted {
		return // torn down while loading; discard the result
	}
	// A peer key adopted while we were loading wins if it is newer.
	if c.key != nil && (key == nil || c.key.CreatedAt.After(key.CreatedAt)) {
		c.state = StateReady
		return
	}
	c.state = StateReady
	c.key = key
	c.needsRotation = needsRotation
	c.lastErr = err
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, defaultTimeout)
}
