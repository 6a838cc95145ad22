// Package chat is the message send/read path. It sits between the HTTP
// surface and the session controller: outgoing text is encrypted under
// the channel key before it is persisted, and stored ciphertext is
// decrypted best-effort on the way back out.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/internal/session"
	"github.com/org/nestcircle/internal/storage"
	"github.com/org/nestcircle/pkg/models"
)

var (
	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nestcircle_messages_sent_total",
		Help: "Messages sent, by storage mode.",
	}, []string{"mode"})

	decryptFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nestcircle_message_decrypt_failures_total",
		Help: "Stored messages that could not be decrypted on read.",
	})
)

func init() {
	prometheus.MustRegister(messagesSent, decryptFailures)
}

// ErrEncryptionRequired is returned by Send when the message could not be
// encrypted and plaintext fallback is disabled.
var ErrEncryptionRequired = errors.New("chat: encryption required but unavailable")

// Composer writes and reads messages for one channel session. A message
// is only ever stored in one of two explicit modes: encrypted (ciphertext
// plus key id and IV) or plaintext with IsEncrypted=false. There is no
// silent middle ground.
type Composer struct {
	channelID string
	userID    string
	session   *session.Controller
	store     storage.Backend
	hub       *coordination.Hub

	// allowPlaintext permits sending in the clear when the key store is
	// unreachable and no channel key is held. Off by default.
	allowPlaintext bool
}

// NewComposer binds a composer to a mounted session controller.
func NewComposer(channelID, userID string, sess *session.Controller, store storage.Backend, hub *coordination.Hub, allowPlaintext bool) *Composer {
	return &Composer{
		channelID:      channelID,
		userID:         userID,
		session:        sess,
		store:          store,
		hub:            hub,
		allowPlaintext: allowPlaintext,
	}
}

// Send encrypts, persists, and relays one outgoing message. When the
// session reports rotation is required, Send rotates once and retries the
// encryption once; a send is never silently performed under a key that
// was due for replacement. When encryption is unavailable outright (no
// key held, store unreachable) the message goes out in plaintext only if
// the composer was configured to allow it.
func (c *Composer) Send(ctx context.Context, text string) (*models.Message, error) {
	msg := &models.Message{
		ID:        uuid.NewString(),
		ChannelID: c.channelID,
		UserID:    c.userID,
		CreatedAt: time.Now().UTC(),
	}

	payload, err := c.session.Encrypt(text)
	if errors.Is(err, session.ErrRotationRequired) {
		if rerr := c.session.RotateKey(ctx); rerr != nil {
			return nil, fmt.Errorf("rotating before send: %w", rerr)
		}
		payload, err = c.session.Encrypt(text)
	}

	switch {
	case err == nil:
		msg.IsEncrypted = true
		msg.EncryptedContent = payload.EncryptedContent
		msg.EncryptionKeyID = payload.KeyID
		msg.IV = payload.IV

	case errors.Is(err, session.ErrEncryptionUnavailable) && c.allowPlaintext:
		log.Warn().
			Str("channel", c.channelID).
			Str("user", c.userID).
			Msg("encryption unavailable, sending plaintext")
		msg.IsEncrypted = false
		msg.Content = text

	case errors.Is(err, session.ErrEncryptionUnavailable):
		return nil, fmt.Errorf("%w: %v", ErrEncryptionRequired, err)

	default:
		return nil, fmt.Errorf("encrypting message: %w", err)
	}

	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("storing message: %w", err)
	}
	c.hub.Publish(coordination.MessagePosted{ChannelID: c.channelID, Message: *msg}, nil)

	if msg.IsEncrypted {
		messagesSent.WithLabelValues("encrypted").Inc()
	} else {
		messagesSent.WithLabelValues("plaintext").Inc()
	}
	return msg, nil
}

// Open returns the readable text of a stored message: the plaintext body
// for unencrypted messages, or the decryption of the ciphertext under the
// current channel key.
func (c *Composer) Open(msg *models.Message) (string, error) {
	if !msg.IsEncrypted {
		return msg.Content, nil
	}
	text, err := c.session.Decrypt(&models.EncryptedPayload{
		EncryptedContent: msg.EncryptedContent,
		KeyID:            msg.EncryptionKeyID,
		IV:               msg.IV,
	})
	if err != nil {
		return "", fmt.Errorf("opening message %s: %w", msg.ID, err)
	}
	return text, nil
}

// History lists the channel's most recent messages with a best-effort
// decryption pass. Messages that no longer decrypt (rotated away from
// without re-encryption, or tampered at rest) are returned with an empty
// Content and their ciphertext fields intact, so the caller can still
// show the envelope.
func (c *Composer) History(ctx context.Context, limit int) ([]*models.Message, error) {
	msgs, err := c.store.ListMessages(ctx, c.channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	for _, msg := range msgs {
		if !msg.IsEncrypted {
			continue
		}
		text, err := c.Open(msg)
		if err != nil {
			decryptFailures.Inc()
			log.Warn().
				Str("channel", c.channelID).
				Str("message", msg.ID).
				Str("key", msg.EncryptionKeyID).
				Msg("stored message no longer decrypts")
			continue
		}
		msg.Content = text
	}
	return msgs, nil
}
