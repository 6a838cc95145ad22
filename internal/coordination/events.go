// Package coordination is the realtime key-coordination channel: one
// broadcast room per chat channel carrying rotation events and new-key
// handoffs between session participants. Delivery is at-most-once and
// unordered across event types; a client offline during rotation misses
// the broadcast and self-heals from the key store on next load.
package coordination

import (
	"encoding/json"
	"fmt"

	"github.com/org/nestcircle/pkg/models"
)

// Event is one coordination event. The concrete variants are
// RotationStarted, KeyShared, RotationCompleted, and MessagePosted;
// subscribers handle them with an exhaustive type switch.
type Event interface {
	Channel() string
	eventType() string
}

// RotationStarted announces that a participant has begun rotating the
// channel key. Advisory: receivers flag rotation as needed but take no
// other action.
type RotationStarted struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// KeyShared carries a freshly generated key to other session participants.
// The key store write always precedes or accompanies this broadcast.
type KeyShared struct {
	ChannelID string           `json:"channelId"`
	UserID    string           `json:"userId"`
	Key       models.KeyRecord `json:"keyData"`
}

// RotationCompleted announces a finished rotation. Receivers re-load from
// the key store unconditionally; a duplicate update after KeyShared is
// harmless.
type RotationCompleted struct {
	ChannelID           string `json:"channelId"`
	UserID              string `json:"userId"`
	NewKeyID            string `json:"newKeyId"`
	MessagesReEncrypted int    `json:"messagesReEncrypted"`
}

// MessagePosted relays a persisted message to channel viewers. The relay
// itself is plain pass-through; it is the transport the rotation events
// ride on.
type MessagePosted struct {
	ChannelID string         `json:"channelId"`
	Message   models.Message `json:"message"`
}

func (e RotationStarted) Channel() string   { return e.ChannelID }
func (e KeyShared) Channel() string         { return e.ChannelID }
func (e RotationCompleted) Channel() string { return e.ChannelID }
func (e MessagePosted) Channel() string     { return e.ChannelID }

func (RotationStarted) eventType() string   { return TypeRotationStarted }
func (KeyShared) eventType() string         { return TypeKeyShared }
func (RotationCompleted) eventType() string { return TypeRotationCompleted }
func (MessagePosted) eventType() string     { return TypeMessagePosted }

// Wire names, matching what the web clients emit and expect.
const (
	TypeRotationStarted   = "keyRotationStarted"
	TypeKeyShared         = "encryptionKeyShared"
	TypeRotationCompleted = "keyRotationCompleted"
	TypeMessagePosted     = "messagePosted"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes an event into its wire envelope.
func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: ev.eventType(), Data: data})
}

// Decode parses a wire envelope back into its tagged variant.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	var ev Event
	switch env.Type {
	case TypeRotationStarted:
		var e RotationStarted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	case TypeKeyShared:
		var e KeyShared
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	case TypeRotationCompleted:
		var e RotationCompleted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	case TypeMessagePosted:
		var e MessagePosted
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	return ev, nil
}
