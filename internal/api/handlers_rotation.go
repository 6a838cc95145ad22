package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/internal/keystore"
	"github.com/org/nestcircle/pkg/models"
)

// Rotation relay endpoints. The server performs no rotation itself; it
// fans a client's coordination events out to the other participants of
// the channel room. Delivery is at-most-once: a participant who misses
// an event self-heals from the key store.

// RotationStartedHandler handles POST /v1/channels/{channelID}/rotation/started.
func (s *Server) RotationStartedHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := userIDFromCtx(r.Context())

	s.hub.Publish(coordination.RotationStarted{ChannelID: channelID, UserID: userID}, nil)
	log.Debug().Str("channel", channelID).Str("user", userID).Msg("rotation started relayed")
	writeJSON(w, http.StatusAccepted, map[string]any{"relayed": true})
}

// RotationSharedHandler handles POST /v1/channels/{channelID}/rotation/shared.
// The body is the key record being handed to peers; it is relayed, not
// stored (the client persists through the key endpoint separately).
func (s *Server) RotationSharedHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := userIDFromCtx(r.Context())

	var rec models.KeyRecord
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := keystore.FromRecord(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "malformed key record")
		return
	}

	s.hub.Publish(coordination.KeyShared{ChannelID: channelID, UserID: userID, Key: rec}, nil)
	log.Debug().Str("channel", channelID).Str("key", rec.KeyID).Msg("key share relayed")
	writeJSON(w, http.StatusAccepted, map[string]any{"relayed": true})
}

// RotationCompletedHandler handles POST /v1/channels/{channelID}/rotation/completed.
func (s *Server) RotationCompletedHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := userIDFromCtx(r.Context())

	var req struct {
		NewKeyID            string `json:"newKeyId"`
		MessagesReEncrypted int    `json:"messagesReEncrypted"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.hub.Publish(coordination.RotationCompleted{
		ChannelID:           channelID,
		UserID:              userID,
		NewKeyID:            req.NewKeyID,
		MessagesReEncrypted: req.MessagesReEncrypted,
	}, nil)
	log.Debug().Str("channel", channelID).Str("key", req.NewKeyID).Msg("rotation completed relayed")
	writeJSON(w, http.StatusAccepted, map[string]any{"relayed": true})
}
