package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/nestcircle/internal/crypto"
	"github.com/org/nestcircle/internal/keystore"
	"github.com/org/nestcircle/internal/storage"
	"github.com/org/nestcircle/pkg/models"
)

// KeyGetHandler handles GET /v1/channels/{channelID}/key.
// Absence is a 404, never an empty 200: clients branch on it to decide
// between generating a first key and treating the store as down.
func (s *Server) KeyGetHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := userIDFromCtx(r.Context())

	rec, err := s.store.LoadKeyRecord(r.Context(), keystore.RecordKey(channelID, userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no key record for channel")
			return
		}
		log.Error().Err(err).Str("channel", channelID).Msg("key record load failed")
		writeError(w, http.StatusInternalServerError, "key store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// KeyPutHandler handles POST /v1/channels/{channelID}/key. The record is
// validated for shape, sealed, and stored with the configured TTL.
func (s *Server) KeyPutHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := userIDFromCtx(r.Context())

	var rec models.KeyRecord
	if err := decodeJSON(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Reject records no client could ever use.
	if _, err := keystore.FromRecord(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "malformed key record")
		return
	}

	if err := s.store.SaveKeyRecord(r.Context(), keystore.RecordKey(channelID, userID), &rec, s.recordTTL); err != nil {
		log.Error().Err(err).Str("channel", channelID).Msg("key record save failed")
		writeError(w, http.StatusInternalServerError, "key store unavailable")
		return
	}
	log.Info().Str("channel", channelID).Str("key", rec.KeyID).Msg("key record stored")
	writeJSON(w, http.StatusOK, map[string]any{"stored": true, "keyId": rec.KeyID})
}

// KeyStatusHandler handles GET /v1/channels/{channelID}/key/status,
// reporting the rotation posture of the caller's current key.
func (s *Server) KeyStatusHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := userIDFromCtx(r.Context())

	rec, err := s.store.LoadKeyRecord(r.Context(), keystore.RecordKey(channelID, userID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no key record for channel")
			return
		}
		writeError(w, http.StatusInternalServerError, "key store unavailable")
		return
	}

	key, err := keystore.FromRecord(rec)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored key record is malformed")
		return
	}
	fp, err := crypto.Fingerprint(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stored key record is malformed")
		return
	}

	now := time.Now()
	writeJSON(w, http.StatusOK, models.RotationStatus{
		KeyID:           key.ID,
		Fingerprint:     fp,
		DaysUntilExpiry: crypto.DaysUntilExpiry(key, now),
		NeedsRotation:   crypto.RotationDueAt(key, now),
		InGracePeriod:   crypto.InGracePeriodAt(key, now),
	})
}
