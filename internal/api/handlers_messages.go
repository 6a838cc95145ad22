package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/pkg/models"
)

const defaultMessageLimit = 50

// MessagePostHandler handles POST /v1/channels/{channelID}/messages.
// The body is either a plaintext record or a ciphertext record; mixing
// the two (or claiming encryption without ciphertext) is rejected so a
// message's storage mode is always explicit.
func (s *Server) MessagePostHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := userIDFromCtx(r.Context())

	var req struct {
		Content          string `json:"content"`
		EncryptedContent string `json:"encryptedContent"`
		EncryptionKeyID  string `json:"encryptionKeyId"`
		IV               string `json:"iv"`
		IsEncrypted      bool   `json:"isEncrypted"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.IsEncrypted {
		if req.EncryptedContent == "" || req.EncryptionKeyID == "" || req.IV == "" {
			writeError(w, http.StatusBadRequest, "encrypted message requires encryptedContent, encryptionKeyId and iv")
			return
		}
		if req.Content != "" {
			writeError(w, http.StatusBadRequest, "encrypted message must not carry plaintext content")
			return
		}
	} else {
		if req.Content == "" {
			writeError(w, http.StatusBadRequest, "message content required")
			return
		}
		if req.EncryptedContent != "" || req.EncryptionKeyID != "" || req.IV != "" {
			writeError(w, http.StatusBadRequest, "plaintext message must not carry encryption fields")
			return
		}
	}

	msg := &models.Message{
		ID:               uuid.NewString(),
		ChannelID:        channelID,
		UserID:           userID,
		Content:          req.Content,
		EncryptedContent: req.EncryptedContent,
		EncryptionKeyID:  req.EncryptionKeyID,
		IV:               req.IV,
		IsEncrypted:      req.IsEncrypted,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.AppendMessage(r.Context(), msg); err != nil {
		log.Error().Err(err).Str("channel", channelID).Msg("message store failed")
		writeError(w, http.StatusInternalServerError, "message store unavailable")
		return
	}

	s.hub.Publish(coordination.MessagePosted{ChannelID: channelID, Message: *msg}, nil)
	writeJSON(w, http.StatusCreated, msg)
}

// MessageListHandler handles GET /v1/channels/{channelID}/messages?limit=.
// Records come back as stored; decryption is the caller's business.
func (s *Server) MessageListHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")

	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := s.store.ListMessages(r.Context(), channelID, limit)
	if err != nil {
		log.Error().Err(err).Str("channel", channelID).Msg("message list failed")
		writeError(w, http.StatusInternalServerError, "message store unavailable")
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
