package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/org/nestcircle/internal/coordination"
)

const keepaliveInterval = 25 * time.Second

// EventStreamHandler handles GET /v1/channels/{channelID}/events: an SSE
// stream of the channel room. Each event is one data line carrying the
// tagged wire envelope. There is no replay; a client connecting after a
// rotation reconciles through the key store, not the stream.
func (s *Server) EventStreamHandler(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	userID := userIDFromCtx(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := s.hub.Subscribe(channelID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Debug().Str("channel", channelID).Str("user", userID).Msg("event stream opened")
	defer log.Debug().Str("channel", channelID).Str("user", userID).Msg("event stream closed")

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()

		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := coordination.Encode(ev)
			if err != nil {
				log.Warn().Err(err).Str("channel", channelID).Msg("dropping unencodable event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
