package api

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler handles GET /v1/sys/health. Storage reachability decides
// readiness; a down store degrades the key endpoints, so report it.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code := http.StatusOK
	storageOK := true
	if _, err := s.store.CountKeyRecords(ctx); err != nil {
		code = http.StatusServiceUnavailable
		storageOK = false
	}

	writeJSON(w, code, map[string]any{
		"status":  http.StatusText(code),
		"storage": storageOK,
		"version": "1.0.0",
	})
}
