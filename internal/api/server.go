package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/internal/storage"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	RecordTTL   time.Duration
}

// Server hosts the channel key store, the message archive, and the
// realtime coordination relay. Encryption and decryption of messages
// happen on clients; stored key records are sealed at rest and handed
// back to their owners verbatim.
type Server struct {
	store     storage.Backend
	hub       *coordination.Hub
	recordTTL time.Duration
	cfg       Config
	httpSrv   *http.Server
	stop      chan struct{}
}

// NewServer creates a fully wired Server.
func NewServer(store storage.Backend, hub *coordination.Hub, cfg Config) *Server {
	ttl := cfg.RecordTTL
	if ttl <= 0 {
		ttl = storage.DefaultRecordTTL
	}
	return &Server{
		store:     store,
		hub:       hub,
		recordTTL: ttl,
		cfg:       cfg,
		stop:      make(chan struct{}),
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)
	r.Use(requestLogMiddleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Get("/v1/sys/health", s.HealthHandler)

	// Channel routes require an asserted identity
	r.Route("/v1/channels/{channelID}", func(r chi.Router) {
		r.Use(identityMiddleware)

		r.Get("/key", s.KeyGetHandler)
		r.Post("/key", s.KeyPutHandler)
		r.Get("/key/status", s.KeyStatusHandler)

		r.Post("/messages", s.MessagePostHandler)
		r.Get("/messages", s.MessageListHandler)

		r.Post("/rotation/started", s.RotationStartedHandler)
		r.Post("/rotation/shared", s.RotationSharedHandler)
		r.Post("/rotation/completed", s.RotationCompletedHandler)

		r.Get("/events", s.EventStreamHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the SSE event stream is long-lived.
		IdleTimeout: 60 * time.Second,
	}

	go s.gaugeLoop()

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

func (s *Server) gaugeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.refreshStorageGauges(context.Background())
	for {
		select {
		case <-ticker.C:
			s.refreshStorageGauges(context.Background())
		case <-s.stop:
			return
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
