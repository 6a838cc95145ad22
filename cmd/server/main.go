package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/nestcircle/internal/api"
	"github.com/org/nestcircle/internal/coordination"
	"github.com/org/nestcircle/internal/storage"
)

type config struct {
	ListenAddr    string `yaml:"listen_addr"`
	TLSCertFile   string `yaml:"tls_cert"`
	TLSKeyFile    string `yaml:"tls_key"`
	DBUrl         string `yaml:"db_url"`
	MasterKey     string `yaml:"master_key"` // seals stored key records at rest
	RecordTTL     string `yaml:"record_ttl"` // Go duration, e.g. "720h"
	MigrationsDir string `yaml:"migrations_dir"`
	LogLevel      string `yaml:"log_level"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Local .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("NESTCIRCLE_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:    ":8330",
		MigrationsDir: "migrations",
		LogLevel:      "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("NESTCIRCLE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("NESTCIRCLE_MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}
	if cfg.MasterKey == "" {
		log.Fatal().Msg("master_key must be configured (or NESTCIRCLE_MASTER_KEY env var)")
	}

	recordTTL := storage.DefaultRecordTTL
	if cfg.RecordTTL != "" {
		recordTTL, err = time.ParseDuration(cfg.RecordTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid record_ttl")
		}
	}

	ctx := context.Background()

	// Connect to database
	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl, []byte(cfg.MasterKey))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	// Run migrations
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	hub := coordination.NewHub()
	defer hub.Close()

	srv := api.NewServer(store, hub, api.Config{
		ListenAddr:  cfg.ListenAddr,
		TLSCertFile: cfg.TLSCertFile,
		TLSKeyFile:  cfg.TLSKeyFile,
		RecordTTL:   recordTTL,
	})

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
