package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-agent/internal/config"
	"github.com/stemsi/exstem-agent/internal/database"
	"github.com/stemsi/exstem-agent/internal/engine"
	"github.com/stemsi/exstem-agent/internal/handler"
	"github.com/stemsi/exstem-agent/internal/logger"
	"github.com/stemsi/exstem-agent/internal/netcheck"
	"github.com/stemsi/exstem-agent/internal/router"
	"github.com/stemsi/exstem-agent/internal/store"
	"github.com/stemsi/exstem-agent/internal/validator"
	"github.com/stemsi/exstem-agent/internal/vault"
	"github.com/stemsi/exstem-agent/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("addr", cfg.ListenAddr).
		Str("store", string(cfg.StoreDriver)).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Agent")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Device Key ────────────────────────────────────────────────────
	if cfg.DeviceSecret == "" {
		log.Fatal().Msg("DEVICE_SECRET is required to unlock the device key")
	}
	keys, err := vault.NewFileKeyStore(cfg.KeyFilePath, []byte(cfg.DeviceSecret), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open key store")
	}
	if err := keys.EnsureKey(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure device key")
	}
	cipher := vault.NewCipher(keys, log)

	// ─── Stores & Network Oracle ───────────────────────────────────────
	var (
		sessions store.SessionStore
		answers  store.AnswerStore
		oracle   netcheck.Oracle
	)

	switch cfg.StoreDriver {
	case config.DriverLab:
		pool, err := database.NewPostgresPool(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
		}
		defer pool.Close()

		rdb, err := database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()

		sessions = store.NewPostgresSessionStore(pool)
		answers = store.NewRedisAnswerStore(rdb, log)
		oracle = netcheck.NewRedisOracle(rdb)

	default:
		local, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open SQLite store")
		}
		defer local.Close()

		sessions = local
		answers = local
		oracle = netcheck.NewHTTPOracle(cfg.HealthProbeURL, cfg.HealthProbeTimeout, log)
	}

	// ─── Session Engine ────────────────────────────────────────────────
	eng := engine.New(cipher, sessions, answers, oracle, cfg.AutosaveDebounce, cfg.CountdownTick, log)
	defer eng.Close()

	// ─── Start Background Worker ───────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	resubmit := worker.NewResubmitWorker(eng, sessions, oracle, cfg.ResubmitEvery, log)
	go resubmit.Start(workerCtx)

	// ─── Setup Router ──────────────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(eng, log),
		Stream:  handler.NewStreamHandler(eng, log, cfg.AllowedOrigins),
	}
	r := router.SetupRouter(handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Agent listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the retry worker and the engine timers.
	workerCancel()
	eng.Close()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
