package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkarols/daybook-api/internal/auth"
	"github.com/mkarols/daybook-api/internal/authcode"
	"github.com/mkarols/daybook-api/internal/db"
	"github.com/mkarols/daybook-api/internal/httpapi"
	"github.com/mkarols/daybook-api/internal/notify"
	"github.com/mkarols/daybook-api/internal/scanner"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	log.Warn().Str("key", k).Str("value", v).Msg("unparseable integer, using default")
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	log.Warn().Str("key", k).Str("value", v).Msg("unparseable duration, using default")
	return def
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "daybook-api").Logger()

	// Pretty logging for local dev
	devMode := env("ENV", "dev") == "dev"
	if devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection and migrations
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	if err := db.Migrate(ctx, pgURL); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	poolCfg := db.PoolConfig{
		MaxConns: int32(envInt("POOL_MAX_CONNS", 0)),
		MinConns: int32(envInt("POOL_MIN_CONNS", 0)),
	}
	pool, err := db.Open(ctx, pgURL, poolCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	// Trigger notification fan-out
	hub := notify.NewHub()
	go hub.Run(ctx)

	// One-time passcode store for email login
	codes := authcode.NewStore(10*time.Minute, time.Minute)

	// Periodic trigger scanner
	scanInterval := envDuration("SCAN_INTERVAL", time.Minute)
	sc := scanner.New(pool, hub, scanInterval)
	go sc.Run(ctx)

	// HTTP server setup
	srv := &httpapi.Server{
		DB:     pool,
		Notify: hub,
		Codes:  codes,
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		TokenTTL:    envDuration("TOKEN_TTL", auth.DefaultTokenTTL),
		DevMode:     devMode,
	}

	httpAddr := env("HTTP_ADDR", ":8081")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Dur("scanInterval", scanInterval).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	cancel()
	codes.Close()
	hub.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
