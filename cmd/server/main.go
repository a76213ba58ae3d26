package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/erauner12/erpsync/internal/auth"
	"github.com/erauner12/erpsync/internal/db"
	"github.com/erauner12/erpsync/internal/httpapi"
	"github.com/erauner12/erpsync/internal/service/syncservice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
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
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", k).Str("value", v).Msg("ignoring non-integer setting")
		return def
	}
	return n
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "erpsync-server").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if level, err := zerolog.ParseLevel(env("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	ctx := context.Background()

	// Database connection
	pgURL := env("DATABASE_URL", "")
	if pgURL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}

	pool, err := db.Open(ctx, pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate schema")
	}

	// HTTP server setup
	srv := &httpapi.Server{
		Records: syncservice.NewRecordService(pool),
		Users:   auth.PGUsers{DB: pool},
		RateLimitConfig: httpapi.RateLimitInfo{
			WindowSeconds: envInt("RATE_LIMIT_WINDOW_SECONDS", httpapi.DefaultRateLimitConfig.WindowSeconds),
			MaxRequests:   envInt("RATE_LIMIT_MAX_REQUESTS", httpapi.DefaultRateLimitConfig.MaxRequests),
			Burst:         envInt("RATE_LIMIT_BURST", httpapi.DefaultRateLimitConfig.Burst),
		},
		Ready: func(ctx context.Context) error { return pool.Ping(ctx) },
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		DevMode:     env("JWT_DEV_MODE", "") == "true",
	}

	httpAddr := env("HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         httpAddr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
