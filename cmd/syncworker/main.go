package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/erpsync/internal/app"
	"github.com/erauner12/erpsync/internal/config"
	"github.com/erauner12/erpsync/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	version = "0.1.0"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file (JSON)")
	showVersion = flag.Bool("version", false, "Show version information")
	devMode     = flag.Bool("dev", false, "Enable development mode (uses X-Debug-Sub header)")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	// Show version and exit
	if *showVersion {
		fmt.Printf("syncworker version %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	app.SetupLogging(cfg, "erpsync-worker")

	log.Info().
		Str("version", version).
		Str("apiBaseUrl", cfg.APIBaseURL).
		Str("dataPath", cfg.DataPath).
		Bool("devMode", cfg.DevMode).
		Msg("Starting sync worker")

	if cfg.DevMode {
		log.Warn().Msg("Dev mode is enabled - requests are sent with X-Debug-Sub")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("sync worker failed")
		os.Exit(1)
	}

	log.Info().Msg("sync worker stopped gracefully")
}

// loadConfig loads the configuration from file and environment
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnvironment()
	}
	if err != nil {
		return nil, err
	}

	// Apply CLI flag overrides BEFORE validation
	if *devMode {
		cfg.DevMode = true
	}
	if *debug {
		cfg.Debug = true
		if *logLevel == "info" {
			cfg.LogLevel = "debug"
		}
	}
	if *logLevel != "info" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// run drains the queue until ctx is cancelled, keeping the connectivity
// flag, the preloaded collections and the done-row compaction going
func run(ctx context.Context, cfg *config.Config) error {
	st, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(cfg.Cache.Preload) > 0 {
		st.Cache.PreloadAll(cfg.Cache.Preload)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	go st.Monitor.Run(ctx)
	go compactLoop(ctx, st, cfg.Worker.CompactAfter())

	return st.Worker.Run(ctx)
}

func compactLoop(ctx context.Context, st *app.Stack, olderThan time.Duration) {
	if olderThan <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.Queue.Compact(ctx, olderThan)
			if err != nil {
				log.Warn().Err(err).Msg("queue compaction failed")
				continue
			}
			if n > 0 {
				log.Info().Int("removed", n).Msg("compacted done queue items")
			}
		}
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle(metrics.Path, metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Str("path", metrics.Path).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
