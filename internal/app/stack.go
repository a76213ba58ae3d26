// Package app assembles the client-side pipeline from configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/erauner12/erpsync/internal/cache"
	"github.com/erauner12/erpsync/internal/config"
	"github.com/erauner12/erpsync/internal/connectivity"
	"github.com/erauner12/erpsync/internal/db"
	"github.com/erauner12/erpsync/internal/optimistic"
	"github.com/erauner12/erpsync/internal/pipeline"
	"github.com/erauner12/erpsync/internal/queue"
	"github.com/erauner12/erpsync/internal/syncclient"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/erauner12/erpsync/internal/worker"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Stack is one process's view of the pipeline. Every component shares the
// local SQLite file, which is also how separate processes see each other.
type Stack struct {
	Config       *config.Config
	Local        *db.Local
	Queue        *queue.Queue
	Client       *syncclient.Client
	Cache        *cache.Cache
	Monitor      *connectivity.Monitor
	Worker       *worker.Worker
	Transactions *optimistic.Manager
	Mutator      *pipeline.Mutator
}

// Open builds a Stack. The caller owns it and must Close it.
func Open(cfg *config.Config) (*Stack, error) {
	local, err := db.OpenLocal(cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	client := syncclient.New(syncclient.Options{
		BaseURL:  cfg.APIBaseURL,
		Token:    cfg.Token,
		DebugSub: devSubject(cfg),
		Timeout:  cfg.Worker.RequestTimeout(),
	})

	q := queue.New(local.DB())
	c := cache.New(client, cache.Options{
		FreshFor: cfg.Cache.FreshFor(),
		Tier:     cache.NewSQLiteTier(local.DB()),
	})
	monitor := connectivity.New(client, cfg.Worker.Probe())

	w := worker.New(q, client, worker.Config{
		Interval:   cfg.Worker.Interval(),
		MaxBackoff: cfg.Worker.MaxBackoff(),
		Online:     monitor.Online,
		OnApplied: func(ctx context.Context, item queue.Item, _ *syncx.Record) {
			if err := c.Invalidate(ctx, item.EntityKind); err != nil {
				log.Warn().Err(err).Str("entityKind", item.EntityKind).Msg("failed to invalidate cache")
			}
		},
	})
	monitor.Subscribe(w.OnConnectivity)

	txs := optimistic.New(optimistic.Options{})
	mutator := pipeline.New(pipeline.Options{
		Manager:      txs,
		Queue:        q,
		Client:       client,
		Online:       monitor.Online,
		Cache:        c,
		WriteTimeout: cfg.Worker.RequestTimeout(),
	})

	return &Stack{
		Config:       cfg,
		Local:        local,
		Queue:        q,
		Client:       client,
		Cache:        c,
		Monitor:      monitor,
		Worker:       w,
		Transactions: txs,
		Mutator:      mutator,
	}, nil
}

// Close waits for in-flight writes and refreshes, then closes the store
func (s *Stack) Close() error {
	s.Mutator.Wait()
	s.Cache.Wait()
	return s.Local.Close()
}

func devSubject(cfg *config.Config) string {
	if cfg.DevMode {
		return cfg.DebugSub
	}
	return ""
}

// SetupLogging configures the global logger
func SetupLogging(cfg *config.Config, service string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLogLevel(cfg.LogLevel))

	if cfg.Debug {
		// Pretty logging for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}).With().Caller().Logger()
	} else {
		// JSON logging for production
		log.Logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	log.Logger = log.With().Str("service", service).Logger()
}

// parseLogLevel converts a string log level to zerolog.Level
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
