// Package worker drains the offline queue in the background.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erauner12/erpsync/internal/metrics"
	"github.com/erauner12/erpsync/internal/queue"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// ErrDrainInProgress is returned by DrainOnce while another drain is running
var ErrDrainInProgress = errors.New("drain already in progress")

// Applier delivers one write to the system of record
type Applier interface {
	Apply(ctx context.Context, item syncx.WireItem) (*syncx.Record, error)
}

// Config holds worker configuration
type Config struct {
	Interval   time.Duration // time between drains (default: 30 seconds)
	MaxBackoff time.Duration // cap on the delay after failing drains (default: 10 minutes)

	// Online, when set, gates timer drains; Trigger always drains
	Online func() bool

	// OnApplied runs after a queued write is confirmed
	OnApplied func(ctx context.Context, item queue.Item, rec *syncx.Record)
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		MaxBackoff: 10 * time.Minute,
	}
}

// Status is the worker's view of the queue
type Status struct {
	Running     bool          `json:"running"`
	Draining    bool          `json:"draining"`
	LastRun     *time.Time    `json:"lastRun,omitempty"`
	LastSummary queue.Summary `json:"lastSummary"`
	LastError   string        `json:"lastError,omitempty"`
	NextDelay   time.Duration `json:"nextDelay"`
	Queue       queue.Stats   `json:"queue"`
}

// Worker drains the queue on a timer and on Trigger
type Worker struct {
	queue   *queue.Queue
	applier Applier
	cfg     Config
	trigger chan struct{}

	mu        sync.Mutex
	running   bool
	draining  bool
	lastRun   time.Time
	last      queue.Summary
	lastErr   error
	nextDelay time.Duration
	bo        *backoff.ExponentialBackOff
}

// New creates a Worker. Zero config values take their defaults.
func New(q *queue.Queue, applier Applier, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = def.MaxBackoff
		if cfg.MaxBackoff < cfg.Interval {
			cfg.MaxBackoff = cfg.Interval
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Interval
	bo.MaxInterval = cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Worker{
		queue:     q,
		applier:   applier,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
		nextDelay: cfg.Interval,
		bo:        bo,
	}
}

// Trigger requests a drain as soon as possible. Triggers coalesce: any
// number of calls before the worker wakes cause one drain.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// OnConnectivity is a connectivity.Monitor subscriber that drains on the
// offline to online transition
func (w *Worker) OnConnectivity(online bool) {
	if online {
		w.Trigger()
	}
}

// Run drains once at start, then on every tick and trigger until ctx is
// cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("worker already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if stats, err := w.queue.Stats(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to read queue at startup")
	} else {
		log.Info().
			Int("pending", stats.Pending).
			Int("dead", stats.Dead).
			Dur("interval", w.cfg.Interval).
			Msg("sync worker started")
	}

	w.drain(ctx)

	timer := time.NewTimer(w.delay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sync worker stopped")
			return nil
		case <-w.trigger:
			w.resetBackoff()
			w.drain(ctx)
		case <-timer.C:
			if w.cfg.Online != nil && !w.cfg.Online() {
				log.Debug().Msg("offline, skipping scheduled drain")
			} else {
				w.drain(ctx)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.delay())
	}
}

// DrainOnce runs a single drain pass. It refuses to overlap another pass.
func (w *Worker) DrainOnce(ctx context.Context) (queue.Summary, error) {
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		return queue.Summary{}, ErrDrainInProgress
	}
	w.draining = true
	w.mu.Unlock()

	sum, err := w.queue.Drain(ctx, w.apply)

	metrics.ObserveDrain(metrics.DrainOutcome{
		Succeeded:    sum.Succeeded,
		Failed:       sum.Failed,
		DeadLettered: sum.DeadLettered,
		Blocked:      sum.Blocked,
	})
	if stats, statsErr := w.queue.Stats(context.WithoutCancel(ctx)); statsErr == nil {
		metrics.SetQueueDepth(stats.Pending, stats.Done, stats.Dead)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.draining = false
	w.lastRun = time.Now()
	w.last = sum
	w.lastErr = err

	switch {
	case err != nil && ctx.Err() == nil:
		w.nextDelay = w.bo.NextBackOff()
	case sum.Succeeded > 0 || sum.Attempted == 0:
		w.bo.Reset()
		w.nextDelay = w.cfg.Interval
	case sum.Failed == sum.Attempted:
		// every attempt failed retryably, the endpoint is struggling
		w.nextDelay = w.bo.NextBackOff()
	default:
		w.nextDelay = w.cfg.Interval
	}
	return sum, err
}

// Status reports the last drain and the current queue counts
func (w *Worker) Status(ctx context.Context) (Status, error) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Running:     w.running,
		Draining:    w.draining,
		LastSummary: w.last,
		NextDelay:   w.nextDelay,
		Queue:       stats,
	}
	if !w.lastRun.IsZero() {
		t := w.lastRun
		s.LastRun = &t
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s, nil
}

func (w *Worker) drain(ctx context.Context) {
	sum, err := w.DrainOnce(ctx)
	switch {
	case errors.Is(err, ErrDrainInProgress):
		log.Debug().Msg("drain already in progress, skipping")
	case err != nil && ctx.Err() == nil:
		log.Error().Err(err).Msg("queue drain failed")
	case sum.Attempted > 0:
		log.Info().
			Int("attempted", sum.Attempted).
			Int("succeeded", sum.Succeeded).
			Int("failed", sum.Failed).
			Int("deadLettered", sum.DeadLettered).
			Int("blocked", sum.Blocked).
			Dur("nextDelay", w.delay()).
			Msg("queue drain completed")
	}
}

func (w *Worker) apply(ctx context.Context, item queue.Item) error {
	rec, err := w.applier.Apply(ctx, item.Wire())
	if err != nil {
		return err
	}
	if w.cfg.OnApplied != nil {
		w.cfg.OnApplied(ctx, item, rec)
	}
	return nil
}

func (w *Worker) delay() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextDelay
}

func (w *Worker) resetBackoff() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.bo.Reset()
	w.nextDelay = w.cfg.Interval
}
