// Package connectivity tracks whether the Sync Endpoint is reachable.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/erauner12/erpsync/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is how often Run probes the endpoint
const DefaultInterval = 15 * time.Second

// Pinger probes the remote side
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor holds the online flag. Subscribers hear about transitions only,
// never repeated reports of the same state.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration

	mu          sync.RWMutex
	online      bool
	lastChecked time.Time
	subs        []func(online bool)
}

// New creates a Monitor that assumes it starts online
func New(pinger Pinger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		online:   true,
	}
}

// Online reports the last known state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// LastChecked is the time of the most recent probe or report
func (m *Monitor) LastChecked() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastChecked
}

// Subscribe registers fn for state transitions. Callbacks run synchronously
// on the goroutine that observed the change.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// SetOnline records an externally observed state, such as an OS network
// change event
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	m.lastChecked = time.Now()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := append([]func(bool){}, m.subs...)
	m.mu.Unlock()

	metrics.SetOnline(online)

	log.Info().Bool("online", online).Msg("connectivity changed")
	for _, fn := range subs {
		fn(online)
	}
}

// Check probes once and records the result
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.Ping(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("connectivity probe failed")
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Run probes every interval until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
