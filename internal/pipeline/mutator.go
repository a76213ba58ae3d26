// Package pipeline is the mutation call site: it shows a write immediately,
// sends it inline, and falls back to the offline queue when the endpoint
// cannot be reached.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erauner12/erpsync/internal/optimistic"
	"github.com/erauner12/erpsync/internal/queue"
	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/rs/zerolog/log"
)

// DefaultWriteTimeout bounds one inline write
const DefaultWriteTimeout = 30 * time.Second

var errQueuedBehind = errors.New("earlier write for this document is queued")

// Applier sends one write to the Sync Endpoint
type Applier interface {
	Apply(ctx context.Context, item syncx.WireItem) (*syncx.Record, error)
}

// Invalidator drops cached reads of a collection once a write lands
type Invalidator interface {
	Invalidate(ctx context.Context, key string) error
}

// Mutation is one user edit
type Mutation struct {
	EntityKind string
	Operation  syncx.Operation
	DocumentID string         // required for update and delete
	Data       map[string]any // optimistic value and wire payload; nil for delete
	Previous   any            // restored on rollback
	Hooks      optimistic.Hooks
}

// Options wires a Mutator
type Options struct {
	Manager      *optimistic.Manager
	Queue        *queue.Queue
	Client       Applier
	Online       func() bool // optional; false skips the inline attempt
	Cache        Invalidator // optional
	WriteTimeout time.Duration
}

// Mutator runs mutations through the optimistic pipeline
type Mutator struct {
	tx      *optimistic.Manager
	queue   *queue.Queue
	client  Applier
	online  func() bool
	cache   Invalidator
	timeout time.Duration
	wg      sync.WaitGroup

	mu    sync.Mutex
	lanes map[string]chan struct{} // last write issued per OrderKey
}

// New creates a Mutator
func New(opts Options) *Mutator {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	return &Mutator{
		tx:      opts.Manager,
		queue:   opts.Queue,
		client:  opts.Client,
		online:  opts.Online,
		cache:   opts.Cache,
		timeout: opts.WriteTimeout,
		lanes:   make(map[string]chan struct{}),
	}
}

// Mutate applies m optimistically and returns the transaction id without
// waiting for the network. The transaction id doubles as the queue item id,
// so an inline write whose response was lost dedupes when the queued copy
// is replayed.
func (p *Mutator) Mutate(ctx context.Context, m Mutation) string {
	id := p.tx.Begin(m.EntityKind, m.Operation, m.Data, m.Previous, m.Hooks)

	item := queue.Item{
		ID:         id,
		Operation:  m.Operation,
		EntityKind: m.EntityKind,
		DocumentID: m.DocumentID,
		Payload:    m.Data,
	}
	if err := item.Validate(); err != nil {
		p.tx.Fail(id, err)
		return id
	}

	// the write outlives the caller's ctx once issued
	writeCtx := context.WithoutCancel(ctx)
	key := item.OrderKey()
	prev, done := p.enterLane(key)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.leaveLane(key, done)
		if prev != nil {
			<-prev
		}
		p.write(writeCtx, item)
	}()
	return id
}

// enterLane orders writes to one document in Mutate call order. The returned
// channel, if any, closes once the previous write for key has settled.
func (p *Mutator) enterLane(key string) (prev <-chan struct{}, done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.lanes[key]; ok {
		prev = last
	}
	done = make(chan struct{})
	p.lanes[key] = done
	return prev, done
}

func (p *Mutator) leaveLane(key string, done chan struct{}) {
	close(done)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lanes[key] == done {
		delete(p.lanes, key)
	}
}

func (p *Mutator) write(ctx context.Context, item queue.Item) {
	if p.online != nil && !p.online() {
		p.enqueue(ctx, item, errors.New("offline"))
		return
	}

	// an inline write must not overtake a queued one for the same document
	waiting, err := p.queue.HasPendingBefore(ctx, item)
	if err != nil {
		p.enqueue(ctx, item, err)
		return
	}
	if waiting {
		p.enqueue(ctx, item, errQueuedBehind)
		return
	}

	applyCtx, cancel := context.WithTimeout(ctx, p.timeout)
	rec, err := p.client.Apply(applyCtx, item.Wire())
	cancel()

	switch {
	case err == nil:
		p.tx.Confirm(item.ID, rec.Flatten())
		p.invalidate(ctx, item.EntityKind)
	case syncx.IsOffline(err):
		p.enqueue(ctx, item, err)
	default:
		p.tx.Fail(item.ID, err)
	}
}

// enqueue keeps the transaction pending behind a durable queue item. A
// delete supersedes earlier queued writes for the same document; their
// transactions settle without touching the screen.
func (p *Mutator) enqueue(ctx context.Context, item queue.Item, cause error) {
	var err error
	var superseded []string
	if item.Operation == syncx.OpDelete {
		superseded, err = p.queue.EnqueueSuperseding(ctx, &item)
	} else {
		err = p.queue.Enqueue(ctx, &item)
	}
	if err != nil {
		p.tx.Fail(item.ID, fmt.Errorf("queue write: %w", err))
		return
	}
	p.tx.MarkQueued(item.ID, item.ID)
	for _, id := range superseded {
		p.tx.Supersede(id)
	}

	log.Info().
		Str("txId", item.ID).
		Str("entityKind", item.EntityKind).
		Str("operation", item.Operation.String()).
		AnErr("cause", cause).
		Msg("write queued for background sync")
}

// ReconcileResult counts transactions settled by Reconcile
type ReconcileResult struct {
	Confirmed  int `json:"confirmed"`
	Failed     int `json:"failed"`
	Waiting    int `json:"waiting"`
	Superseded int `json:"superseded"`
}

// Reconcile settles queued transactions whose queue item was drained by the
// background worker since they were enqueued
func (p *Mutator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	for _, tx := range p.tx.Pending() {
		if tx.QueueItemID == "" {
			continue // inline write still in flight
		}

		item, err := p.queue.Get(ctx, tx.QueueItemID)
		switch {
		case errors.Is(err, syncx.ErrNotFound):
			// compaction removes done and superseded rows, and superseded
			// transactions were settled when their row was
			p.tx.Confirm(tx.ID, nil)
			res.Confirmed++
			continue
		case err != nil:
			return res, err
		}

		switch item.State {
		case queue.StateDone:
			p.tx.Confirm(tx.ID, nil)
			p.invalidate(ctx, tx.EntityKind)
			res.Confirmed++
		case queue.StateSuperseded:
			p.tx.Supersede(tx.ID)
			res.Superseded++
		case queue.StateDead:
			p.tx.Fail(tx.ID, fmt.Errorf("%w: %s", syncx.ErrDeadLettered, item.LastError))
			res.Failed++
		default:
			res.Waiting++
		}
	}
	return res, nil
}

// Wait blocks until every inline write has settled
func (p *Mutator) Wait() {
	p.wg.Wait()
}

func (p *Mutator) invalidate(ctx context.Context, kind string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Invalidate(ctx, kind); err != nil {
		log.Warn().Err(err).Str("entityKind", kind).Msg("failed to invalidate cache")
	}
}
