package optimistic

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultHistorySize bounds the ring of archived transactions
const DefaultHistorySize = 100

// Options configures a Manager
type Options struct {
	HistorySize int              // archived transactions kept (default 100)
	Now         func() time.Time // clock override for tests
}

// Manager is the registry of in-flight optimistic transactions.
// It performs no I/O: callers issue the write and then report the outcome
// through Confirm or Fail.
type Manager struct {
	mu      sync.Mutex
	active  map[string]*Transaction
	history []*Transaction // ring buffer, oldest at head
	head    int
	size    int
	now     func() time.Time
}

// New creates an isolated Manager
func New(opts Options) *Manager {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		active:  make(map[string]*Transaction),
		history: make([]*Transaction, opts.HistorySize),
		now:     opts.Now,
	}
}

// Begin applies the optimistic value to the rendering layer and registers a
// pending transaction. previousValue must be captured by the caller before
// the edit; it is what Fail restores.
func (m *Manager) Begin(entityKind string, op syncx.Operation, optimisticValue, previousValue any, hooks Hooks) string {
	if hooks.OnOptimistic != nil {
		hooks.OnOptimistic(optimisticValue)
	}

	tx := &Transaction{
		ID:              uuid.NewString(),
		EntityKind:      entityKind,
		Operation:       op,
		OptimisticValue: optimisticValue,
		PreviousValue:   previousValue,
		Status:          StatusPending,
		CreatedAt:       m.now(),
		hooks:           hooks,
	}
	tx.rollback = func() error {
		if hooks.OnRollback == nil {
			return nil
		}
		return hooks.OnRollback(previousValue)
	}

	m.mu.Lock()
	m.active[tx.ID] = tx
	m.mu.Unlock()

	log.Debug().
		Str("txId", tx.ID).
		Str("entityKind", entityKind).
		Str("operation", op.String()).
		Msg("optimistic transaction started")

	return tx.ID
}

// Confirm marks a transaction synced. A non-nil syncedValue replaces the
// optimistic value with the server's authoritative one.
func (m *Manager) Confirm(id string, syncedValue any) {
	m.mu.Lock()
	tx, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("txId", id).Msg("confirm for unknown transaction ignored")
		return
	}

	now := m.now()
	tx.Status = StatusSynced
	tx.SyncedAt = &now
	if syncedValue != nil {
		tx.OptimisticValue = syncedValue
	}
	delete(m.active, id)
	m.archiveLocked(tx)
	onSynced, value := tx.hooks.OnSynced, tx.OptimisticValue
	m.mu.Unlock()

	if onSynced != nil {
		onSynced(value)
	}

	log.Debug().Str("txId", id).Msg("optimistic transaction synced")
}

// Fail rolls a transaction back. The transaction leaves the active registry
// before its rollback runs, so a second Fail for the same id is a no-op.
// Rollback errors and panics are logged and never returned.
func (m *Manager) Fail(id string, cause error) {
	m.mu.Lock()
	tx, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		log.Warn().Str("txId", id).Err(cause).Msg("fail for unknown transaction ignored")
		return
	}

	tx.Status = StatusFailed
	if cause != nil {
		tx.LastError = cause.Error()
	} else {
		tx.LastError = "unknown error"
	}
	delete(m.active, id)
	m.archiveLocked(tx)
	m.mu.Unlock()

	m.runRollback(tx)

	m.mu.Lock()
	tx.Status = StatusRolledBack
	onFailed := tx.hooks.OnFailed
	m.mu.Unlock()

	if onFailed != nil {
		onFailed(cause)
	}

	log.Info().
		Str("txId", id).
		Str("entityKind", tx.EntityKind).
		Err(cause).
		Msg("optimistic transaction rolled back")
}

// Supersede settles a pending transaction whose write was dropped in favour of
// a later one for the same document. No hook runs: the value on screen already
// belongs to the later transaction.
func (m *Manager) Supersede(id string) bool {
	m.mu.Lock()
	tx, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	tx.Status = StatusSuperseded
	delete(m.active, id)
	m.archiveLocked(tx)
	m.mu.Unlock()

	log.Debug().Str("txId", id).Msg("optimistic transaction superseded")
	return true
}

// RollbackAll discards every pending transaction, restoring previous values.
// Returns the number of transactions rolled back.
func (m *Manager) RollbackAll() int {
	m.mu.Lock()
	pending := make([]*Transaction, 0, len(m.active))
	for id, tx := range m.active {
		tx.Status = StatusFailed
		pending = append(pending, tx)
		delete(m.active, id)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	for _, tx := range pending {
		m.archiveLocked(tx)
	}
	m.mu.Unlock()

	// newest first, so overlapping edits unwind to the oldest snapshot
	for i := len(pending) - 1; i >= 0; i-- {
		m.runRollback(pending[i])
	}

	m.mu.Lock()
	for _, tx := range pending {
		tx.Status = StatusRolledBack
	}
	m.mu.Unlock()

	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("discarded all pending transactions")
	}
	return len(pending)
}

// MarkQueued records the durable queue item backing a pending transaction
func (m *Manager) MarkQueued(id, queueItemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.active[id]
	if !ok {
		return false
	}
	tx.QueueItemID = queueItemID
	return true
}

// Transaction returns a copy of the transaction with the given id, looking in
// the active registry first and then in history
func (m *Manager) Transaction(id string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx, ok := m.active[id]; ok {
		return tx.snapshot(), true
	}
	for i := 0; i < m.size; i++ {
		tx := m.history[(m.head+i)%len(m.history)]
		if tx.ID == id {
			return tx.snapshot(), true
		}
	}
	return Transaction{}, false
}

// Pending lists active transactions, oldest first
func (m *Manager) Pending() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Transaction, 0, len(m.active))
	for _, tx := range m.active {
		out = append(out, tx.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stats counts transactions across the active registry and the history ring.
// Failed counts every archived transaction that carries an error, so a
// rolled-back failure appears in both Failed and RolledBack.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	s.Pending = len(m.active)
	for i := 0; i < m.size; i++ {
		tx := m.history[(m.head+i)%len(m.history)]
		switch tx.Status {
		case StatusSynced:
			s.Synced++
		case StatusRolledBack:
			s.RolledBack++
		case StatusSuperseded:
			s.Superseded++
		}
		if tx.LastError != "" {
			s.Failed++
		}
	}
	return s
}

// archiveLocked appends to the history ring, evicting the oldest entry when full
func (m *Manager) archiveLocked(tx *Transaction) {
	if m.size < len(m.history) {
		m.history[(m.head+m.size)%len(m.history)] = tx
		m.size++
		return
	}
	m.history[m.head] = tx
	m.head = (m.head + 1) % len(m.history)
}

func (m *Manager) runRollback(tx *Transaction) {
	if err := safeRollback(tx.rollback); err != nil {
		log.Error().
			Err(err).
			Str("txId", tx.ID).
			Str("entityKind", tx.EntityKind).
			Msg("rollback failed")
	}
}

func safeRollback(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollback panicked: %v", r)
		}
	}()
	return fn()
}
