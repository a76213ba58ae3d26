package optimistic

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// view is a stand-in for the rendering layer: one displayed value per record
type view struct {
	mu     sync.Mutex
	values map[string]any
}

func newView() *view {
	return &view{values: make(map[string]any)}
}

func (v *view) set(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[key] = value
}

func (v *view) get(key string) any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.values[key]
}

func (v *view) hooks(key string) Hooks {
	return Hooks{
		OnOptimistic: func(value any) { v.set(key, value) },
		OnRollback: func(previous any) error {
			v.set(key, previous)
			return nil
		},
		OnSynced: func(value any) { v.set(key, value) },
	}
}

func TestBeginConfirm_PriceScenario(t *testing.T) {
	m := New(Options{})
	v := newView()
	v.set("product-1", map[string]any{"price": 8})

	id := m.Begin("products", syncx.OpUpdate, map[string]any{"price": 10}, map[string]any{"price": 8}, v.hooks("product-1"))

	assert.Equal(t, map[string]any{"price": 10}, v.get("product-1"), "optimistic value is applied synchronously")
	assert.Equal(t, Stats{Pending: 1}, m.Stats())

	m.Confirm(id, nil)

	assert.Equal(t, Stats{Synced: 1}, m.Stats())
	assert.Equal(t, map[string]any{"price": 10}, v.get("product-1"))

	tx, ok := m.Transaction(id)
	require.True(t, ok, "synced transaction is kept in history")
	assert.Equal(t, StatusSynced, tx.Status)
	assert.NotNil(t, tx.SyncedAt)
}

func TestConfirm_ServerValueWins(t *testing.T) {
	m := New(Options{})
	v := newView()

	id := m.Begin("products", syncx.OpUpdate, map[string]any{"price": 10}, map[string]any{"price": 8}, v.hooks("p"))
	m.Confirm(id, map[string]any{"price": 10, "version": 4})

	assert.Equal(t, map[string]any{"price": 10, "version": 4}, v.get("p"))
	tx, _ := m.Transaction(id)
	assert.Equal(t, map[string]any{"price": 10, "version": 4}, tx.OptimisticValue)
}

func TestBeginFail_PriceScenario(t *testing.T) {
	m := New(Options{})
	v := newView()
	v.set("product-1", map[string]any{"price": 8})

	id := m.Begin("products", syncx.OpUpdate, map[string]any{"price": 10}, map[string]any{"price": 8}, v.hooks("product-1"))
	m.Fail(id, errors.New("NetworkError"))

	assert.Equal(t, map[string]any{"price": 8}, v.get("product-1"))
	stats := m.Stats()
	assert.Equal(t, 1, stats.RolledBack)
	assert.Equal(t, 0, stats.Pending)

	tx, ok := m.Transaction(id)
	require.True(t, ok)
	assert.Equal(t, StatusRolledBack, tx.Status)
	assert.Equal(t, "NetworkError", tx.LastError)
}

func TestFail_IsolatedFromConcurrentTransactions(t *testing.T) {
	m := New(Options{})
	v := newView()

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("row-%d", i)
			v.set(key, i)
			ids[i] = m.Begin("rows", syncx.OpUpdate, i*100, i, v.hooks(key))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				m.Fail(ids[i], errors.New("rejected"))
			} else {
				m.Confirm(ids[i], nil)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("row-%d", i)
		if i%2 == 0 {
			assert.Equal(t, i, v.get(key), "failed %s shows its previous value", key)
		} else {
			assert.Equal(t, i*100, v.get(key), "confirmed %s shows its optimistic value", key)
		}
	}
	assert.Equal(t, Stats{Synced: n / 2, RolledBack: n / 2, Failed: n / 2}, m.Stats())
}

func TestFail_RollbackRunsOnce(t *testing.T) {
	m := New(Options{})
	calls := 0
	id := m.Begin("rows", syncx.OpUpdate, 2, 1, Hooks{
		OnRollback: func(any) error {
			calls++
			return nil
		},
	})

	m.Fail(id, errors.New("first"))
	m.Fail(id, errors.New("second"))
	m.Confirm(id, nil)

	assert.Equal(t, 1, calls)
	tx, _ := m.Transaction(id)
	assert.Equal(t, StatusRolledBack, tx.Status)
	assert.Equal(t, "first", tx.LastError)
}

func TestFail_BrokenRollbackIsContained(t *testing.T) {
	m := New(Options{})
	var failedWith error

	errID := m.Begin("rows", syncx.OpUpdate, 2, 1, Hooks{
		OnRollback: func(any) error { return errors.New("view detached") },
		OnFailed:   func(err error) { failedWith = err },
	})
	panicID := m.Begin("rows", syncx.OpUpdate, 2, 1, Hooks{
		OnRollback: func(any) error { panic("nil view") },
	})

	original := errors.New("server rejected")
	assert.NotPanics(t, func() {
		m.Fail(errID, original)
		m.Fail(panicID, original)
	})

	assert.Same(t, original, failedWith, "the original error is reported, not the rollback error")
	assert.Equal(t, 2, m.Stats().RolledBack)
}

func TestUnknownIDsAreNoOps(t *testing.T) {
	m := New(Options{})
	assert.NotPanics(t, func() {
		m.Confirm("missing", nil)
		m.Fail("missing", errors.New("x"))
	})
	assert.Equal(t, Stats{}, m.Stats())
	_, ok := m.Transaction("missing")
	assert.False(t, ok)
}

func TestCreateRollbackReceivesNilPrevious(t *testing.T) {
	m := New(Options{})
	v := newView()

	id := m.Begin("orders", syncx.OpCreate, map[string]any{"total": 5}, nil, v.hooks("new-order"))
	m.Fail(id, errors.New("rejected"))

	assert.Nil(t, v.get("new-order"))
}

func TestRollbackAll(t *testing.T) {
	m := New(Options{})
	v := newView()
	v.set("a", "a0")
	v.set("b", "b0")

	m.Begin("rows", syncx.OpUpdate, "a1", "a0", v.hooks("a"))
	m.Begin("rows", syncx.OpUpdate, "b1", "b0", v.hooks("b"))
	synced := m.Begin("rows", syncx.OpUpdate, "c1", "c0", v.hooks("c"))
	m.Confirm(synced, nil)

	assert.Equal(t, 2, m.RollbackAll())
	assert.Equal(t, "a0", v.get("a"))
	assert.Equal(t, "b0", v.get("b"))
	assert.Equal(t, "c1", v.get("c"))
	assert.Empty(t, m.Pending())
	assert.Equal(t, Stats{Synced: 1, RolledBack: 2}, m.Stats())
}

func TestSupersede_RunsNoHooks(t *testing.T) {
	m := New(Options{})
	v := newView()
	v.set("product-1", map[string]any{"price": 8})

	update := m.Begin("products", syncx.OpUpdate, map[string]any{"price": 10}, map[string]any{"price": 8}, v.hooks("product-1"))
	remove := m.Begin("products", syncx.OpDelete, nil, map[string]any{"price": 10}, v.hooks("product-1"))

	assert.True(t, m.Supersede(update))
	assert.False(t, m.Supersede(update), "second supersede is a no-op")
	assert.Nil(t, v.get("product-1"), "the later delete keeps the screen")

	tx, ok := m.Transaction(update)
	require.True(t, ok)
	assert.Equal(t, StatusSuperseded, tx.Status)
	assert.True(t, tx.Status.Terminal())
	assert.Nil(t, tx.SyncedAt)

	m.Confirm(update, map[string]any{"price": 10})
	assert.Nil(t, v.get("product-1"), "confirm after supersede is ignored")

	m.Confirm(remove, nil)
	assert.Equal(t, Stats{Synced: 1, Superseded: 1}, m.Stats())
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	m := New(Options{HistorySize: 3})

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = m.Begin("rows", syncx.OpCreate, i, nil, Hooks{})
		m.Confirm(ids[i], nil)
	}

	assert.Equal(t, 3, m.Stats().Synced)
	for i, id := range ids {
		_, ok := m.Transaction(id)
		assert.Equal(t, i >= 2, ok, "transaction %d retained", i)
	}
}

func TestMarkQueuedAndPending(t *testing.T) {
	m := New(Options{})
	id := m.Begin("rows", syncx.OpDelete, nil, "old", Hooks{})

	assert.True(t, m.MarkQueued(id, "q-1"))
	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "q-1", pending[0].QueueItemID)

	m.Confirm(id, nil)
	assert.False(t, m.MarkQueued(id, "q-2"), "terminal transactions cannot be re-queued")
}
