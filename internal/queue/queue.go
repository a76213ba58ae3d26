// Package queue is the durable offline write queue.
//
// Items are appended to the queue_item table of the local SQLite store and
// are never updated in place except for their state column. The foreground
// process appends and the background worker drains, possibly from another
// process; the table is the only thing they share.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// State of a queue row
type State string

const (
	StatePending    State = "pending"
	StateDone       State = "done"
	StateDead       State = "dead"
	StateSuperseded State = "superseded" // dropped unsent, a later delete of the same document replaced it
)

// Item is one not-yet-confirmed write
type Item struct {
	ID         string          `json:"id"`
	Operation  syncx.Operation `json:"operation"`
	EntityKind string          `json:"entityKind"`
	DocumentID string          `json:"documentId,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	Priority   int             `json:"priority"`
	State      State           `json:"state"`
	LastError  string          `json:"lastError,omitempty"`
}

// Validate enforces documentId iff op != create and payload iff op != delete
func (it Item) Validate() error {
	if err := it.Operation.Validate(); err != nil {
		return fmt.Errorf("%w: %v", syncx.ErrInvalidItem, err)
	}
	if it.EntityKind == "" {
		return fmt.Errorf("%w: missing entity kind", syncx.ErrInvalidItem)
	}
	if it.Operation.NeedsDocumentID() != (it.DocumentID != "") {
		return fmt.Errorf("%w: %s must %shave a document id", syncx.ErrInvalidItem, it.Operation, negate(it.Operation.NeedsDocumentID()))
	}
	if it.Operation.NeedsPayload() != (it.Payload != nil) {
		return fmt.Errorf("%w: %s must %shave a payload", syncx.ErrInvalidItem, it.Operation, negate(it.Operation.NeedsPayload()))
	}
	if it.Operation == syncx.OpCreate {
		if err := syncx.ValidatePayloadID(it.Payload); err != nil {
			return err
		}
	}
	return nil
}

func negate(required bool) string {
	if required {
		return ""
	}
	return "not "
}

// Wire converts the item to the Sync Endpoint request shape
func (it Item) Wire() syncx.WireItem {
	return syncx.WireItem{
		ID:         it.ID,
		Operation:  it.Operation,
		Collection: it.EntityKind,
		DocumentID: it.DocumentID,
		Data:       it.Payload,
	}
}

// OrderKey groups items that must be applied in enqueue order: the document
// id, else the id a create carries in its payload, else the item itself
func (it Item) OrderKey() string {
	if it.DocumentID != "" {
		return it.EntityKind + "/" + it.DocumentID
	}
	if id, ok := syncx.PayloadID(it.Payload); ok {
		return it.EntityKind + "/" + id
	}
	return "item/" + it.ID
}

// ApplyFunc delivers one item to the system of record
type ApplyFunc func(ctx context.Context, item Item) error

// Summary reports one drain pass
type Summary struct {
	Attempted    int `json:"attempted"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`       // retryable, left in place
	DeadLettered int `json:"deadLettered"` // terminal, moved out of the pending set
	Blocked      int `json:"blocked"`      // skipped behind an earlier failure for the same document
}

// Stats counts rows by state
type Stats struct {
	Pending    int `json:"pending"`
	Done       int `json:"done"`
	Dead       int `json:"dead"`
	Superseded int `json:"superseded"`
}

// Queue is the SQLite-backed offline queue
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open local store handle
func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

const itemColumns = `id, operation, entity_kind, document_id, payload_json, enqueued_at, retry_count, priority, state, last_error`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Enqueue durably appends an item. It returns after the insert has committed.
// A missing ID is generated; re-enqueueing an existing ID is a no-op.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	if err := q.insert(ctx, q.db, item); err != nil {
		return err
	}

	log.Debug().
		Str("itemId", item.ID).
		Str("operation", item.Operation.String()).
		Str("entityKind", item.EntityKind).
		Msg("queued offline write")

	return nil
}

// EnqueueSuperseding appends item and, in the same transaction, marks every
// earlier pending item with its OrderKey superseded. It returns the ids of
// the superseded items. Used for deletes, which make earlier writes to the
// document pointless.
func (q *Queue) EnqueueSuperseding(ctx context.Context, item *Item) ([]string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM queue_item WHERE state = 'pending' AND order_key = ? AND id <> ? ORDER BY seq`,
		item.OrderKey(), item.ID)
	if err != nil {
		return nil, fmt.Errorf("find superseded items: %w", err)
	}
	var superseded []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		superseded = append(superseded, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(superseded) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_item SET state = 'superseded', updated_at = ? WHERE state = 'pending' AND order_key = ? AND id <> ?`,
			q.now().UnixMilli(), item.OrderKey(), item.ID); err != nil {
			return nil, fmt.Errorf("supersede items: %w", err)
		}
	}

	if err := q.insert(ctx, tx, item); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue %s: %w", item.ID, err)
	}

	log.Debug().
		Str("itemId", item.ID).
		Str("operation", item.Operation.String()).
		Str("entityKind", item.EntityKind).
		Int("superseded", len(superseded)).
		Msg("queued offline write")

	return superseded, nil
}

// HasPendingBefore reports whether a pending item other than item shares
// its OrderKey. A write for that document must queue behind it.
func (q *Queue) HasPendingBefore(ctx context.Context, item Item) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_item WHERE state = 'pending' AND order_key = ? AND id <> ?`,
		item.OrderKey(), item.ID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending for %s: %w", item.OrderKey(), err)
	}
	return n > 0, nil
}

func (q *Queue) insert(ctx context.Context, db execer, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	item.State = StatePending
	if err := item.Validate(); err != nil {
		return err
	}

	var payload sql.NullString
	if item.Payload != nil {
		b, err := json.Marshal(item.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO queue_item (id, operation, entity_kind, document_id, order_key, payload_json,
		                        enqueued_at, retry_count, priority, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT (id) DO NOTHING`,
		item.ID, item.Operation.String(), item.EntityKind, nullable(item.DocumentID), item.OrderKey(), payload,
		item.EnqueuedAt.UnixMilli(), item.RetryCount, item.Priority, q.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", item.ID, err)
	}
	return nil
}

// Drain applies every item that was pending when the drain started, in
// insertion order. Successes are marked done, terminal failures are
// dead-lettered, and retryable failures stay where they are. After a
// retryable failure, later items with the same OrderKey are skipped for the
// rest of the pass so one document's writes never overtake each other.
func (q *Queue) Drain(ctx context.Context, apply ApplyFunc) (Summary, error) {
	var sum Summary

	ids, err := q.pendingIDs(ctx)
	if err != nil {
		return sum, err
	}

	// outcomes of writes that already reached the server are recorded even
	// when ctx is cancelled mid-apply
	persist := context.WithoutCancel(ctx)

	blocked := make(map[string]bool)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		item, err := q.Get(ctx, id)
		if errors.Is(err, syncx.ErrNotFound) {
			continue // compacted by another process
		}
		if err != nil {
			return sum, err
		}
		if item.State != StatePending {
			continue // cleared or drained elsewhere since the snapshot
		}

		key := item.OrderKey()
		if blocked[key] {
			sum.Blocked++
			continue
		}

		sum.Attempted++
		applyErr := apply(ctx, item)

		switch {
		case applyErr == nil:
			if err := q.setState(persist, id, StateDone, ""); err != nil {
				return sum, err
			}
			sum.Succeeded++
		case syncx.IsTerminal(applyErr):
			if err := q.setState(persist, id, StateDead, applyErr.Error()); err != nil {
				return sum, err
			}
			sum.DeadLettered++
			log.Warn().Err(applyErr).Str("itemId", id).Str("entityKind", item.EntityKind).Msg("queued write dead-lettered")
		default:
			if err := q.recordRetry(persist, id, applyErr); err != nil {
				return sum, err
			}
			sum.Failed++
			blocked[key] = true
			log.Debug().Err(applyErr).Str("itemId", id).Int("retryCount", item.RetryCount+1).Msg("queued write left for retry")
		}
	}

	return sum, nil
}

// Clear marks pending items superseded. An empty entityKind matches every
// kind and an empty documentID every document; each filter applies on its
// own. Creates match by the id carried in their payload. Returns the number
// of items cleared.
func (q *Queue) Clear(ctx context.Context, entityKind, documentID string) (int, error) {
	where := []string{"state = 'pending'"}
	args := []any{q.now().UnixMilli()}
	if entityKind != "" {
		where = append(where, "entity_kind = ?")
		args = append(args, entityKind)
	}
	if documentID != "" {
		where = append(where, "order_key = entity_kind || '/' || ?")
		args = append(args, documentID)
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_item SET state = 'superseded', updated_at = ? WHERE `+strings.Join(where, " AND "),
		args...)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Debug().Int64("count", n).Str("entityKind", entityKind).Str("documentId", documentID).Msg("cleared superseded queue items")
	}
	return int(n), nil
}

// Get returns the item with the given id in any state
func (q *Queue) Get(ctx context.Context, id string) (Item, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_item WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("queue item %s: %w", id, syncx.ErrNotFound)
	}
	return item, err
}

// Pending lists pending items in drain order
func (q *Queue) Pending(ctx context.Context) ([]Item, error) {
	return q.list(ctx, StatePending)
}

// DeadLetters lists items dropped after a terminal failure
func (q *Queue) DeadLetters(ctx context.Context) ([]Item, error) {
	return q.list(ctx, StateDead)
}

// Stats counts rows by state
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_item GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch State(state) {
		case StatePending:
			s.Pending = n
		case StateDone:
			s.Done = n
		case StateDead:
			s.Dead = n
		case StateSuperseded:
			s.Superseded = n
		}
	}
	return s, rows.Err()
}

// Requeue moves a dead-lettered item back to pending at its original position
func (q *Queue) Requeue(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_item SET state = 'pending', retry_count = 0, last_error = NULL, updated_at = ? WHERE id = ? AND state = 'dead'`,
		q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-lettered item %s: %w", id, syncx.ErrNotFound)
	}
	return nil
}

// Compact deletes done and superseded rows last touched more than olderThan ago
func (q *Queue) Compact(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_item WHERE state IN ('done', 'superseded') AND updated_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("compact queue: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *Queue) pendingIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id FROM queue_item WHERE state = 'pending' ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("snapshot pending items: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (q *Queue) list(ctx context.Context, state State) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM queue_item WHERE state = ? ORDER BY seq`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list %s items: %w", state, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (q *Queue) setState(ctx context.Context, id string, state State, lastError string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_item SET state = ?, last_error = ?, updated_at = ? WHERE id = ? AND state = 'pending'`,
		string(state), nullable(lastError), q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", id, state, err)
	}
	return nil
}

func (q *Queue) recordRetry(ctx context.Context, id string, cause error) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_item SET retry_count = retry_count + 1, last_error = ?, updated_at = ? WHERE id = ? AND state = 'pending'`,
		cause.Error(), q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record retry for %s: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (Item, error) {
	var (
		item       Item
		op, state  string
		docID      sql.NullString
		payload    sql.NullString
		lastError  sql.NullString
		enqueuedMs int64
	)
	if err := s.Scan(&item.ID, &op, &item.EntityKind, &docID, &payload, &enqueuedMs,
		&item.RetryCount, &item.Priority, &state, &lastError); err != nil {
		return Item{}, err
	}

	parsed, err := syncx.ParseOperation(op)
	if err != nil {
		return Item{}, fmt.Errorf("queue item %s: %w", item.ID, err)
	}
	item.Operation = parsed
	item.DocumentID = docID.String
	item.State = State(state)
	item.LastError = lastError.String
	item.EnqueuedAt = time.UnixMilli(enqueuedMs)

	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &item.Payload); err != nil {
			return Item{}, fmt.Errorf("queue item %s payload: %w", item.ID, err)
		}
	}
	return item, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
