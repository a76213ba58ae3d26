package syncservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/erauner12/erpsync/internal/syncx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// RecordService applies queued writes to the sync_record table and lists
// collections for cache fetches
type RecordService struct {
	DB  *pgxpool.Pool
	Now func() int64 // epoch ms; overridable in tests
}

// NewRecordService creates a new RecordService
func NewRecordService(db *pgxpool.Pool) *RecordService {
	return &RecordService{DB: db, Now: syncx.NowMs}
}

// Apply performs one wire item for userID inside a single transaction.
//
// Every applied item id is remembered in applied_op; a replay returns the
// current state of the record it touched without writing again, so a create
// whose response was lost never produces a second record.
//
// Returns an error wrapping syncx.ErrInvalidItem for malformed items and
// syncx.ErrNotFound when an update targets a missing or deleted record.
// Deleting a missing record succeeds.
func (s *RecordService) Apply(ctx context.Context, userID string, item syncx.WireItem) (*syncx.Record, error) {
	logger := log.Ctx(ctx).With().
		Str("opId", item.ID).
		Str("collection", item.Collection).
		Str("operation", item.Operation.String()).
		Logger()

	if err := item.Validate(); err != nil {
		return nil, err
	}
	uid, err := syncx.RecordUID(item)
	if err != nil {
		return nil, err
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to begin transaction")
		return nil, err
	}
	defer tx.Rollback(ctx)

	// serialize concurrent replays of the same item
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`, userID, item.ID); err != nil {
		logger.Error().Err(err).Msg("failed to take op lock")
		return nil, err
	}

	var seenCollection string
	var seenUID uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT collection, uid FROM applied_op
		WHERE owner_id = $1 AND op_id = $2
	`, userID, item.ID).Scan(&seenCollection, &seenUID)
	switch {
	case err == nil:
		logger.Debug().Msg("replayed op; returning recorded result")
		rec, err := getRecord(ctx, tx, userID, seenCollection, seenUID)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return tombstone(seenCollection, seenUID, s.Now()), nil
		}
		return rec, nil
	case !errors.Is(err, pgx.ErrNoRows):
		logger.Error().Err(err).Msg("failed to look up applied ops")
		return nil, err
	}

	now := s.Now()
	var rec *syncx.Record

	switch item.Operation {
	case syncx.OpCreate:
		rec, err = s.create(ctx, tx, userID, item, uid, now)
	case syncx.OpUpdate:
		rec, err = s.update(ctx, tx, userID, item, uid, now)
	case syncx.OpDelete:
		rec, err = s.delete(ctx, tx, userID, item, uid, now)
	default:
		err = fmt.Errorf("%w: %d", syncx.ErrUnknownOperation, uint8(item.Operation))
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO applied_op (owner_id, op_id, operation, collection, uid, version, applied_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, op_id) DO NOTHING
	`, userID, item.ID, item.Operation.String(), item.Collection, uid, rec.Version, now); err != nil {
		logger.Error().Err(err).Msg("failed to record applied op")
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to commit apply")
		return nil, err
	}

	logger.Debug().Str("uid", uid.String()).Int("version", rec.Version).Msg("applied sync item")
	return rec, nil
}

// create inserts the record, or replaces it when the client-chosen id
// already exists (including a tombstone)
func (s *RecordService) create(ctx context.Context, tx pgx.Tx, userID string, item syncx.WireItem, uid uuid.UUID, now int64) (*syncx.Record, error) {
	payloadJSON, err := json.Marshal(item.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", syncx.ErrInvalidItem, err)
	}

	var version int
	var ms int64
	err = tx.QueryRow(ctx, `
		INSERT INTO sync_record (owner_id, collection, uid, payload_json, version, updated_at_ms, deleted_at_ms)
		VALUES ($1, $2, $3, $4::jsonb, 1, $5, NULL)
		ON CONFLICT (owner_id, collection, uid) DO UPDATE SET
			payload_json  = EXCLUDED.payload_json,
			version       = sync_record.version + 1,
			updated_at_ms = GREATEST(sync_record.updated_at_ms + 1, EXCLUDED.updated_at_ms),
			deleted_at_ms = NULL
		RETURNING version, updated_at_ms
	`, userID, item.Collection, uid, payloadJSON, now).Scan(&version, &ms)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("uid", uid.String()).Msg("failed to insert record")
		return nil, err
	}

	return &syncx.Record{
		UID:        uid.String(),
		Collection: item.Collection,
		Version:    version,
		UpdatedAt:  syncx.RFC3339(ms),
		Payload:    item.Data,
	}, nil
}

// update merges data into the live record's payload
func (s *RecordService) update(ctx context.Context, tx pgx.Tx, userID string, item syncx.WireItem, uid uuid.UUID, now int64) (*syncx.Record, error) {
	patch, err := json.Marshal(item.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", syncx.ErrInvalidItem, err)
	}

	var payload map[string]any
	var version int
	var ms int64
	err = tx.QueryRow(ctx, `
		UPDATE sync_record SET
			payload_json  = payload_json || $4::jsonb,
			version       = version + 1,
			updated_at_ms = GREATEST(updated_at_ms + 1, $5)
		WHERE owner_id = $1 AND collection = $2 AND uid = $3 AND deleted_at_ms IS NULL
		RETURNING payload_json, version, updated_at_ms
	`, userID, item.Collection, uid, patch, now).Scan(&payload, &version, &ms)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", item.Collection, uid, syncx.ErrNotFound)
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("uid", uid.String()).Msg("failed to update record")
		return nil, err
	}

	return &syncx.Record{
		UID:        uid.String(),
		Collection: item.Collection,
		Version:    version,
		UpdatedAt:  syncx.RFC3339(ms),
		Payload:    payload,
	}, nil
}

// delete writes a tombstone. A record that is missing or already deleted is
// reported as deleted without touching the table.
func (s *RecordService) delete(ctx context.Context, tx pgx.Tx, userID string, item syncx.WireItem, uid uuid.UUID, now int64) (*syncx.Record, error) {
	var payload map[string]any
	var version int
	var ms int64
	err := tx.QueryRow(ctx, `
		UPDATE sync_record SET
			version       = version + 1,
			updated_at_ms = GREATEST(updated_at_ms + 1, $4),
			deleted_at_ms = GREATEST(updated_at_ms + 1, $4)
		WHERE owner_id = $1 AND collection = $2 AND uid = $3 AND deleted_at_ms IS NULL
		RETURNING payload_json, version, updated_at_ms
	`, userID, item.Collection, uid, now).Scan(&payload, &version, &ms)
	if errors.Is(err, pgx.ErrNoRows) {
		rec, err := getRecord(ctx, tx, userID, item.Collection, uid)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return tombstone(item.Collection, uid, now), nil
		}
		return rec, nil
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("uid", uid.String()).Msg("failed to delete record")
		return nil, err
	}

	deletedAt := syncx.RFC3339(ms)
	return &syncx.Record{
		UID:        uid.String(),
		Collection: item.Collection,
		Version:    version,
		UpdatedAt:  deletedAt,
		DeletedAt:  &deletedAt,
		Payload:    payload,
	}, nil
}

// Get retrieves a single record regardless of deletion status.
// Returns nil, nil when it does not exist.
func (s *RecordService) Get(ctx context.Context, userID, collection string, uid uuid.UUID) (*syncx.Record, error) {
	return getRecord(ctx, s.DB, userID, collection, uid)
}

// List returns one page of a collection ordered by (updated_at_ms, uid)
func (s *RecordService) List(ctx context.Context, userID, collection string, cursor syncx.Cursor, limit int, includeDeleted bool) (*syncx.ListResponse, error) {
	logger := log.Ctx(ctx)

	query := `
		SELECT uid, payload_json, version, updated_at_ms, deleted_at_ms
		FROM sync_record
		WHERE owner_id = $1
		  AND collection = $2
		  AND (updated_at_ms, uid) > ($3, $4::uuid)
	`
	if !includeDeleted {
		query += ` AND deleted_at_ms IS NULL`
	}
	query += ` ORDER BY updated_at_ms, uid LIMIT $5`

	rows, err := s.DB.Query(ctx, query, userID, collection, cursor.Ms, cursor.UID, limit)
	if err != nil {
		logger.Error().Err(err).Str("collection", collection).Msg("failed to list records")
		return nil, err
	}
	defer rows.Close()

	items := make([]syncx.Record, 0, limit)
	var lastMs int64
	var lastUID uuid.UUID

	for rows.Next() {
		var uid uuid.UUID
		var payload map[string]any
		var version int
		var ms int64
		var deletedAtMs *int64

		if err := rows.Scan(&uid, &payload, &version, &ms, &deletedAtMs); err != nil {
			logger.Error().Err(err).Msg("failed to scan record row")
			return nil, err
		}

		rec := syncx.Record{
			UID:        uid.String(),
			Collection: collection,
			Version:    version,
			UpdatedAt:  syncx.RFC3339(ms),
			Payload:    payload,
		}
		if deletedAtMs != nil {
			deletedAt := syncx.RFC3339(*deletedAtMs)
			rec.DeletedAt = &deletedAt
		}

		items = append(items, rec)
		lastMs, lastUID = ms, uid
	}

	if err := rows.Err(); err != nil {
		logger.Error().Err(err).Msg("row iteration error")
		return nil, err
	}

	// a short page is the last one
	var nextCursor *string
	if len(items) == limit && limit > 0 {
		encoded := syncx.EncodeCursor(syncx.Cursor{Ms: lastMs, UID: lastUID})
		nextCursor = &encoded
	}

	return &syncx.ListResponse{
		Items:      items,
		NextCursor: nextCursor,
	}, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecord(ctx context.Context, q queryRower, userID, collection string, uid uuid.UUID) (*syncx.Record, error) {
	var payload map[string]any
	var version int
	var updatedAtMs int64
	var deletedAtMs *int64

	err := q.QueryRow(ctx, `
		SELECT payload_json, version, updated_at_ms, deleted_at_ms
		FROM sync_record
		WHERE owner_id = $1 AND collection = $2 AND uid = $3
	`, userID, collection, uid).Scan(&payload, &version, &updatedAtMs, &deletedAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("uid", uid.String()).Msg("failed to get record")
		return nil, err
	}

	rec := &syncx.Record{
		UID:        uid.String(),
		Collection: collection,
		Version:    version,
		UpdatedAt:  syncx.RFC3339(updatedAtMs),
		Payload:    payload,
	}
	if deletedAtMs != nil {
		deletedAt := syncx.RFC3339(*deletedAtMs)
		rec.DeletedAt = &deletedAt
	}
	return rec, nil
}

func tombstone(collection string, uid uuid.UUID, ms int64) *syncx.Record {
	deletedAt := syncx.RFC3339(ms)
	return &syncx.Record{
		UID:        uid.String(),
		Collection: collection,
		UpdatedAt:  deletedAt,
		DeletedAt:  &deletedAt,
		Payload:    map[string]any{},
	}
}
