package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteTier persists entries in the cache_entry table of the local store
type SQLiteTier struct {
	db *sql.DB
}

// NewSQLiteTier wraps an open local store handle
func NewSQLiteTier(db *sql.DB) *SQLiteTier {
	return &SQLiteTier{db: db}
}

func (t *SQLiteTier) Load(ctx context.Context, key string) (Entry, bool, error) {
	var (
		raw       string
		fetchedMs int64
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT data_json, fetched_at FROM cache_entry WHERE collection_key = ?`, key).
		Scan(&raw, &fetchedMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load cache entry %s: %w", key, err)
	}

	var data []map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return Entry{Key: key, Data: data, FetchedAt: time.UnixMilli(fetchedMs)}, true, nil
}

func (t *SQLiteTier) Store(ctx context.Context, e Entry) error {
	data := e.Data
	if data == nil {
		data = []map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", e.Key, err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO cache_entry (collection_key, data_json, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT (collection_key) DO UPDATE SET
			data_json  = excluded.data_json,
			fetched_at = excluded.fetched_at`,
		e.Key, string(raw), e.FetchedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store cache entry %s: %w", e.Key, err)
	}
	return nil
}

func (t *SQLiteTier) Delete(ctx context.Context, key string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM cache_entry WHERE collection_key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

func (t *SQLiteTier) DeleteAll(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM cache_entry`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
