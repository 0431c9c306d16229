package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrCacheEmpty is returned by Cache.Load when nothing has been stored yet.
var ErrCacheEmpty = errors.New("relay cache is empty")

const cacheSchema = `
CREATE TABLE IF NOT EXISTS relay_list (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	etag    TEXT NOT NULL DEFAULT '',
	updated INTEGER NOT NULL,
	body    BLOB NOT NULL
)`

// Cache persists the last fetched catalogue so the daemon can select relays
// before the first refresh completes.
type Cache struct {
	db *sql.DB
}

// OpenCache opens or creates the cache database at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("error creating cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening relay cache: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing relay cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Load returns the stored catalogue.
func (c *Cache) Load(ctx context.Context) (*Catalogue, error) {
	var (
		etag    string
		updated int64
		body    []byte
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT etag, updated, body FROM relay_list WHERE id = 1`).Scan(&etag, &updated, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("error reading relay cache: %w", err)
	}

	var cat Catalogue
	if err := json.Unmarshal(body, &cat); err != nil {
		return nil, fmt.Errorf("error parsing cached relay list: %w", err)
	}
	cat.ETag = etag
	cat.Updated = time.Unix(updated, 0)
	return &cat, nil
}

// Store replaces the stored catalogue with cat.
func (c *Cache) Store(ctx context.Context, cat *Catalogue) error {
	body, err := json.Marshal(cat)
	if err != nil {
		return fmt.Errorf("error serializing relay list: %w", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO relay_list (id, etag, updated, body) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET etag = excluded.etag, updated = excluded.updated, body = excluded.body`,
		cat.ETag, cat.Updated.Unix(), body)
	if err != nil {
		return fmt.Errorf("error writing relay cache: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
