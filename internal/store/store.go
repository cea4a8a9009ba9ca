// Package store provides the SQLite-backed key/value store used for user
// memory records and semantic cache entries.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrVersionConflict is returned by CompareAndSwap when the stored
	// version does not match the expected one.
	ErrVersionConflict = errors.New("version conflict")
)

// Item is a stored value with its version.
type Item struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

// KV is the persistent store collaborator: get/set with atomic per-key
// compare-and-set.
type KV interface {
	Get(ctx context.Context, key string) (Item, error)
	Set(ctx context.Context, key string, value []byte) (int64, error)
	CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	List(ctx context.Context, prefix string) ([]Item, error)
}

// Store manages the SQLite database.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
	now  func() time.Time
}

// Options configures the store.
type Options struct {
	// Path to the SQLite database file.
	// If empty, uses in-memory database.
	Path string

	// CreateIfNotExists creates the database directory if it doesn't exist.
	CreateIfNotExists bool
}

// NewStore opens the database and applies the schema.
func NewStore(opts Options) (*Store, error) {
	var dsn string

	if opts.Path == "" {
		dsn = "file::memory:"
	} else {
		if opts.CreateIfNotExists {
			dir := filepath.Dir(opts.Path)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn = "file:" + opts.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is its own database.
	if opts.Path == "" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:   db,
		path: opts.Path,
		now:  time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns the item stored under key.
func (s *Store) Get(ctx context.Context, key string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		it      = Item{Key: key}
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, version, updated_at FROM kv WHERE key = ?", key,
	).Scan(&it.Value, &it.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get %s: %w", key, err)
	}
	it.UpdatedAt = time.UnixMilli(updated)
	return it, nil
}

// Set stores value under key unconditionally and returns the new version.
func (s *Store) Set(ctx context.Context, key string, value []byte) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = kv.version + 1,
			updated_at = excluded.updated_at
		RETURNING version`,
		key, value, s.now().UnixMilli(),
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("set %s: %w", key, err)
	}
	return version, nil
}

// CompareAndSwap stores value only if the current version equals expected.
// An expected version of 0 means the key must not exist yet.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UnixMilli()

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx,
			"INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?) ON CONFLICT(key) DO NOTHING",
			key, value, now)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE kv SET value = ?, version = version + 1, updated_at = ? WHERE key = ? AND version = ?",
			value, now, key, expected)
	}
	if err != nil {
		return 0, fmt.Errorf("compare and swap %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compare and swap %s: %w", key, err)
	}
	if n != 1 {
		return 0, fmt.Errorf("%w: %s at version %d", ErrVersionConflict, key, expected)
	}
	return expected + 1, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix and returns the count.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE substr(key, 1, ?) = ?",
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return 0, fmt.Errorf("delete prefix %s: %w", prefix, err)
	}
	return res.RowsAffected()
}

// List returns every item whose key starts with prefix, ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, version, updated_at FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key",
		utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			it      Item
			updated int64
		)
		if err := rows.Scan(&it.Key, &it.Value, &it.Version, &updated); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.UpdatedAt = time.UnixMilli(updated)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Stats summarizes the store contents.
type Stats struct {
	Keys     int64            `json:"keys"`
	ByPrefix map[string]int64 `json:"by_prefix"`
}

// Stats counts keys, grouped by the segment before the first '/'.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{ByPrefix: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN instr(key, '/') > 0 THEN substr(key, 1, instr(key, '/') - 1) ELSE key END AS p,
		       COUNT(*)
		FROM kv GROUP BY p`)
	if err != nil {
		return nil, fmt.Errorf("count keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			prefix string
			count  int64
		)
		if err := rows.Scan(&prefix, &count); err != nil {
			return nil, fmt.Errorf("scan prefix count: %w", err)
		}
		stats.ByPrefix[prefix] = count
		stats.Keys += count
	}
	return stats, rows.Err()
}

var _ KV = (*Store)(nil)
