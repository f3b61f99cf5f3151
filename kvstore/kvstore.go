// Package kvstore is a small persistent key->JSON store over SQLite with
// in-process change notification.
//
// Values are whole JSON documents: Set always overwrites fully, there is no
// partial merge. Reads are best-effort: a malformed stored value is logged
// and treated as absent, so callers must validate anything they get back.
// Subscribe lets independent consumers of the same key observe each other's
// writes without sharing an in-memory singleton.
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	kv, err := kvstore.Open("data/timetab.db", kvstore.Options{MkdirAll: true})
//
// In tests:
//
//	kv := kvstore.OpenMemory(t)
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Options tunes the store.
type Options struct {
	// BusyTimeoutMs is PRAGMA busy_timeout in milliseconds. Default: 10000.
	BusyTimeoutMs int
	// MkdirAll creates parent directories of the database path before
	// opening.
	MkdirAll bool
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.BusyTimeoutMs <= 0 {
		o.BusyTimeoutMs = 10_000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Store is the key->JSON store handle. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	opts Options

	mu   sync.Mutex
	subs map[string][]chan struct{}
}

// Open opens (and if needed creates) the store at path. The caller must
// blank-import a driver registering itself as "sqlite".
func Open(path string, opts Options) (*Store, error) {
	opts.defaults()

	if opts.MkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("kvstore: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", opts.BusyTimeoutMs),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: ping: %w", err)
	}

	return &Store{db: db, opts: opts, subs: make(map[string][]chan struct{})}, nil
}

// OpenMemory opens an in-memory store for testing. It sets MaxOpenConns(1)
// so all queries hit the same in-memory database, and registers t.Cleanup to
// close the store automatically.
func OpenMemory(t testing.TB) *Store {
	t.Helper()
	s, err := Open(":memory:", Options{})
	if err != nil {
		t.Fatalf("kvstore.OpenMemory: %v", err)
	}
	s.db.SetMaxOpenConns(1)
	t.Cleanup(func() { s.Close() })
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored value for key, or nil when the key is absent. A
// stored value that is not valid JSON is logged and treated as absent.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	if !json.Valid([]byte(value)) {
		s.opts.Logger.Warn("malformed stored value treated as absent", "key", key)
		return nil, nil
	}
	return json.RawMessage(value), nil
}

// Set stores value under key, overwriting any previous value, and notifies
// subscribers of the key.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}
	s.notify(key)
	return nil
}

// Delete removes key. Deleting an absent key is not an error. Subscribers
// are notified.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kvstore: delete %q: %w", key, err)
	}
	s.notify(key)
	return nil
}

// GetJSON reads key and unmarshals it into out. It returns false when the
// key is absent or the stored value does not unmarshal into out; malformed
// data is logged, never returned as an error.
func (s *Store) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.opts.Logger.Warn("stored value does not match expected shape", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

// SetJSON marshals v and stores it under key.
func (s *Store) SetJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kvstore: marshal %q: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// Subscribe returns a channel that receives a signal after every Set or
// Delete of key, and a cancel function that must be called to release the
// subscription. The channel has a buffer of one; signals coalesce rather
// than queue.
func (s *Store) Subscribe(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.subs[key] = append(s.subs[key], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.subs[key]
		for i, c := range list {
			if c == ch {
				s.subs[key] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
