// Package sqlitestore provides a store.Provider backed by SQLite.
package sqlitestore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/byuoitav/storagearea/store"
	_ "modernc.org/sqlite"
)

// DefaultAreas are the areas a Store exposes when none are given.
var DefaultAreas = []string{"local", "session", "sync"}

const schema = `CREATE TABLE IF NOT EXISTS items (
	area  TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (area, key)
)`

// Store persists items in a single SQLite table. Items of an area
// enumerate in the order their keys were first written.
type Store struct {
	db    *sql.DB
	names []string
	feed  store.Feed

	// sqlite allows one writer at a time; mu also orders deliveries with commits.
	mu sync.Mutex
}

type area struct {
	s    *Store
	name string
}

// Open opens the SQLite database at path and creates the items table.
func Open(path string, areas ...string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s, err := NewStore(db, areas...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// NewStore uses an already opened database.
func NewStore(db *sql.DB, areas ...string) (*Store, error) {
	if len(areas) == 0 {
		areas = DefaultAreas
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create items table: %w", err)
	}

	s := &Store{db: db}
	for _, name := range areas {
		if !slices.Contains(s.names, name) {
			s.names = append(s.names, name)
		}
	}

	return s, nil
}

// Members .
func (s *Store) Members() []string {
	return append(slices.Clone(s.names), "onChanged")
}

// Area .
func (s *Store) Area(name string) (store.Area, error) {
	if !slices.Contains(s.names, name) {
		return nil, fmt.Errorf("%w: %q", store.ErrNoArea, name)
	}

	return &area{s: s, name: name}, nil
}

// OnChanged .
func (s *Store) OnChanged(h store.Handler) store.UnsubscribeFunc {
	return s.feed.Subscribe(h)
}

// LastError always returns nil; database errors are returned directly.
func (s *Store) LastError() error {
	return nil
}

// Close .
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

// Get .
func (a *area) Get(ctx context.Context, keys []string) ([]store.Item, error) {
	if keys == nil {
		rows, err := a.s.db.QueryContext(ctx, `SELECT key, value FROM items WHERE area = ? ORDER BY rowid`, a.name)
		if err != nil {
			return nil, fmt.Errorf("query items: %w", err)
		}
		defer rows.Close()

		var items []store.Item
		for rows.Next() {
			var (
				key string
				val []byte
			)

			if err := rows.Scan(&key, &val); err != nil {
				return nil, fmt.Errorf("scan item: %w", err)
			}

			items = append(items, store.Item{Key: key, Value: val})
		}

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate items: %w", err)
		}

		return items, nil
	}

	items := make([]store.Item, 0, len(keys))
	for _, key := range keys {
		val, err := get(ctx, a.s.db, a.name, key)
		switch {
		case err != nil:
			return nil, err
		case val == nil:
			continue
		}

		items = append(items, store.Item{Key: key, Value: val})
	}

	return items, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func get(ctx context.Context, q querier, area, key string) ([]byte, error) {
	var val []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM items WHERE area = ? AND key = ?`, area, key).Scan(&val)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("query %q: %w", key, err)
	}

	return val, nil
}

// update runs fn in a transaction and announces the changes it returns once committed.
func (a *area) update(ctx context.Context, fn func(*sql.Tx) (store.Changes, error)) error {
	a.s.mu.Lock()

	tx, err := a.s.db.BeginTx(ctx, nil)
	if err != nil {
		a.s.mu.Unlock()
		return fmt.Errorf("begin transaction: %w", err)
	}

	changes, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		a.s.mu.Unlock()
		return err
	}

	if err := tx.Commit(); err != nil {
		a.s.mu.Unlock()
		return fmt.Errorf("commit: %w", err)
	}

	d := a.s.feed.Reserve()
	a.s.mu.Unlock()

	d.Send(changes, a.name)
	return nil
}

// Set .
func (a *area) Set(ctx context.Context, items []store.Item) error {
	return a.update(ctx, func(tx *sql.Tx) (store.Changes, error) {
		changes := make(store.Changes, len(items))
		for _, item := range items {
			old, err := get(ctx, tx, a.name, item.Key)
			switch {
			case err != nil:
				return nil, err
			case old != nil && bytes.Equal(old, item.Value):
				continue
			}

			_, err = tx.ExecContext(ctx, `INSERT INTO items (area, key, value) VALUES (?, ?, ?)
				ON CONFLICT (area, key) DO UPDATE SET value = excluded.value`, a.name, item.Key, []byte(item.Value))
			if err != nil {
				return nil, fmt.Errorf("put %q: %w", item.Key, err)
			}

			changes[item.Key] = store.Change{
				OldValue: old,
				NewValue: store.Copy(item.Value),
			}
		}

		return changes, nil
	})
}

// Remove .
func (a *area) Remove(ctx context.Context, keys []string) error {
	return a.update(ctx, func(tx *sql.Tx) (store.Changes, error) {
		changes := make(store.Changes, len(keys))
		for _, key := range keys {
			old, err := get(ctx, tx, a.name, key)
			switch {
			case err != nil:
				return nil, err
			case old == nil:
				continue
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE area = ? AND key = ?`, a.name, key); err != nil {
				return nil, fmt.Errorf("delete %q: %w", key, err)
			}

			changes[key] = store.Change{OldValue: old}
		}

		return changes, nil
	})
}

// Clear .
func (a *area) Clear(ctx context.Context) error {
	return a.update(ctx, func(tx *sql.Tx) (store.Changes, error) {
		rows, err := tx.QueryContext(ctx, `SELECT key, value FROM items WHERE area = ?`, a.name)
		if err != nil {
			return nil, fmt.Errorf("query items: %w", err)
		}

		changes := make(store.Changes)
		for rows.Next() {
			var (
				key string
				old []byte
			)

			if err := rows.Scan(&key, &old); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan item: %w", err)
			}

			changes[key] = store.Change{OldValue: old}
		}

		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate items: %w", err)
		}

		if err := rows.Close(); err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE area = ?`, a.name); err != nil {
			return nil, fmt.Errorf("clear area: %w", err)
		}

		return changes, nil
	})
}
