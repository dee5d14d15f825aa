package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/byuoitav/storagearea/store"
	bolt "go.etcd.io/bbolt"
)

// DefaultAreas are the buckets created when no areas are given.
var DefaultAreas = []string{"local", "session", "sync"}

// Store is a provider backed by bolt. Each area is a bucket.
type Store struct {
	db    *bolt.DB
	names []string
	feed  store.Feed
}

type area struct {
	s    *Store
	name string
}

// Open opens (or creates) the bolt database at path.
func Open(path string, areas ...string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	options := &bolt.Options{
		Timeout: 2 * time.Second,
	}

	db, err := bolt.Open(filepath.Clean(path), 0600, options)
	if err != nil {
		return nil, fmt.Errorf("unable to open bolt: %w", err)
	}

	s, err := NewStore(db, areas...)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewStore creates a bucket for each area that doesn't exist yet.
func NewStore(db *bolt.DB, areas ...string) (*Store, error) {
	if len(areas) == 0 {
		areas = DefaultAreas
	}

	s := &Store{
		db: db,
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range areas {
			if slices.Contains(s.names, name) {
				continue
			}

			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("unable to create %q bucket: %w", name, err)
			}

			s.names = append(s.names, name)
		}

		return nil
	})
	if err != nil {
		return nil, err
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

// LastError always returns nil; bolt reports failures directly.
func (s *Store) LastError() error {
	return nil
}

// Close .
func (s *Store) Close() error {
	return s.db.Close()
}

func (a *area) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(a.name))
	if bucket == nil {
		return nil, fmt.Errorf("no %q bucket found", a.name)
	}

	return bucket, nil
}

// Get .
func (a *area) Get(ctx context.Context, keys []string) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var items []store.Item
	err := a.s.db.View(func(tx *bolt.Tx) error {
		bucket, err := a.bucket(tx)
		if err != nil {
			return err
		}

		if keys == nil {
			return bucket.ForEach(func(key, value []byte) error {
				items = append(items, store.Item{
					Key:   string(key),
					Value: store.Copy(value),
				})

				return nil
			})
		}

		for _, key := range keys {
			if tmp := bucket.Get([]byte(key)); tmp != nil {
				items = append(items, store.Item{
					Key:   key,
					Value: store.Copy(tmp),
				})
			}
		}

		return nil
	})

	return items, err
}

// update runs fn in a write transaction and announces the changes it returns once committed.
func (a *area) update(fn func(*bolt.Bucket) (store.Changes, error)) error {
	var (
		changes store.Changes
		d       *store.Delivery
	)

	err := a.s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := a.bucket(tx)
		if err != nil {
			return err
		}

		changes, err = fn(bucket)
		if err != nil {
			return err
		}

		d = a.s.feed.Reserve()
		return nil
	})
	if err != nil {
		if d != nil {
			d.Cancel()
		}

		return err
	}

	d.Send(changes, a.name)
	return nil
}

// Set .
func (a *area) Set(ctx context.Context, items []store.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return a.update(func(bucket *bolt.Bucket) (store.Changes, error) {
		changes := make(store.Changes, len(items))
		for _, item := range items {
			old := store.Copy(bucket.Get([]byte(item.Key)))
			if old != nil && bytes.Equal(old, item.Value) {
				continue
			}

			if err := bucket.Put([]byte(item.Key), item.Value); err != nil {
				return nil, fmt.Errorf("unable to put %q: %w", item.Key, err)
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
	if err := ctx.Err(); err != nil {
		return err
	}

	return a.update(func(bucket *bolt.Bucket) (store.Changes, error) {
		changes := make(store.Changes, len(keys))
		for _, key := range keys {
			old := store.Copy(bucket.Get([]byte(key)))
			if old == nil {
				continue
			}

			if err := bucket.Delete([]byte(key)); err != nil {
				return nil, fmt.Errorf("unable to delete %q: %w", key, err)
			}

			changes[key] = store.Change{OldValue: old}
		}

		return changes, nil
	})
}

// Clear .
func (a *area) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return a.update(func(bucket *bolt.Bucket) (store.Changes, error) {
		changes := make(store.Changes)
		err := bucket.ForEach(func(key, value []byte) error {
			changes[string(key)] = store.Change{OldValue: store.Copy(value)}
			return nil
		})
		if err != nil {
			return nil, err
		}

		for key := range changes {
			if err := bucket.Delete([]byte(key)); err != nil {
				return nil, fmt.Errorf("unable to delete %q: %w", key, err)
			}
		}

		return changes, nil
	})
}
