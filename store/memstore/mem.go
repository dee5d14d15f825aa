package memstore

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/byuoitav/storagearea/store"
)

// DefaultAreas are the areas a Store has unless WithAreas is given.
var DefaultAreas = []string{"local", "session", "sync"}

// Store is an in-memory provider. Items are kept in insertion order.
type Store struct {
	mu    sync.RWMutex
	names []string
	areas map[string]*area

	feed store.Feed

	manifest store.Manifest
	granted  map[string]bool
}

type area struct {
	s    *Store
	name string
	keys []string
	m    map[string][]byte
}

type options struct {
	areas    []string
	manifest store.Manifest
	granted  []string
}

// Option configures a Store.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) {
	f(o)
}

// WithAreas sets the names of the areas the store exposes.
func WithAreas(names ...string) Option {
	return optionFunc(func(o *options) {
		o.areas = names
	})
}

// WithManifest sets the manifest reported to permission checks.
func WithManifest(m store.Manifest) Option {
	return optionFunc(func(o *options) {
		o.manifest = m
	})
}

// WithGranted grants optional permissions.
func WithGranted(perms ...string) Option {
	return optionFunc(func(o *options) {
		o.granted = append(o.granted, perms...)
	})
}

// NewStore .
func NewStore(opts ...Option) *Store {
	options := options{
		areas: DefaultAreas,
		manifest: store.Manifest{
			Permissions: []string{"storage"},
		},
	}

	for _, o := range opts {
		o.apply(&options)
	}

	s := &Store{
		areas:    make(map[string]*area, len(options.areas)),
		manifest: options.manifest,
		granted:  make(map[string]bool),
	}

	for _, name := range options.areas {
		if _, ok := s.areas[name]; ok {
			continue
		}

		s.names = append(s.names, name)
		s.areas[name] = &area{
			s:    s,
			name: name,
			m:    make(map[string][]byte),
		}
	}

	for _, p := range options.manifest.Permissions {
		s.granted[p] = true
	}

	for _, p := range options.granted {
		s.granted[p] = true
	}

	return s
}

// Members .
func (s *Store) Members() []string {
	return append(slices.Clone(s.names), "onChanged")
}

// Area .
func (s *Store) Area(name string) (store.Area, error) {
	a, ok := s.areas[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", store.ErrNoArea, name)
	}

	return a, nil
}

// OnChanged .
func (s *Store) OnChanged(h store.Handler) store.UnsubscribeFunc {
	return s.feed.Subscribe(h)
}

// LastError always returns nil; memory operations report failures directly.
func (s *Store) LastError() error {
	return nil
}

// Manifest .
func (s *Store) Manifest() store.Manifest {
	return s.manifest
}

// Contains reports whether every permission in perms has been granted.
func (s *Store) Contains(ctx context.Context, perms []string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range perms {
		if !s.granted[p] {
			return false, nil
		}
	}

	return true, nil
}

// Grant grants permissions at runtime.
func (s *Store) Grant(perms ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range perms {
		s.granted[p] = true
	}
}

// Close .
func (s *Store) Close() error {
	return nil
}

// Get .
func (a *area) Get(ctx context.Context, keys []string) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	if keys == nil {
		keys = a.keys
	}

	items := make([]store.Item, 0, len(keys))
	for _, key := range keys {
		if data, ok := a.m[key]; ok {
			items = append(items, store.Item{
				Key:   key,
				Value: store.Copy(data),
			})
		}
	}

	return items, nil
}

// Set .
func (a *area) Set(ctx context.Context, items []store.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.s.mu.Lock()

	changes := make(store.Changes, len(items))
	for _, item := range items {
		old, ok := a.m[item.Key]
		switch {
		case !ok:
			a.keys = append(a.keys, item.Key)
		case bytes.Equal(old, item.Value):
			continue
		}

		val := store.Copy(item.Value)
		a.m[item.Key] = val
		changes[item.Key] = store.Change{
			OldValue: old,
			NewValue: store.Copy(val),
		}
	}

	d := a.s.feed.Reserve()
	a.s.mu.Unlock()

	d.Send(changes, a.name)
	return nil
}

// Remove .
func (a *area) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.s.mu.Lock()

	changes := make(store.Changes, len(keys))
	for _, key := range keys {
		old, ok := a.m[key]
		if !ok {
			continue
		}

		delete(a.m, key)
		changes[key] = store.Change{OldValue: old}
	}

	if len(changes) > 0 {
		a.keys = slices.DeleteFunc(a.keys, func(key string) bool {
			_, removed := changes[key]
			return removed
		})
	}

	d := a.s.feed.Reserve()
	a.s.mu.Unlock()

	d.Send(changes, a.name)
	return nil
}

// Clear .
func (a *area) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.s.mu.Lock()

	changes := make(store.Changes, len(a.m))
	for key, old := range a.m {
		changes[key] = store.Change{OldValue: old}
	}

	a.keys = nil
	a.m = make(map[string][]byte)

	d := a.s.feed.Reserve()
	a.s.mu.Unlock()

	d.Send(changes, a.name)
	return nil
}
