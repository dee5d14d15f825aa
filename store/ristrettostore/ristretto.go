package ristrettostore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/byuoitav/storagearea/store"
	"github.com/dgraph-io/ristretto"
)

// ErrDropped is returned when ristretto refuses to admit a value.
var ErrDropped = errors.New("set was dropped and not saved to store")

// DefaultAreas are the areas a Store exposes when none are given.
var DefaultAreas = []string{"session"}

// Store is a memory-bounded, non-durable provider. Each value costs its size in bytes;
// when the total exceeds the configured maximum, ristretto evicts values and the store
// announces each eviction as a removal.
type Store struct {
	cache *ristretto.Cache

	mu    sync.Mutex
	names []string
	areas map[string]*area
	feed  store.Feed

	evictMu sync.Mutex
	evicted []*entry
	wake    chan struct{}
	kill    chan struct{}
	reaped  chan struct{}
}

type area struct {
	s    *Store
	name string
	keys []string
	m    map[string]*entry
}

type entry struct {
	area  string
	key   string
	value []byte
}

// NewStore .
func NewStore(maxCost int64, areas ...string) (*Store, error) {
	if maxCost <= 0 {
		return nil, fmt.Errorf("max cost must be positive")
	}

	if len(areas) == 0 {
		areas = DefaultAreas
	}

	s := &Store{
		areas:  make(map[string]*area, len(areas)),
		wake:   make(chan struct{}, 1),
		kill:   make(chan struct{}),
		reaped: make(chan struct{}),
	}

	counters := maxCost / 32
	if counters < 1024 {
		counters = 1024
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        counters,
		MaxCost:            maxCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
		OnEvict:            s.onEvict,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to build cache: %w", err)
	}

	s.cache = cache

	for _, name := range areas {
		if _, ok := s.areas[name]; ok {
			continue
		}

		s.names = append(s.names, name)
		s.areas[name] = &area{
			s:    s,
			name: name,
			m:    make(map[string]*entry),
		}
	}

	go s.reap()
	return s, nil
}

// onEvict runs on ristretto's goroutine, possibly while a Set holds s.mu, so it only queues.
func (s *Store) onEvict(item *ristretto.Item) {
	e, ok := item.Value.(*entry)
	if !ok {
		return
	}

	s.evictMu.Lock()
	s.evicted = append(s.evicted, e)
	s.evictMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) reap() {
	defer close(s.reaped)

	for {
		select {
		case <-s.wake:
		case <-s.kill:
			return
		}

		s.evictMu.Lock()
		evicted := s.evicted
		s.evicted = nil
		s.evictMu.Unlock()

		batches := make(map[string]store.Changes)

		s.mu.Lock()
		for _, e := range evicted {
			a := s.areas[e.area]
			if a == nil || a.m[e.key] != e {
				// replaced or removed since
				continue
			}

			a.drop(e.key)

			if batches[e.area] == nil {
				batches[e.area] = make(store.Changes)
			}

			batches[e.area][e.key] = store.Change{OldValue: store.Copy(e.value)}
		}

		deliveries := make(map[string]*store.Delivery, len(batches))
		for name := range batches {
			deliveries[name] = s.feed.Reserve()
		}
		s.mu.Unlock()

		for name, d := range deliveries {
			d.Send(batches[name], name)
		}
	}
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

// LastError always returns nil.
func (s *Store) LastError() error {
	return nil
}

// Close .
func (s *Store) Close() error {
	select {
	case <-s.kill:
		return nil
	default:
	}

	close(s.kill)
	<-s.reaped

	s.cache.Close()
	return nil
}

func (a *area) cacheKey(key string) string {
	return a.name + "\x00" + key
}

func (a *area) drop(key string) {
	delete(a.m, key)
	a.keys = slices.DeleteFunc(a.keys, func(k string) bool {
		return k == key
	})
}

// Get .
func (a *area) Get(ctx context.Context, keys []string) ([]store.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	if keys == nil {
		keys = a.keys
	}

	items := make([]store.Item, 0, len(keys))
	for _, key := range keys {
		e, ok := a.m[key]
		if !ok {
			continue
		}

		// evicted, but not reaped yet
		if v, ok := a.s.cache.Get(a.cacheKey(key)); !ok || v != e {
			continue
		}

		items = append(items, store.Item{
			Key:   key,
			Value: store.Copy(e.value),
		})
	}

	return items, nil
}

// Set admits each item in order. It stops at the first item ristretto refuses;
// the items admitted before it stay set.
func (a *area) Set(ctx context.Context, items []store.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.s.mu.Lock()

	var err error
	changes := make(store.Changes, len(items))
	for _, item := range items {
		old, exists := a.m[item.Key]
		if exists && bytes.Equal(old.value, item.Value) {
			continue
		}

		e := &entry{
			area:  a.name,
			key:   item.Key,
			value: store.Copy(item.Value),
		}

		ok := a.s.cache.Set(a.cacheKey(item.Key), e, int64(len(e.value)))
		a.s.cache.Wait()

		if v, found := a.s.cache.Get(a.cacheKey(item.Key)); !ok || !found || v != e {
			err = fmt.Errorf("%w: %q", ErrDropped, item.Key)
			break
		}

		if !exists {
			a.keys = append(a.keys, item.Key)
		}

		a.m[item.Key] = e

		change := store.Change{NewValue: store.Copy(e.value)}
		if exists {
			change.OldValue = store.Copy(old.value)
		}

		changes[item.Key] = change
	}

	d := a.s.feed.Reserve()
	a.s.mu.Unlock()

	d.Send(changes, a.name)
	return err
}

// Remove .
func (a *area) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.s.mu.Lock()

	changes := make(store.Changes, len(keys))
	for _, key := range keys {
		e, ok := a.m[key]
		if !ok {
			continue
		}

		a.s.cache.Del(a.cacheKey(key))
		a.drop(key)
		changes[key] = store.Change{OldValue: store.Copy(e.value)}
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
	for key, e := range a.m {
		a.s.cache.Del(a.cacheKey(key))
		changes[key] = store.Change{OldValue: store.Copy(e.value)}
	}

	a.keys = nil
	a.m = make(map[string]*entry)

	d := a.s.feed.Reserve()
	a.s.mu.Unlock()

	d.Send(changes, a.name)
	return nil
}
