package storagearea

import (
	"container/list"
	"encoding/json"
	"slices"
	"sync"

	"github.com/byuoitav/storagearea/store"
)

// mirror is the in-memory copy of one area. Every method expects mu to be held
// by the caller.
type mirror struct {
	mu sync.RWMutex

	entries map[string]*list.Element
	order   *list.List

	known    map[string]bool
	complete bool

	// rev increases on every local or notified change. touched holds the rev at
	// which each key last changed, cleared the rev of the last clear; a fetch
	// that started at an earlier rev must not overwrite them.
	rev     uint64
	touched map[string]uint64
	cleared uint64

	// pending counts local writes of a key that have not been persisted yet,
	// pendingAll the pending clears. stale holds keys whose notifications were
	// skipped while they were pending.
	pending    map[string]int
	pendingAll int
	stale      map[string]bool
}

type entry struct {
	key   string
	value json.RawMessage
}

func newMirror() *mirror {
	return &mirror{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		known:   make(map[string]bool),
		touched: make(map[string]uint64),
		pending: make(map[string]int),
		stale:   make(map[string]bool),
	}
}

func (m *mirror) get(key string) (json.RawMessage, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}

	return e.Value.(*entry).value, true
}

func (m *mirror) isKnown(key string) bool {
	return m.complete || m.known[key]
}

func (m *mirror) len() int {
	return len(m.entries)
}

func (m *mirror) items() []store.Item {
	items := make([]store.Item, 0, len(m.entries))
	for e := m.order.Front(); e != nil; e = e.Next() {
		ent := e.Value.(*entry)
		items = append(items, store.Item{Key: ent.key, Value: ent.value})
	}

	return items
}

// store sets key without marking it touched.
func (m *mirror) store(key string, value json.RawMessage) {
	m.known[key] = true

	if e, ok := m.entries[key]; ok {
		e.Value.(*entry).value = value
		return
	}

	m.entries[key] = m.order.PushBack(&entry{key: key, value: value})
}

func (m *mirror) evict(key string) {
	m.known[key] = true

	if e, ok := m.entries[key]; ok {
		m.order.Remove(e)
		delete(m.entries, key)
	}
}

func (m *mirror) touch(key string) {
	m.rev++
	m.touched[key] = m.rev
}

func (m *mirror) put(key string, value json.RawMessage) {
	m.touch(key)
	m.store(key, value)
}

func (m *mirror) del(key string) {
	m.touch(key)
	m.evict(key)
}

// clear empties the mirror and forgets which keys are known.
func (m *mirror) clear() {
	m.rev++
	m.cleared = m.rev

	m.entries = make(map[string]*list.Element)
	m.order.Init()
	m.known = make(map[string]bool)
	m.touched = make(map[string]uint64)
	m.complete = false
}

// forget marks keys as not fetched, so the next lazy read or prime fetches them again.
func (m *mirror) forget(keys []string) {
	if m.complete {
		for key := range m.entries {
			m.known[key] = true
		}

		m.complete = false
	}

	for _, key := range keys {
		delete(m.known, key)
	}
}

func (m *mirror) guarded(key string, since uint64) bool {
	return m.cleared > since || m.touched[key] > since
}

// held reports whether a fetch that started at rev since must leave key alone.
func (m *mirror) held(key string, since uint64) bool {
	return m.guarded(key, since) || m.isPending(key)
}

// merge applies the result of a fetch that started at rev since. keys is what was
// requested, nil meaning everything. A full fetch drops entries the store no
// longer holds; for explicit keys that only happens when prune is set. Keys
// changed since the fetch started, or with writes still pending, are left alone.
func (m *mirror) merge(items []store.Item, keys []string, since uint64, prune bool) {
	if m.cleared > since {
		return
	}

	present := make(map[string]bool, len(items))
	for _, item := range items {
		present[item.Key] = true
		if m.held(item.Key, since) {
			continue
		}

		m.store(item.Key, store.Copy(item.Value))
	}

	if keys == nil {
		for key := range m.entries {
			if !present[key] && !m.held(key, since) {
				m.evict(key)
			}
		}

		m.complete = true
		return
	}

	for _, key := range keys {
		if m.held(key, since) {
			continue
		}

		if prune && !present[key] {
			m.evict(key)
		}

		m.known[key] = true
	}
}

func (m *mirror) isPending(key string) bool {
	return m.pendingAll > 0 || m.pending[key] > 0
}

func (m *mirror) hold(keys []string) {
	for _, key := range keys {
		m.pending[key]++
	}
}

func (m *mirror) release(keys []string) {
	for _, key := range keys {
		if m.pending[key]--; m.pending[key] <= 0 {
			delete(m.pending, key)
		}
	}
}

// settled returns and forgets the stale keys that no longer have pending writes.
func (m *mirror) settled() []string {
	var keys []string
	for key := range m.stale {
		if m.isPending(key) {
			continue
		}

		keys = append(keys, key)
		delete(m.stale, key)
	}

	slices.Sort(keys)
	return keys
}
