// Package storetest runs the same set of checks against any store.Provider.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/byuoitav/storagearea/store"
)

// NewFunc returns a fresh, empty provider that exposes the "local" and "session" areas.
type NewFunc func(tb testing.TB) store.Provider

// Recorder collects change batches delivered to a handler.
type Recorder struct {
	mu      sync.Mutex
	batches []Batch
	signal  chan struct{}
}

// Batch is one delivered change batch.
type Batch struct {
	Area    string
	Changes store.Changes
}

// NewRecorder .
func NewRecorder() *Recorder {
	return &Recorder{
		signal: make(chan struct{}, 1),
	}
}

// Handle is a store.Handler.
func (r *Recorder) Handle(changes store.Changes, area string) {
	r.mu.Lock()
	r.batches = append(r.batches, Batch{Area: area, Changes: changes})
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// Batches returns the batches received so far.
func (r *Recorder) Batches() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.batches)
}

// WaitFor waits until at least n batches have been received.
func (r *Recorder) WaitFor(tb testing.TB, n int) []Batch {
	tb.Helper()

	timeout := time.After(2 * time.Second)
	for {
		if b := r.Batches(); len(b) >= n {
			return b
		}

		select {
		case <-r.signal:
		case <-timeout:
			tb.Fatalf("timed out waiting for %d change batches, got %d", n, len(r.Batches()))
		}
	}
}

// Run runs every check as a subtest, each against a fresh provider.
func Run(t *testing.T, newProvider NewFunc) {
	t.Run("AreaNames", run(newProvider, AreaNames))
	t.Run("SetAndGet", run(newProvider, SetAndGet))
	t.Run("GetMissing", run(newProvider, GetMissing))
	t.Run("GetAll", run(newProvider, GetAll))
	t.Run("Remove", run(newProvider, Remove))
	t.Run("Clear", run(newProvider, Clear))
	t.Run("AreasAreIsolated", run(newProvider, AreasAreIsolated))
	t.Run("SetNotifies", run(newProvider, SetNotifies))
	t.Run("RemoveNotifies", run(newProvider, RemoveNotifies))
	t.Run("UnchangedValueIsQuiet", run(newProvider, UnchangedValueIsQuiet))
	t.Run("Unsubscribe", run(newProvider, Unsubscribe))
	t.Run("UnknownArea", run(newProvider, UnknownArea))
}

func run(newProvider NewFunc, check func(*testing.T, store.Provider)) func(*testing.T) {
	return func(t *testing.T) {
		p := newProvider(t)
		check(t, p)
	}
}

// MustArea .
func MustArea(tb testing.TB, p store.Provider, name string) store.Area {
	tb.Helper()

	a, err := p.Area(name)
	if err != nil {
		tb.Fatalf("failed to get area %q: %v", name, err)
	}

	return a
}

func mustSet(tb testing.TB, a store.Area, items ...store.Item) {
	tb.Helper()

	if err := a.Set(context.Background(), items); err != nil {
		tb.Fatalf("failed to set: %v", err)
	}
}

func mustGet(tb testing.TB, a store.Area, keys []string) []store.Item {
	tb.Helper()

	items, err := a.Get(context.Background(), keys)
	if err != nil {
		tb.Fatalf("failed to get %v: %v", keys, err)
	}

	return items
}

func checkItem(tb testing.TB, expected, actual store.Item) {
	tb.Helper()

	if expected.Key != actual.Key || !bytes.Equal(expected.Value, actual.Value) {
		tb.Fatalf("items didn't match:\nexpected: %s=%s\nactual: %s=%s", expected.Key, expected.Value, actual.Key, actual.Value)
	}
}

// AreaNames .
func AreaNames(t *testing.T, p store.Provider) {
	names := store.AreaNames(p)
	for _, want := range []string{"local", "session"} {
		if !slices.Contains(names, want) {
			t.Fatalf("expected %q in area names %v", want, names)
		}
	}

	if slices.Contains(names, "onChanged") {
		t.Fatalf("event registration point listed as an area: %v", names)
	}
}

// SetAndGet .
func SetAndGet(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "local")

	item := store.Item{Key: "theme", Value: []byte(`"dark"`)}
	mustSet(t, a, item)

	items := mustGet(t, a, []string{"theme"})
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}

	checkItem(t, item, items[0])

	// overwrite
	item.Value = []byte(`{"mode":"light"}`)
	mustSet(t, a, item)

	items = mustGet(t, a, []string{"theme"})
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}

	checkItem(t, item, items[0])
}

// GetMissing .
func GetMissing(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "local")

	items := mustGet(t, a, []string{"keythatdoesntexist"})
	if len(items) != 0 {
		t.Fatalf("expected no items, got %v", items)
	}
}

// GetAll .
func GetAll(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "local")

	mustSet(t, a,
		store.Item{Key: "a", Value: []byte(`1`)},
		store.Item{Key: "b", Value: []byte(`2`)},
		store.Item{Key: "c", Value: []byte(`3`)},
	)

	items := mustGet(t, a, nil)
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}

	got := make(map[string]string)
	for _, item := range items {
		got[item.Key] = string(item.Value)
	}

	for key, val := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		if got[key] != val {
			t.Fatalf("expected %s=%s, got %s=%s", key, val, key, got[key])
		}
	}
}

// Remove .
func Remove(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "local")

	mustSet(t, a,
		store.Item{Key: "a", Value: []byte(`1`)},
		store.Item{Key: "b", Value: []byte(`2`)},
	)

	if err := a.Remove(context.Background(), []string{"a", "missing"}); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}

	items := mustGet(t, a, nil)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}

	checkItem(t, store.Item{Key: "b", Value: []byte(`2`)}, items[0])
}

// Clear .
func Clear(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "local")

	mustSet(t, a,
		store.Item{Key: "a", Value: []byte(`1`)},
		store.Item{Key: "b", Value: []byte(`2`)},
	)

	if err := a.Clear(context.Background()); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}

	if items := mustGet(t, a, nil); len(items) != 0 {
		t.Fatalf("expected empty area after clear, got %v", items)
	}
}

// AreasAreIsolated .
func AreasAreIsolated(t *testing.T, p store.Provider) {
	local := MustArea(t, p, "local")
	session := MustArea(t, p, "session")

	mustSet(t, local, store.Item{Key: "shared", Value: []byte(`"local"`)})

	if items := mustGet(t, session, []string{"shared"}); len(items) != 0 {
		t.Fatalf("value leaked into another area: %v", items)
	}

	if err := session.Clear(context.Background()); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}

	if items := mustGet(t, local, []string{"shared"}); len(items) != 1 {
		t.Fatalf("clearing one area affected another")
	}
}

// SetNotifies .
func SetNotifies(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "local")

	rec := NewRecorder()
	unsub := p.OnChanged(rec.Handle)
	defer unsub()

	mustSet(t, a, store.Item{Key: "count", Value: []byte(`1`)})
	mustSet(t, a, store.Item{Key: "count", Value: []byte(`2`)})

	batches := rec.WaitFor(t, 2)
	for _, b := range batches {
		if b.Area != "local" {
			t.Fatalf("expected area local, got %q", b.Area)
		}
	}

	first := batches[0].Changes["count"]
	if first.OldValue != nil || string(first.NewValue) != "1" {
		t.Fatalf("unexpected first change: old=%s new=%s", first.OldValue, first.NewValue)
	}

	second := batches[1].Changes["count"]
	if string(second.OldValue) != "1" || string(second.NewValue) != "2" {
		t.Fatalf("unexpected second change: old=%s new=%s", second.OldValue, second.NewValue)
	}
}

// RemoveNotifies .
func RemoveNotifies(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "session")

	rec := NewRecorder()
	unsub := p.OnChanged(rec.Handle)
	defer unsub()

	mustSet(t, a, store.Item{Key: "count", Value: []byte(`1`)}, store.Item{Key: "other", Value: []byte(`2`)})
	rec.WaitFor(t, 1)

	if err := a.Remove(context.Background(), []string{"count"}); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}

	if err := a.Clear(context.Background()); err != nil {
		t.Fatalf("failed to clear: %v", err)
	}

	batches := rec.WaitFor(t, 3)

	change, ok := batches[1].Changes["count"]
	switch {
	case !ok:
		t.Fatalf("remove didn't report count: %v", batches[1].Changes)
	case !change.Removed():
		t.Fatalf("expected a record without a new value, got %s", change.NewValue)
	case string(change.OldValue) != "1":
		t.Fatalf("expected old value 1, got %s", change.OldValue)
	}

	change, ok = batches[2].Changes["other"]
	if !ok || !change.Removed() {
		t.Fatalf("clear didn't report removal of other: %v", batches[2].Changes)
	}

	if _, ok := batches[2].Changes["count"]; ok {
		t.Fatalf("clear reported a key that was already removed")
	}
}

// UnchangedValueIsQuiet .
func UnchangedValueIsQuiet(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "local")

	rec := NewRecorder()
	unsub := p.OnChanged(rec.Handle)
	defer unsub()

	mustSet(t, a, store.Item{Key: "same", Value: []byte(`true`)})
	rec.WaitFor(t, 1)

	mustSet(t, a, store.Item{Key: "same", Value: []byte(`true`)})
	mustSet(t, a, store.Item{Key: "marker", Value: []byte(`1`)})

	batches := rec.WaitFor(t, 2)
	if _, ok := batches[1].Changes["same"]; ok {
		t.Fatalf("rewriting an identical value produced a change")
	}
}

// Unsubscribe .
func Unsubscribe(t *testing.T, p store.Provider) {
	a := MustArea(t, p, "local")

	rec := NewRecorder()
	unsub := p.OnChanged(rec.Handle)

	// a second subscriber proves the write was delivered
	marker := NewRecorder()
	unsubMarker := p.OnChanged(marker.Handle)
	defer unsubMarker()

	unsub()
	unsub()

	mustSet(t, a, store.Item{Key: "after", Value: []byte(`1`)})
	marker.WaitFor(t, 1)

	if b := rec.Batches(); len(b) != 0 {
		t.Fatalf("handler called after unsubscribe: %v", b)
	}
}

// UnknownArea .
func UnknownArea(t *testing.T, p store.Provider) {
	_, err := p.Area("doesnotexist")
	if !errors.Is(err, store.ErrNoArea) {
		t.Fatalf("expected ErrNoArea, got %v", err)
	}
}
