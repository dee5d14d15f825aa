package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/byuoitav/storagearea/store"
	"github.com/byuoitav/storagearea/store/storetest"
)

func newStore(tb testing.TB) store.Provider {
	tb.Helper()

	s, err := Open(filepath.Join(tb.TempDir(), "storagearea.db"))
	if err != nil {
		tb.Fatalf("failed to open sqlite store: %v", err)
	}

	tb.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestProvider(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestGetAllKeepsFirstInsertionOrder(t *testing.T) {
	s := newStore(t)
	a := storetest.MustArea(t, s, "local")

	for _, item := range []store.Item{
		{Key: "zebra", Value: []byte(`1`)},
		{Key: "apple", Value: []byte(`2`)},
		{Key: "zebra", Value: []byte(`3`)},
		{Key: "mango", Value: []byte(`4`)},
	} {
		if err := a.Set(context.Background(), []store.Item{item}); err != nil {
			t.Fatalf("failed to set %q: %v", item.Key, err)
		}
	}

	items, err := a.Get(context.Background(), nil)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}

	expected := []store.Item{
		{Key: "zebra", Value: []byte(`3`)},
		{Key: "apple", Value: []byte(`2`)},
		{Key: "mango", Value: []byte(`4`)},
	}

	if len(items) != len(expected) {
		t.Fatalf("expected %d items, got %d", len(expected), len(items))
	}

	for i := range expected {
		if items[i].Key != expected[i].Key || string(items[i].Value) != string(expected[i].Value) {
			t.Fatalf("expected %s=%s at %d, got %s=%s", expected[i].Key, expected[i].Value, i, items[i].Key, items[i].Value)
		}
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storagearea.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}

	if err := storetest.MustArea(t, s, "sync").Set(context.Background(), []store.Item{{Key: "k", Value: []byte(`[1,2]`)}}); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("failed to reopen: %v", err)
	}
	defer s.Close()

	items, err := storetest.MustArea(t, s, "sync").Get(context.Background(), []string{"k"})
	switch {
	case err != nil:
		t.Fatalf("failed to get: %v", err)
	case len(items) != 1 || string(items[0].Value) != `[1,2]`:
		t.Fatalf("unexpected items after reopen: %v", items)
	}
}
