package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/byuoitav/storagearea/store"
	"github.com/byuoitav/storagearea/store/storetest"
)

func newStore(tb testing.TB) store.Provider {
	tb.Helper()

	s, err := Open(filepath.Join(tb.TempDir(), "storagearea.bolt"))
	if err != nil {
		tb.Fatalf("failed to open bolt store: %v", err)
	}

	tb.Cleanup(func() {
		s.Close()
	})

	return s
}

func TestProvider(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storagearea.bolt")

	s, err := Open(path, "local")
	if err != nil {
		t.Fatalf("failed to open bolt store: %v", err)
	}

	a := storetest.MustArea(t, s, "local")
	if err := a.Set(context.Background(), []store.Item{{Key: "hello", Value: []byte(`{"test": "value"}`)}}); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("failed to close: %v", err)
	}

	s, err = Open(path, "local")
	if err != nil {
		t.Fatalf("failed to reopen bolt store: %v", err)
	}
	defer s.Close()

	items, err := storetest.MustArea(t, s, "local").Get(context.Background(), []string{"hello"})
	switch {
	case err != nil:
		t.Fatalf("failed to get: %v", err)
	case len(items) != 1:
		t.Fatalf("expected 1 item after reopen, got %d", len(items))
	case string(items[0].Value) != `{"test": "value"}`:
		t.Fatalf("unexpected value after reopen: %s", items[0].Value)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected an error for an empty path")
	}
}
