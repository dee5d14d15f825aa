package backup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/byuoitav/storagearea/store"
	"github.com/byuoitav/storagearea/store/boltstore"
	"github.com/byuoitav/storagearea/store/memstore"
	"github.com/byuoitav/storagearea/store/storetest"
	"go.uber.org/zap"
)

func set(tb testing.TB, p store.Provider, area, key, value string) {
	tb.Helper()

	err := storetest.MustArea(tb, p, area).Set(context.Background(), []store.Item{{Key: key, Value: []byte(value)}})
	if err != nil {
		tb.Fatalf("failed to set %q: %v", key, err)
	}
}

func dump(tb testing.TB, p store.Provider, area string) map[string]string {
	tb.Helper()

	items, err := storetest.MustArea(tb, p, area).Get(context.Background(), nil)
	if err != nil {
		tb.Fatalf("failed to get %q: %v", area, err)
	}

	m := make(map[string]string, len(items))
	for _, item := range items {
		m[item.Key] = string(item.Value)
	}

	return m
}

func openBolt(tb testing.TB, path string) *boltstore.Store {
	tb.Helper()

	s, err := boltstore.Open(path, "local", "session")
	if err != nil {
		tb.Fatalf("failed to open bolt store: %v", err)
	}

	return s
}

func TestBackupAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.bolt")
	areas := []string{"local", "session"}

	volatile := memstore.NewStore(memstore.WithAreas(areas...))
	persistent := openBolt(t, path)

	set(t, volatile, "local", "theme", `"dark"`)
	set(t, volatile, "session", "tab", `3`)

	// stale data in the backup is replaced
	set(t, persistent, "local", "old", `true`)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, persistent, volatile, areas, 10*time.Millisecond, zap.NewNop())
	}()

	time.Sleep(50 * time.Millisecond)
	set(t, volatile, "local", "volume", `11`)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("failed to back up: %v", err)
	}

	if err := persistent.Close(); err != nil {
		t.Fatalf("failed to close bolt store: %v", err)
	}

	persistent = openBolt(t, path)
	defer persistent.Close()

	restored := memstore.NewStore(memstore.WithAreas(areas...))
	if err := Restore(context.Background(), restored, persistent, areas); err != nil {
		t.Fatalf("failed to restore: %v", err)
	}

	local := dump(t, restored, "local")
	switch {
	case len(local) != 2:
		t.Fatalf("unexpected local items: %v", local)
	case local["theme"] != `"dark"` || local["volume"] != "11":
		t.Fatalf("unexpected local items: %v", local)
	}

	if session := dump(t, restored, "session"); session["tab"] != "3" {
		t.Fatalf("unexpected session items: %v", session)
	}
}

func TestCopyAllKeepsGoing(t *testing.T) {
	src := memstore.NewStore(memstore.WithAreas("local", "sync"))
	dst := memstore.NewStore(memstore.WithAreas("sync"))

	set(t, src, "sync", "k", `1`)

	err := CopyAll(context.Background(), dst, src, []string{"local", "sync"})
	if !errors.Is(err, store.ErrNoArea) {
		t.Fatalf("expected ErrNoArea for the missing area, got %v", err)
	}

	if got := dump(t, dst, "sync"); got["k"] != "1" {
		t.Fatalf("expected sync to be copied anyway, got %v", got)
	}
}
