package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/byuoitav/storagearea/config"
	"github.com/byuoitav/storagearea/log"
	"github.com/byuoitav/storagearea/server"
	"github.com/byuoitav/storagearea/store"
	"github.com/byuoitav/storagearea/store/boltstore"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	log.Config.Level.SetLevel(zap.PanicLevel)
	os.Exit(m.Run())
}

func TestStartFailureClosesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.bolt")
	areas := []string{"local"}

	persistent, err := boltstore.Open(path, areas...)
	if err != nil {
		t.Fatalf("failed to open bolt store: %v", err)
	}

	a, err := persistent.Area("local")
	if err != nil {
		t.Fatalf("failed to get area: %v", err)
	}

	if err := a.Set(context.Background(), []store.Item{{Key: "theme", Value: json.RawMessage(`"dark"`)}}); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	if err := persistent.Close(); err != nil {
		t.Fatalf("failed to close bolt store: %v", err)
	}

	cfg := config.Config{
		Addr:           ":0",
		Backend:        "memory",
		Areas:          areas,
		BackupPath:     path,
		BackupInterval: time.Hour,
	}

	errRefused := errors.New("refused")
	failing := func(context.Context, store.Provider, ...server.Option) (*server.Server, error) {
		return nil, errRefused
	}

	if _, err := start(context.Background(), cfg, failing); !errors.Is(err, errRefused) {
		t.Fatalf("expected the server error, got %v", err)
	}

	// bolt holds a file lock until it is closed
	persistent, err = boltstore.Open(path, areas...)
	if err != nil {
		t.Fatalf("backup was left open: %v", err)
	}
	defer persistent.Close()

	a, err = persistent.Area("local")
	if err != nil {
		t.Fatalf("failed to get area: %v", err)
	}

	items, err := a.Get(context.Background(), nil)
	switch {
	case err != nil:
		t.Fatalf("failed to get: %v", err)
	case len(items) != 1 || string(items[0].Value) != `"dark"`:
		t.Fatalf("expected the backup to survive the failed start, got %v", items)
	}
}

func TestStartAndClose(t *testing.T) {
	cfg := config.Config{
		Addr:    ":0",
		Backend: "memory",
		Areas:   []string{"local", "session"},
	}

	d, err := start(context.Background(), cfg, server.New)
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.close(ctx); err != nil {
		t.Fatalf("failed to close: %v", err)
	}
}
