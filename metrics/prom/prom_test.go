package prom

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/byuoitav/storagearea/log"
	"github.com/byuoitav/storagearea/storagearea"
	"github.com/byuoitav/storagearea/store/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	log.Config.Level.SetLevel(zap.PanicLevel)
	os.Exit(m.Run())
}

func TestAdapter(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, "storagearea")

	c, err := storagearea.New("local", storagearea.WithProvider(memstore.NewStore()), storagearea.WithMetrics(a))
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	defer c.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Ready().Wait(ctx); err != nil {
		t.Fatalf("failed to prime cache: %v", err)
	}

	f, err := c.Set(ctx, "k", "v")
	if err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	if err := f.Wait(ctx); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}

	c.Get("k")
	c.Get("k")
	c.Get("missing")

	if n := testutil.ToFloat64(a.hits.WithLabelValues("local")); n != 2 {
		t.Fatalf("expected 2 hits, got %v", n)
	}

	if n := testutil.ToFloat64(a.misses.WithLabelValues("local")); n != 1 {
		t.Fatalf("expected 1 miss, got %v", n)
	}

	if n := testutil.ToFloat64(a.entries.WithLabelValues("local")); n != 1 {
		t.Fatalf("expected 1 entry, got %v", n)
	}

	a.Notification("session", false)
	a.Failure("local", "set")

	if n := testutil.ToFloat64(a.notifications.WithLabelValues("session", "ignored")); n != 1 {
		t.Fatalf("expected 1 ignored notification, got %v", n)
	}

	if n := testutil.ToFloat64(a.failures.WithLabelValues("local", "set")); n != 1 {
		t.Fatalf("expected 1 failure, got %v", n)
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Fatalf("expected metrics to be gathered, got %d (%v)", n, err)
	}
}
