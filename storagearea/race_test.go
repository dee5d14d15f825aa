package storagearea

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/byuoitav/storagearea/store"
	"golang.org/x/sync/errgroup"
)

func snapshot(tb testing.TB, p store.Provider, area string) map[string]string {
	tb.Helper()

	a, err := p.Area(area)
	if err != nil {
		tb.Fatalf("failed to get area: %v", err)
	}

	items, err := a.Get(context.Background(), nil)
	if err != nil {
		tb.Fatalf("failed to get items: %v", err)
	}

	m := make(map[string]string, len(items))
	for _, item := range items {
		m[item.Key] = string(item.Value)
	}

	return m
}

func matches(c *Cache, expected map[string]string) bool {
	entries := c.Entries()
	if len(entries) != len(expected) {
		return false
	}

	for _, e := range entries {
		if expected[e.Key] != string(e.Value) {
			return false
		}
	}

	return true
}

func TestConcurrentWritersConverge(t *testing.T) {
	h := newHost()

	caches := []*Cache{
		newCache(t, "local", WithProvider(h)),
		newCache(t, "local", WithProvider(h)),
	}

	for _, c := range caches {
		waitReady(t, c)
	}

	external, err := h.Area("local")
	if err != nil {
		t.Fatalf("failed to get area: %v", err)
	}

	g, ctx := errgroup.WithContext(context.Background())

	for i, c := range caches {
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(int64(i)))

			var last *Future
			for j := range 300 {
				key := fmt.Sprintf("k%d", rnd.Intn(6))

				switch rnd.Intn(10) {
				case 0:
					last = c.Clear(ctx)
				case 1, 2, 3:
					last = c.Remove(ctx, Key(key))
				default:
					f, err := c.Set(ctx, key, fmt.Sprintf("cache%d-%d", i, j))
					if err != nil {
						return err
					}

					last = f
				}
			}

			return last.Wait(ctx)
		})
	}

	g.Go(func() error {
		rnd := rand.New(rand.NewSource(99))

		for j := range 300 {
			key := fmt.Sprintf("k%d", rnd.Intn(6))

			var err error
			if rnd.Intn(3) == 0 {
				err = external.Remove(ctx, []string{key})
			} else {
				err = external.Set(ctx, storeItems(key, fmt.Sprintf(`"external-%d"`, j)))
			}

			if err != nil {
				return err
			}
		}

		return nil
	})

	for _, c := range caches {
		g.Go(func() error {
			for range 300 {
				c.Get("k0")
				c.Keys()
				c.Len()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("failed: %v", err)
	}

	expected := snapshot(t, h, "local")
	for i, c := range caches {
		eventually(t, func() bool {
			return matches(c, expected)
		}, fmt.Sprintf("cache %d never matched the provider", i))
	}
}

func TestConcurrentNotificationsAndPrimes(t *testing.T) {
	h := newHost()
	for i := range 20 {
		storeSet(t, h, "local", fmt.Sprintf("k%d", i), fmt.Sprint(i))
	}

	var r Registry
	c := newCache(t, "local", WithProvider(h), WithRegistry(&r))

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		for range 50 {
			if err := c.Prime(ctx, nil, true).Wait(ctx); err != nil {
				return err
			}
		}

		return nil
	})

	g.Go(func() error {
		a, err := h.Area("local")
		if err != nil {
			return err
		}

		for i := range 200 {
			if err := a.Set(ctx, storeItems(fmt.Sprintf("n%d", i%5), fmt.Sprint(i))); err != nil {
				return err
			}
		}

		return nil
	})

	g.Go(func() error {
		for range 20 {
			other, err := New("local", WithProvider(h), WithRegistry(&r))
			if err != nil {
				return err
			}

			other.Destroy()
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatalf("failed: %v", err)
	}

	waitReady(t, c)

	for i := range 20 {
		checkValue(t, c, fmt.Sprintf("k%d", i), fmt.Sprint(i))
	}

	for i := range 5 {
		checkValue(t, c, fmt.Sprintf("n%d", i), fmt.Sprint(195+i))
	}

	if r.Len() != 1 {
		t.Fatalf("expected one mirror left, got %d", r.Len())
	}
}
