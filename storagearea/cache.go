// Package storagearea keeps an in-memory mirror of one area of a store.Provider.
// Reads are served from the mirror without I/O. Writes update the mirror right away
// and are persisted in the background, in the order they were made. Changes made
// to the area from anywhere else reach the mirror through the provider's change feed.
package storagearea

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/byuoitav/storagearea/log"
	"github.com/byuoitav/storagearea/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const storagePermission = "storage"

// Cache .
type Cache struct {
	id   uuid.UUID
	area string

	provider store.Provider
	storage  store.Area
	perms    store.Permissions

	primeKeys []string

	log     *zap.Logger
	metrics Metrics

	registry *Registry
	m        *mirror

	// gen changes whenever the subscription is replaced. Notifications and fetches
	// started under an older generation are dropped. It only changes while m.mu is held.
	gen atomic.Uint64

	mu        sync.Mutex
	unsub     store.UnsubscribeFunc
	ready     *Future
	destroyed bool

	writes writeQueue
	flight singleflight.Group
}

// New returns a cache of area and starts priming it. It fails right away, before
// anything is fetched, if the provider has no such area.
func New(area string, opts ...Option) (*Cache, error) {
	options := options{
		logger:  log.P,
		metrics: NoopMetrics{},
	}

	for _, o := range opts {
		o.apply(&options)
	}

	switch {
	case area == "":
		return nil, errors.New("area must not be empty")
	case options.hasProvider && options.provider == nil:
		return nil, errors.New("provider must not be nil")
	case !options.hasProvider:
		options.provider = DefaultProvider()
	}

	p := options.provider
	if !slices.Contains(store.AreaNames(p), area) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidArea, area)
	}

	storage, err := p.Area(area)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArea, err)
	}

	perms := options.perms
	if perms == nil {
		perms, _ = p.(store.Permissions)
	}

	id := uuid.Must(uuid.NewV7())
	c := &Cache{
		id:        id,
		area:      area,
		provider:  p,
		storage:   storage,
		perms:     perms,
		primeKeys: options.primeKeys,
		log:       options.logger.Named(area).With(zap.Stringer("cache", id)),
		metrics:   options.metrics,
		registry:  options.registry,
	}

	if c.registry != nil {
		c.m = c.registry.acquire(p, area)
	} else {
		c.m = newMirror()
	}

	c.mu.Lock()
	c.ready = c.start()
	c.mu.Unlock()

	c.log.Debug("Created cache")
	return c, nil
}

// ID identifies the cache in logs.
func (c *Cache) ID() uuid.UUID {
	return c.id
}

// Area returns the name of the area the cache mirrors.
func (c *Cache) Area() string {
	return c.area
}

// Ready returns the future that resolves once the cache has been primed.
func (c *Cache) Ready() *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ready
}

// start subscribes to the provider and primes in the background. c.mu must be held.
func (c *Cache) start() *Future {
	gen := c.gen.Load()
	c.unsub = c.provider.OnChanged(func(changes store.Changes, area string) {
		c.absorb(gen, changes, area)
	})

	ready := newFuture()
	go func() {
		err := c.initialize(gen)
		if err != nil && !errors.Is(err, ErrDestroyed) {
			c.log.Warn("Unable to prime cache", zap.Error(err))
		}

		ready.resolve(err)
	}()

	return ready
}

func (c *Cache) initialize(gen uint64) error {
	ctx := context.Background()

	if err := c.checkPermission(ctx); err != nil {
		return err
	}

	if err := c.prime(ctx, gen, c.primeKeys, false); err != nil {
		return err
	}

	c.log.Info("Primed cache", zap.Int("entries", c.Len()))
	return nil
}

func (c *Cache) checkPermission(ctx context.Context) error {
	if c.perms == nil {
		return nil
	}

	m := c.perms.Manifest()
	switch {
	case slices.Contains(m.Permissions, storagePermission):
		return nil
	case !slices.Contains(m.OptionalPermissions, storagePermission):
		return fmt.Errorf("%w: %q is not in the manifest", ErrPermissionDenied, storagePermission)
	}

	granted, err := c.perms.Contains(ctx, []string{storagePermission})
	switch {
	case err != nil:
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case !granted:
		return fmt.Errorf("%w: optional permission %q has not been granted", ErrPermissionDenied, storagePermission)
	}

	return nil
}

// absorb applies a change batch from the provider.
func (c *Cache) absorb(gen uint64, changes store.Changes, area string) {
	if area != c.area {
		c.metrics.Notification(c.area, false)
		return
	}

	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	if c.gen.Load() != gen {
		return
	}

	for key, change := range changes {
		// a local write of key is still on its way to the provider
		if c.m.isPending(key) {
			c.m.touch(key)

			cur, ok := c.m.get(key)
			if ok == !change.Removed() && bytes.Equal(cur, change.NewValue) {
				delete(c.m.stale, key)
			} else {
				c.m.stale[key] = true
			}

			continue
		}

		if change.Removed() {
			c.m.del(key)
			continue
		}

		c.m.put(key, store.Copy(change.NewValue))
	}

	c.metrics.Notification(c.area, true)
	c.metrics.Size(c.area, c.m.len())
}

// Prime fetches keys, or every key when keys is nil, and merges them into the cache.
// Unless force is set, keys that have already been fetched are skipped. A forced
// prime of specific keys also drops the ones the provider no longer has.
func (c *Cache) Prime(ctx context.Context, keys []string, force bool) *Future {
	gen, err := c.generation()
	if err != nil {
		return resolved(err)
	}

	ctx = context.WithoutCancel(ctx)
	f := newFuture()

	go func() {
		err := c.prime(ctx, gen, keys, force)
		if err != nil && !errors.Is(err, ErrDestroyed) {
			c.log.Warn("Unable to prime keys", zap.Strings("keys", keys), zap.Error(err))
		}

		f.resolve(err)
	}()

	return f
}

func (c *Cache) prime(ctx context.Context, gen uint64, keys []string, force bool) error {
	c.m.mu.RLock()
	switch {
	case keys == nil && !force && c.m.complete:
		c.m.mu.RUnlock()
		return nil
	case keys != nil && !force:
		keys = slices.DeleteFunc(slices.Clone(keys), c.m.isKnown)
	}

	since := c.m.rev
	c.m.mu.RUnlock()

	if keys != nil && len(keys) == 0 {
		return nil
	}

	c.log.Debug("Priming", zap.Strings("keys", keys), zap.Bool("force", force))

	items, err := c.storage.Get(ctx, keys)
	if err == nil {
		err = c.provider.LastError()
	}

	if err != nil {
		c.metrics.Failure(c.area, "prime")
		return fmt.Errorf("%w: %w", ErrPrimingFailed, err)
	}

	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	if c.gen.Load() != gen {
		return ErrDestroyed
	}

	c.m.merge(items, keys, since, force && keys != nil)
	c.metrics.Size(c.area, c.m.len())
	return nil
}

// generation returns the current generation, or ErrDestroyed.
func (c *Cache) generation() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return 0, ErrDestroyed
	}

	return c.gen.Load(), nil
}

func (c *Cache) shared() bool {
	return c.registry != nil && c.registry.refs(c.provider, c.area) > 1
}

// Reset drops the subscription, empties the cache unless it is shared, then
// subscribes and primes again. It returns the new readiness future; the old one
// fails with ErrDestroyed if it had not resolved yet.
func (c *Cache) Reset() *Future {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return resolved(ErrDestroyed)
	}

	c.unsub()
	shared := c.shared()

	c.m.mu.Lock()
	c.gen.Add(1)
	if !shared {
		c.m.clear()
	}
	c.m.mu.Unlock()

	c.log.Info("Resetting cache", zap.Bool("shared", shared))

	c.ready = c.start()
	return c.ready
}

// Destroy stops the cache from following the provider. Writes already made still
// complete. It is safe to call more than once, and on a nil Cache.
func (c *Cache) Destroy() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.destroyed {
		return
	}

	c.destroyed = true

	if c.unsub != nil {
		c.unsub()
	}

	if c.m != nil {
		c.m.mu.Lock()
		c.gen.Add(1)
		c.m.mu.Unlock()
	}

	if c.registry != nil {
		c.registry.release(c.provider, c.area)
	}

	if c.log != nil {
		c.log.Debug("Destroyed cache")
	}
}
