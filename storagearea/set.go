package storagearea

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/byuoitav/storagearea/store"
	"go.uber.org/zap"
)

func encode(key string, value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: %q: invalid json", ErrNotSerializable, key)
		}

		return store.Copy(raw), nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrNotSerializable, key, err)
	}

	return data, nil
}

// Set stores value under key. The cache is updated before Set returns; the returned
// future resolves once the provider has persisted the value. If value can't be
// encoded as JSON, Set returns ErrNotSerializable and changes nothing.
func (c *Cache) Set(ctx context.Context, key string, value any) (*Future, error) {
	return c.SetMany(ctx, KeyValueMap{key: value})
}

// SetMany stores every value in values in one provider call. Every value is encoded
// before anything is changed.
func (c *Cache) SetMany(ctx context.Context, values KeyValueMap) (*Future, error) {
	if _, err := c.generation(); err != nil {
		return nil, err
	}

	keys := values.keys()
	if keys == nil {
		keys = []string{}
	}

	items := make([]store.Item, 0, len(keys))
	for _, key := range keys {
		data, err := encode(key, values[key])
		if err != nil {
			return nil, err
		}

		items = append(items, store.Item{Key: key, Value: data})
	}

	c.log.Debug("Setting", zap.Strings("keys", keys))

	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	for _, item := range items {
		c.m.put(item.Key, store.Copy(item.Value))
	}

	c.m.hold(keys)
	c.metrics.Size(c.area, c.m.len())

	return c.persist(ctx, "set", keys, func(ctx context.Context) error {
		if err := c.storage.Set(ctx, items); err != nil {
			return fmt.Errorf("%w: %w", ErrWriteFailed, err)
		}

		return nil
	}), nil
}

// Remove deletes the selected keys from the cache and the provider.
func (c *Cache) Remove(ctx context.Context, sel Selector) *Future {
	if _, err := c.generation(); err != nil {
		return resolved(err)
	}

	if sel == nil {
		return resolved(errors.New("selector must not be nil"))
	}

	keys := sel.keys()
	if keys == nil {
		keys = []string{}
	}

	c.log.Debug("Removing", zap.Strings("keys", keys))

	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	for _, key := range keys {
		c.m.del(key)
	}

	c.m.hold(keys)
	c.metrics.Size(c.area, c.m.len())

	return c.persist(ctx, "remove", keys, func(ctx context.Context) error {
		if err := c.storage.Remove(ctx, keys); err != nil {
			return fmt.Errorf("%w: %w", ErrRemoveFailed, err)
		}

		return nil
	})
}

// Clear empties the cache and the area.
func (c *Cache) Clear(ctx context.Context) *Future {
	if _, err := c.generation(); err != nil {
		return resolved(err)
	}

	c.log.Debug("Clearing")

	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	c.m.clear()
	c.m.pendingAll++
	c.metrics.Size(c.area, 0)

	return c.persist(ctx, "clear", nil, func(ctx context.Context) error {
		if err := c.storage.Clear(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrClearFailed, err)
		}

		return nil
	})
}

// persist queues call behind every earlier write of the cache. keys are the keys
// held by the write, nil for a clear. c.m.mu must be held, so writes reach the queue
// in the order they changed the mirror.
func (c *Cache) persist(ctx context.Context, op string, keys []string, call func(context.Context) error) *Future {
	ctx = context.WithoutCancel(ctx)
	f := newFuture()

	c.writes.push(func() {
		err := call(ctx)
		if err != nil {
			c.log.Warn("Unable to "+op, zap.Strings("keys", keys), zap.Error(err))
			c.metrics.Failure(c.area, op)
		}

		stale := c.settle(keys, err)
		f.resolve(err)

		if len(stale) == 0 {
			return
		}

		// notifications were skipped for these keys while they were held
		gen, gerr := c.generation()
		if gerr != nil {
			return
		}

		if err := c.prime(ctx, gen, stale, true); err != nil && !errors.Is(err, ErrDestroyed) {
			c.log.Warn("Unable to refresh keys changed during a write", zap.Strings("keys", stale), zap.Error(err))
		}
	})

	return f
}

// settle releases the keys held by a finished write. The mirror isn't rolled back
// when the write failed, but its keys are no longer considered fetched.
func (c *Cache) settle(keys []string, err error) []string {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()

	if keys == nil {
		c.m.pendingAll--
	} else {
		c.m.release(keys)
	}

	switch {
	case err == nil:
	case keys == nil:
		c.m.known = make(map[string]bool)
		c.m.complete = false
	default:
		c.m.forget(keys)
	}

	return c.m.settled()
}

// writeQueue runs jobs one at a time in the order they were pushed. Its worker
// goroutine exits when the queue is empty.
type writeQueue struct {
	mu      sync.Mutex
	jobs    []func()
	running bool
}

func (q *writeQueue) push(job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs = append(q.jobs, job)
	if q.running {
		return
	}

	q.running = true
	go q.run()
}

func (q *writeQueue) run() {
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}

		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
	}
}
