package storagearea

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/byuoitav/storagearea/store"
	"go.uber.org/zap"
)

// Get returns the cached value of key. It never does I/O; before the cache is
// ready, only what has been fetched or written so far is found.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.m.mu.RLock()
	val, ok := c.m.get(key)
	val = store.Copy(val)
	c.m.mu.RUnlock()

	if ok {
		c.metrics.Hit(c.area)
	} else {
		c.metrics.Miss(c.area)
	}

	return val, ok
}

// Has .
func (c *Cache) Has(key string) bool {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()

	_, ok := c.m.get(key)
	return ok
}

// Decode unmarshals the cached value of key into v.
func (c *Cache) Decode(key string, v any) error {
	val, ok := c.Get(key)
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}

	if err := json.Unmarshal(val, v); err != nil {
		return fmt.Errorf("unable to decode %q: %w", key, err)
	}

	return nil
}

// Lookup returns the cached values of the selected keys; absent keys are left out.
// A KeyValueMap supplies the value of each absent key instead. A nil sel returns everything.
func (c *Cache) Lookup(sel Selector) (map[string]json.RawMessage, error) {
	if sel == nil {
		items := c.Entries()
		res := make(map[string]json.RawMessage, len(items))
		for _, item := range items {
			res[item.Key] = item.Value
		}

		return res, nil
	}

	defaults, _ := sel.(KeyValueMap)

	keys := sel.keys()
	res := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		if val, ok := c.Get(key); ok {
			res[key] = val
			continue
		}

		def, ok := defaults[key]
		if !ok {
			continue
		}

		val, err := encode(key, def)
		if err != nil {
			return nil, err
		}

		res[key] = val
	}

	return res, nil
}

// Keys returns the cached keys in the order they were added.
func (c *Cache) Keys() []string {
	items := c.Entries()
	keys := make([]string, len(items))
	for i := range items {
		keys[i] = items[i].Key
	}

	return keys
}

// Values returns the cached values in the order their keys were added.
func (c *Cache) Values() []json.RawMessage {
	items := c.Entries()
	vals := make([]json.RawMessage, len(items))
	for i := range items {
		vals[i] = items[i].Value
	}

	return vals
}

// Entries returns a copy of every cached item in the order they were added.
func (c *Cache) Entries() []store.Item {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()

	items := c.m.items()
	for i := range items {
		items[i].Value = store.Copy(items[i].Value)
	}

	return items
}

// Len .
func (c *Cache) Len() int {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()

	return c.m.len()
}

// LazyGet returns the cached value of key if it has been fetched before and refresh
// is not set. Otherwise it fetches key from the provider first. Concurrent fetches
// of the same key share one provider call.
func (c *Cache) LazyGet(ctx context.Context, key string, refresh bool) (json.RawMessage, bool, error) {
	gen, err := c.generation()
	if err != nil {
		return nil, false, err
	}

	if !refresh {
		c.m.mu.RLock()
		known := c.m.isKnown(key)
		c.m.mu.RUnlock()

		if known {
			val, ok := c.Get(key)
			return val, ok, nil
		}
	}

	fetch := context.WithoutCancel(ctx)
	// a fetch from before a reset must not be shared with one after it
	ch := c.flight.DoChan(fmt.Sprint(gen, "/", key), func() (any, error) {
		c.log.Debug("Fetching", zap.String("key", key))
		return nil, c.prime(fetch, gen, []string{key}, true)
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
	}

	val, ok := c.Get(key)
	return val, ok, nil
}
