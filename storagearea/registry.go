package storagearea

import (
	"sync"

	"github.com/byuoitav/storagearea/store"
)

// Registry shares mirrors between caches of the same provider and area. A mirror
// is created for the first cache that uses it and dropped when the last one is
// destroyed. The zero value is ready to use. Providers are compared by identity,
// so they must be comparable; every provider in this module is a pointer.
type Registry struct {
	mu      sync.Mutex
	mirrors map[registryKey]*shared
}

type registryKey struct {
	provider store.Provider
	area     string
}

type shared struct {
	m    *mirror
	refs int
}

func (r *Registry) acquire(p store.Provider, area string) *mirror {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mirrors == nil {
		r.mirrors = make(map[registryKey]*shared)
	}

	key := registryKey{provider: p, area: area}
	s, ok := r.mirrors[key]
	if !ok {
		s = &shared{m: newMirror()}
		r.mirrors[key] = s
	}

	s.refs++
	return s.m
}

func (r *Registry) release(p store.Provider, area string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{provider: p, area: area}
	s, ok := r.mirrors[key]
	if !ok {
		return
	}

	if s.refs--; s.refs <= 0 {
		delete(r.mirrors, key)
	}
}

// refs returns how many live caches use the mirror of p and area.
func (r *Registry) refs(p store.Provider, area string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.mirrors[registryKey{provider: p, area: area}]; ok {
		return s.refs
	}

	return 0
}

// Len returns the number of mirrors in use.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.mirrors)
}
