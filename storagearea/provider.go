package storagearea

import (
	"sync"

	"github.com/byuoitav/storagearea/store"
	"github.com/byuoitav/storagearea/store/memstore"
)

var (
	defaultMu       sync.Mutex
	defaultProvider store.Provider
)

// DefaultProvider returns the provider used by caches created without WithProvider.
// Unless replaced with SetDefaultProvider, it is an in-memory store shared by the process.
func DefaultProvider() store.Provider {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultProvider == nil {
		defaultProvider = memstore.NewStore()
	}

	return defaultProvider
}

// SetDefaultProvider replaces the default provider. Caches that already exist keep theirs.
func SetDefaultProvider(p store.Provider) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	defaultProvider = p
}
