package storagearea

import (
	"github.com/byuoitav/storagearea/store"
	"go.uber.org/zap"
)

type options struct {
	primeKeys   []string
	provider    store.Provider
	hasProvider bool
	perms       store.Permissions
	logger      *zap.Logger
	metrics     Metrics
	registry    *Registry
}

// Option is an option to New
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) {
	f(o)
}

// WithPrimeKeys sets the keys fetched while priming. nil, the default, fetches
// every key in the area; an empty list fetches nothing.
func WithPrimeKeys(keys []string) Option {
	return optionFunc(func(o *options) {
		o.primeKeys = keys
	})
}

// WithProvider sets the provider the cache mirrors. The default is DefaultProvider().
func WithProvider(p store.Provider) Option {
	return optionFunc(func(o *options) {
		o.provider = p
		o.hasProvider = true
	})
}

// WithPermissions sets where the storage permission is checked. The default is
// the provider, if it implements store.Permissions.
func WithPermissions(p store.Permissions) Option {
	return optionFunc(func(o *options) {
		o.perms = p
	})
}

// WithLogger adds a logger to the cache
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithMetrics .
func WithMetrics(m Metrics) Option {
	return optionFunc(func(o *options) {
		o.metrics = m
	})
}

// WithRegistry shares the cache's mirror with every other cache of the same
// provider and area created with r.
func WithRegistry(r *Registry) Option {
	return optionFunc(func(o *options) {
		o.registry = r
	})
}
