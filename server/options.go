package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type options struct {
	logger   *zap.Logger
	areas    []string
	registry *prometheus.Registry
}

// Option configures a Server.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) {
	f(o)
}

// WithLogger .
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithAreas limits the areas served over HTTP. By default every area of the provider is served.
func WithAreas(areas ...string) Option {
	return optionFunc(func(o *options) {
		o.areas = areas
	})
}

// WithMetricsRegistry sets the registry cache metrics are registered with and /metrics serves.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return optionFunc(func(o *options) {
		o.registry = reg
	})
}
