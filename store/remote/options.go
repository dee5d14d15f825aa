package remote

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	logger *zap.Logger
	retry  time.Duration
}

// Option configures a Server or Provider.
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

// WithRetry sets how long a Provider first waits before reopening a broken watch.
// The wait doubles after each failed attempt, up to a minute.
func WithRetry(d time.Duration) Option {
	return optionFunc(func(o *options) {
		o.retry = d
	})
}
