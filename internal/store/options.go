package store

import (
	"time"

	"go.uber.org/zap"
)

// Option is a functional option for configuring a store driver.
type Option func(*config)

type config struct {
	ttl    time.Duration
	path   string
	logger *zap.Logger
}

// WithTTL sets how long cached snapshots stay usable.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithPath sets the database path for the sqlite driver.
func WithPath(path string) Option {
	return func(c *config) {
		c.path = path
	}
}

// WithLogger sets the driver logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

func newConfig(opts ...Option) *config {
	c := &config{
		ttl:    DefaultTTL,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}
