package stream

import (
	"log/slog"
	"time"
)

// Config holds controller configuration.
type Config struct {
	// Fallback enables the single unconstrained retry after a failed
	// constrained open.
	Fallback bool

	// BusyRetries is how many times an exact device reporting busy is
	// retried before falling back.
	BusyRetries int

	// RetryDelay is the wait between busy retries.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Option is a functional option for configuring a Controller.
type Option func(*Config)

// WithFallback enables or disables the unconstrained fallback.
func WithFallback(enabled bool) Option {
	return func(c *Config) { c.Fallback = enabled }
}

// WithBusyRetries sets how often a busy exact device is retried.
func WithBusyRetries(n int) Option {
	return func(c *Config) {
		if n < 0 {
			n = 0
		}
		c.BusyRetries = n
	}
}

// WithRetryDelay sets the wait between busy retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Config) { c.RetryDelay = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// DefaultConfig returns the defaults: fallback on, one busy retry.
func DefaultConfig() *Config {
	return &Config{
		Fallback:    true,
		BusyRetries: 1,
		RetryDelay:  150 * time.Millisecond,
		Logger:      slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
