package logship

import (
	"fmt"
	"time"
)

// ConnectionOptions carries the driver pool/timeout overrides. Zero values
// fall back to DefaultConnectionConfig's defaults.
type ConnectionOptions struct {
	MaxPoolSize            uint64
	MinPoolSize            uint64
	MaxConnIdleTime        time.Duration
	ServerSelectionTimeout time.Duration
	SocketTimeout          time.Duration
}

// Config is the producer-supplied configuration recognized by New. Loading
// it from environment variables, flags, or a DI container is out of this
// core's scope; the embedding application builds one of these directly and
// hands it in fully formed.
//
// Defaults (see NewConfig):
//   - DefaultCollection: "logs"
//   - BatchSize: 500
//   - FlushInterval: 5s
//   - MaxMemoryUsage: 100 MiB
//   - RetryDelay: 1s
//   - GracefulShutdownTimeout: 30s
type Config struct {
	// URI is the MongoDB connection string; the database name is derived
	// from its path segment (fallback "logs").
	URI string

	// DefaultCollection is used when a log entry omits Collection.
	DefaultCollection string

	// BatchSize is the entry count per collection batch before a
	// size-triggered flush.
	BatchSize int

	// FlushInterval is both the periodic-flush timer period and the
	// staleness threshold used to decide which batches are due.
	FlushInterval time.Duration

	// MaxMemoryUsage is the global cap, in bytes, on staged entry bytes
	// across all collections.
	MaxMemoryUsage int64

	// RetryDelay is the base delay for the connection manager's backoff
	// between reconnect attempts.
	RetryDelay time.Duration

	// ConnectionOptions overrides the database driver's pool/timeout
	// profile.
	ConnectionOptions ConnectionOptions

	// GracefulShutdownTimeout upper-bounds how long Shutdown waits for the
	// final flush to drain.
	GracefulShutdownTimeout time.Duration
}

// NewConfig returns a Config with sensible production defaults, pointed at
// uri.
func NewConfig(uri string) Config {
	return Config{
		URI:                     uri,
		DefaultCollection:       "logs",
		BatchSize:               500,
		FlushInterval:           5 * time.Second,
		MaxMemoryUsage:          100 << 20,
		RetryDelay:              1 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration for validity. Configuration errors are
// fatal at construction time.
func (c Config) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("logship: URI is required")
	}
	if c.DefaultCollection == "" {
		return fmt.Errorf("logship: DefaultCollection must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("logship: BatchSize must be positive, got %d", c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("logship: FlushInterval must be positive, got %v", c.FlushInterval)
	}
	if c.MaxMemoryUsage <= 0 {
		return fmt.Errorf("logship: MaxMemoryUsage must be positive, got %d", c.MaxMemoryUsage)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("logship: RetryDelay must be positive, got %v", c.RetryDelay)
	}
	if c.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("logship: GracefulShutdownTimeout must be positive, got %v", c.GracefulShutdownTimeout)
	}
	return nil
}

// connectionConfig builds the ConnectionConfig the connection manager uses,
// merging ConnectionOptions overrides on top of the pool defaults.
func (c Config) connectionConfig() ConnectionConfig {
	cfg := DefaultConnectionConfig(c.URI)
	cfg.RetryDelay = c.RetryDelay

	if o := c.ConnectionOptions; o != (ConnectionOptions{}) {
		if o.MaxPoolSize != 0 {
			cfg.MaxPoolSize = o.MaxPoolSize
		}
		if o.MinPoolSize != 0 {
			cfg.MinPoolSize = o.MinPoolSize
		}
		if o.MaxConnIdleTime != 0 {
			cfg.MaxConnIdleTime = o.MaxConnIdleTime
		}
		if o.ServerSelectionTimeout != 0 {
			cfg.ServerSelectionTimeout = o.ServerSelectionTimeout
		}
		if o.SocketTimeout != 0 {
			cfg.SocketTimeout = o.SocketTimeout
		}
	}
	return cfg
}

func (c Config) batchConfig() BatchConfig {
	return BatchConfig{
		BatchSize:               c.BatchSize,
		FlushInterval:           c.FlushInterval,
		MaxMemoryUsage:          c.MaxMemoryUsage,
		DefaultCollection:       c.DefaultCollection,
		GracefulShutdownTimeout: c.GracefulShutdownTimeout,
	}
}
