package cache

import (
	"errors"
	"time"
)

// Mode represents the mode of the Redis client.
type Mode string

const (
	// Standalone Mode is for a single Redis instance.
	Standalone Mode = "standalone"
	// Cluster Mode is for a Redis cluster setup.
	Cluster Mode = "cluster"
)

// Config holds the configuration for the Redis client. KeyPrefix is empty by
// default so aggregates land under the bare symbol.
type Config struct {
	Mode     Mode     `env:"MODE" envDefault:"standalone"`
	Addrs    []string `env:"ADDRS" envSeparator:"," envDefault:"localhost:6379"`
	Username string   `env:"USERNAME"`
	Password string   `env:"PASSWORD"`
	DB       int      `env:"DB" envDefault:"0"`

	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	MaxRetries      int           `env:"MAX_RETRIES" envDefault:"3"`
	MinRetryBackoff time.Duration `env:"MIN_RETRY_BACKOFF" envDefault:"100ms"`
	MaxRetryBackoff time.Duration `env:"MAX_RETRY_BACKOFF" envDefault:"2s"`
	PoolSize        int           `env:"POOL_SIZE" envDefault:"10"`
	PoolTimeout     time.Duration `env:"POOL_TIMEOUT" envDefault:"4s"`
	KeyPrefix       string        `env:"KEY_PREFIX"`
}

func (c Config) Validate() error {
	if len(c.Addrs) == 0 {
		return errors.New("cache: redis addresses are empty")
	}
	if c.Mode != Standalone && c.Mode != Cluster {
		return errors.New("cache: invalid redis mode " + string(c.Mode))
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("cache: connect timeout must be > 0")
	}
	if c.PoolSize <= 0 {
		return errors.New("cache: pool size must be > 0")
	}
	return nil
}
