// Package config loads process configuration from the environment, with an
// optional .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/chenzhangda16/tickpipe/internal/tickpipe/aggregate"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/cache"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/dedup"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/feed"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/ledger"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/out"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/relay"
	"github.com/chenzhangda16/tickpipe/internal/tickpipe/retry"
)

type Config struct {
	App       AppConfig        `envPrefix:"APP_"`
	Feed      feed.Config      `envPrefix:"FEED_"`
	Kafka     KafkaConfig      `envPrefix:"KAFKA_"`
	Publish   retry.Config     `envPrefix:"PUBLISH_RETRY_"`
	Ledger    ledger.Config    `envPrefix:"LEDGER_"`
	Cache     cache.Config     `envPrefix:"CACHE_"`
	Aggregate aggregate.Config `envPrefix:"AGG_"`
	Relay     RelayConfig      `envPrefix:"RELAY_"`
}

type AppConfig struct {
	Name     string `env:"NAME" envDefault:"tickpipe"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	// MetricsAddr enables the /metrics listener when set, e.g. ":9100".
	MetricsAddr string `env:"METRICS_ADDR"`
}

type KafkaConfig struct {
	Brokers      []string      `env:"BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	Topic        string        `env:"TOPIC" envDefault:"market-data"`
	Group        string        `env:"GROUP" envDefault:"market-data-group"`
	ClientID     string        `env:"CLIENT_ID" envDefault:"finnhub-producer"`
	Version      string        `env:"VERSION" envDefault:"2.1.0"`
	Partitions   int           `env:"PARTITIONS" envDefault:"6"`
	FlushTimeout time.Duration `env:"FLUSH_TIMEOUT" envDefault:"10s"`
	PollTimeout  time.Duration `env:"POLL_TIMEOUT" envDefault:"100ms"`
}

type RelayConfig struct {
	DedupMode dedup.Mode    `env:"DEDUP_MODE" envDefault:"off"`
	DedupPath string        `env:"DEDUP_PATH" envDefault:"./data/relay.dedup"`
	DedupTTL  time.Duration `env:"DEDUP_TTL" envDefault:"24h"`
	// DedupEvictEvery bounds how long expired filter entries linger during a
	// long consumer session.
	DedupEvictEvery time.Duration `env:"DEDUP_EVICT_EVERY" envDefault:"1m"`
	// DropRejected commits messages the ledger refuses on data grounds.
	DropRejected   bool          `env:"DROP_REJECTED" envDefault:"true"`
	RestartBackoff time.Duration `env:"RESTART_BACKOFF" envDefault:"300ms"`
	ReadyFifo      string        `env:"READY_FIFO"`
}

// Load reads .env if present, then the environment, and validates.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load without validation, for callers that apply flag overrides
// before calling Validate themselves.
func Parse() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: brokers are empty"))
	}
	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka: topic is empty"))
	}
	if c.Kafka.Group == "" {
		errs = append(errs, errors.New("kafka: group is empty"))
	}
	if _, err := c.KafkaVersion(); err != nil {
		errs = append(errs, err)
	}
	if c.Publish.MaxAttempts < 1 {
		errs = append(errs, errors.New("publish retry: max attempts must be >= 1"))
	}
	switch c.Relay.DedupMode {
	case dedup.ModeOff, dedup.ModeMemory, dedup.ModeRocks:
	default:
		errs = append(errs, fmt.Errorf("relay: unknown dedup mode %q", c.Relay.DedupMode))
	}
	errs = append(errs, c.Feed.Validate(), c.Ledger.Validate(), c.Cache.Validate())
	return errors.Join(errs...)
}

func (c *Config) KafkaVersion() (sarama.KafkaVersion, error) {
	v, err := sarama.ParseKafkaVersion(c.Kafka.Version)
	if err != nil {
		return sarama.KafkaVersion{}, fmt.Errorf("kafka: version %q: %w", c.Kafka.Version, err)
	}
	return v, nil
}

// ProducerOptions is what the feed subscriber publishes with.
func (c *Config) ProducerOptions() out.Options {
	v, _ := c.KafkaVersion()
	return out.Options{
		Brokers:      c.Kafka.Brokers,
		Topic:        c.Kafka.Topic,
		ClientID:     c.Kafka.ClientID,
		Version:      v,
		FlushTimeout: c.Kafka.FlushTimeout,
	}
}

func (c *Config) RelayOptions() relay.Options {
	v, _ := c.KafkaVersion()
	return relay.Options{
		Brokers:        c.Kafka.Brokers,
		Topic:          c.Kafka.Topic,
		Group:          c.Kafka.Group,
		ClientID:       c.App.Name + "-relay",
		Version:        v,
		PollTimeout:    c.Kafka.PollTimeout,
		RestartBackoff: c.Relay.RestartBackoff,
		DropRejected:   c.Relay.DropRejected,
		EvictEvery:     c.Relay.DedupEvictEvery,
		ReadyFifo:      c.Relay.ReadyFifo,
	}
}
