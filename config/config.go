// Package config holds the engine's process configuration: defaults,
// YAML file loading, and environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/streambus/errors"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendKafka  = "kafka"
)

// Config is the full process configuration.
type Config struct {
	LogLevel        string        `yaml:"logLevel"`
	SeedDefaults    bool          `yaml:"seedDefaults"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	Store     StoreConfig     `yaml:"store"`
	Producer  ProducerConfig  `yaml:"producer"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Processor ProcessorConfig `yaml:"processor"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig selects and configures the log store backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	NATS    NATSConfig  `yaml:"nats"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

// NATSConfig configures the JetStream-backed store.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	StreamReplicas int           `yaml:"streamReplicas"`
}

// KafkaConfig configures the Kafka-backed store.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`
}

// ProducerConfig tunes the produce path.
type ProducerConfig struct {
	RecentBufferSize int     `yaml:"recentBufferSize"`
	RateLimit        float64 `yaml:"rateLimit"` // messages/second, 0 = unlimited
	RateBurst        int     `yaml:"rateBurst"`
}

// ConsumerConfig tunes consumer groups. DefaultBatchSize and DefaultWait
// fill in Consume calls that leave those options zero.
type ConsumerConfig struct {
	AutoCommit       bool          `yaml:"autoCommit"`
	DefaultBatchSize int           `yaml:"defaultBatchSize"`
	DefaultWait      time.Duration `yaml:"defaultWait"`
}

// ProcessorConfig tunes processor loops.
type ProcessorConfig struct {
	TickInterval time.Duration `yaml:"tickInterval"`
	BatchSize    int           `yaml:"batchSize"`
}

// MetricsConfig tunes collection and the scrape endpoint.
type MetricsConfig struct {
	CollectInterval time.Duration `yaml:"collectInterval"`
	ServerEnabled   bool          `yaml:"serverEnabled"`
	ServerPort      int           `yaml:"serverPort"`
	ServerPath      string        `yaml:"serverPath"`
}

// Default returns the configuration used when no file or overrides are
// given.
func Default() Config {
	return Config{
		LogLevel:        "info",
		SeedDefaults:    true,
		ShutdownTimeout: 10 * time.Second,
		Store: StoreConfig{
			Backend: BackendMemory,
			NATS: NATSConfig{
				URL:            "nats://localhost:4222",
				ConnectTimeout: 5 * time.Second,
				StreamReplicas: 1,
			},
			Kafka: KafkaConfig{
				Brokers:  []string{"localhost:9092"},
				ClientID: "streambus",
			},
		},
		Producer: ProducerConfig{
			RecentBufferSize: 1000,
		},
		Consumer: ConsumerConfig{
			AutoCommit:       true,
			DefaultBatchSize: 10,
			DefaultWait:      5 * time.Second,
		},
		Processor: ProcessorConfig{
			TickInterval: time.Second,
			BatchSize:    100,
		},
		Metrics: MetricsConfig{
			CollectInterval: 5 * time.Second,
			ServerEnabled:   true,
			ServerPort:      9090,
			ServerPath:      "/metrics",
		},
	}
}

// LoadFile reads a YAML config file over the defaults. A missing path is
// not an error; callers get the defaults plus environment overrides.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, errors.WrapInvalid(err, "config", "LoadFile", fmt.Sprintf("read %q", path))
			}
			return cfg, errors.WrapTransient(err, "config", "LoadFile", fmt.Sprintf("read %q", path))
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.WrapInvalid(err, "config", "LoadFile", fmt.Sprintf("parse %q", path))
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv layers STREAMBUS_* environment variables over the loaded
// values. Unset variables leave the config untouched.
func (c *Config) applyEnv() {
	if v := os.Getenv("STREAMBUS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STREAMBUS_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("STREAMBUS_NATS_URL"); v != "" {
		c.Store.NATS.URL = v
	}
	if v := os.Getenv("STREAMBUS_KAFKA_BROKERS"); v != "" {
		c.Store.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("STREAMBUS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Metrics.ServerPort = port
		}
	}
	if v := os.Getenv("STREAMBUS_SEED_DEFAULTS"); v != "" {
		if seed, err := strconv.ParseBool(v); err == nil {
			c.SeedDefaults = seed
		}
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validBackends = map[string]bool{BackendMemory: true, BackendNATS: true, BackendKafka: true}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if !validLogLevels[c.LogLevel] {
		return errors.WrapInvalid(
			fmt.Errorf("unknown log level %q", c.LogLevel),
			"config", "Validate", "check logLevel")
	}
	if !validBackends[c.Store.Backend] {
		return errors.WrapInvalid(
			fmt.Errorf("unknown store backend %q", c.Store.Backend),
			"config", "Validate", "check store.backend")
	}
	if c.Store.Backend == BackendNATS && c.Store.NATS.URL == "" {
		return errors.WrapInvalid(
			fmt.Errorf("nats backend requires a url"),
			"config", "Validate", "check store.nats.url")
	}
	if c.Store.Backend == BackendKafka && len(c.Store.Kafka.Brokers) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("kafka backend requires at least one broker"),
			"config", "Validate", "check store.kafka.brokers")
	}
	if c.Consumer.DefaultBatchSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("consumer default batch size must be positive"),
			"config", "Validate", "check consumer.defaultBatchSize")
	}
	if c.Consumer.DefaultWait <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("consumer default wait must be positive"),
			"config", "Validate", "check consumer.defaultWait")
	}
	if c.Processor.TickInterval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("processor tick interval must be positive"),
			"config", "Validate", "check processor.tickInterval")
	}
	if c.Processor.BatchSize <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("processor batch size must be positive"),
			"config", "Validate", "check processor.batchSize")
	}
	if c.Metrics.CollectInterval <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("metrics collect interval must be positive"),
			"config", "Validate", "check metrics.collectInterval")
	}
	if c.Metrics.ServerEnabled && (c.Metrics.ServerPort <= 0 || c.Metrics.ServerPort > 65535) {
		return errors.WrapInvalid(
			fmt.Errorf("metrics server port %d out of range", c.Metrics.ServerPort),
			"config", "Validate", "check metrics.serverPort")
	}
	return nil
}

// SlogLevel maps the configured level name onto a slog level. Unknown
// names fall back to info; Validate rejects them earlier.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
