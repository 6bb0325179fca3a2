// Package config provides environment variable-based configuration loading.
//
// Purpose:
//
//	This package defines the service configuration structure and provides
//	functions to load configuration from environment variables using
//	envconfig. The server and the loadgen seeding path share this structure.
//
// Key Responsibilities:
//   - Config struct defines all service configuration fields
//   - Load reads and validates environment variables
//   - MustLoad exits the process if configuration is invalid
//
// Debugging Notes:
//   - MOZSVC_SQLURI selects the storage backend by scheme (postgres://,
//     mysql://); when empty the in-memory backend is used
//   - AUTH_SECRET is required; it signs the bearer tokens
//   - Redis and Kafka are optional: no Redis means no metadata cache, no
//     Kafka brokers means change events go to the log
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

// Config represents runtime configuration for the sync storage service.
// All fields are populated from environment variables with defaults where
// specified.
type Config struct {
	// ServiceName is emitted in logs and metrics.
	ServiceName string `envconfig:"SERVICE_NAME" default:"syncstorage"`
	// HTTPPort is the port the HTTP server listens on.
	HTTPPort int `envconfig:"HTTP_PORT" default:"5000"`
	// SQLURI is the storage backend connection string. Empty selects the
	// in-memory backend; postgres:// and mysql:// select the SQL backend.
	SQLURI string `envconfig:"MOZSVC_SQLURI" default:""`
	// Migrate applies pending schema migrations at startup when true.
	Migrate bool `envconfig:"MIGRATE_ON_START" default:"false"`

	// AuthSecret signs the HMAC bearer tokens. Required.
	AuthSecret string `envconfig:"AUTH_SECRET" required:"true"`
	// TokenTTLSeconds is the lifetime of minted auth tokens.
	TokenTTLSeconds int `envconfig:"TOKEN_TTL_SECONDS" default:"3600"`

	// RedisAddr is the host:port of the Redis instance backing the metadata
	// cache. Empty disables the cache tier.
	RedisAddr string `envconfig:"REDIS_ADDR" default:""`
	// RedisPassword is the optional password for Redis authentication.
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	// RedisDB selects the logical Redis database index.
	RedisDB int `envconfig:"REDIS_DB" default:"0"`
	// CacheTTLSeconds bounds staleness of cached metadata.
	CacheTTLSeconds int `envconfig:"CACHE_TTL_SECONDS" default:"300"`

	// QuotaSize is the per-user storage quota in bytes; zero means no quota.
	QuotaSize int64 `envconfig:"QUOTA_SIZE" default:"0"`
	// BatchMaxCount caps the number of items accepted per batch upload.
	BatchMaxCount int `envconfig:"BATCH_MAX_COUNT" default:"100"`
	// BatchMaxBytes caps the total payload bytes accepted per batch upload.
	BatchMaxBytes int `envconfig:"BATCH_MAX_BYTES" default:"1048576"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses.
	// If empty, change events are logged instead of sent to Kafka.
	KafkaBrokers string `envconfig:"KAFKA_BROKERS" default:""`
	// KafkaTopic is the topic for storage change events.
	KafkaTopic string `envconfig:"KAFKA_TOPIC" default:"syncstorage.changes"`
	// KafkaClientID is the client ID used when connecting to Kafka.
	KafkaClientID string `envconfig:"KAFKA_CLIENT_ID" default:"syncstorage"`

	// LogLevel controls zerolog global level (debug, info, warn, error).
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// Environment describes the current deployment environment.
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
}

// Load reads environment variables into Config, applying defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	if len(cfg.AuthSecret) < 16 {
		return nil, fmt.Errorf("config: AUTH_SECRET must be at least 16 bytes")
	}
	return &cfg, nil
}

// MustLoad returns Config or exits the process.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}
