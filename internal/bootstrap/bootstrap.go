// Package bootstrap provides centralized initialization and lifecycle
// management for the service's runtime dependencies.
//
// Purpose:
//
//	Wires together the storage backend (selected from MOZSVC_SQLURI),
//	the optional Redis metadata cache, the change-event emitter and the
//	token signer, in a consistent order, with a unified shutdown and
//	readiness interface.
//
// Key Responsibilities:
//   - Initialize selects and connects the storage backend, applies
//     migrations when requested, dials optional Redis and Kafka
//   - Runtime bundles all initialized dependencies for use by binaries and
//     handler packages
//   - Close releases resources in reverse initialization order
//
// Debugging Notes:
//   - Empty MOZSVC_SQLURI selects the in-memory backend (local development)
//   - Redis connection failures fail fast during initialization (2s timeout)
//   - Kafka init failures fall back to the logger emitter with a warning
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/auth"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/cache"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/config"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/events"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage/memory"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage/sqlstore"
	"github.com/tailgunnerbeavis/server-syncstorage/migrations"
)

// Runtime bundles initialized runtime dependencies. All fields are populated
// during Initialize and remain valid until Close is called.
type Runtime struct {
	Config *config.Config
	// Store is the storage backend the handlers use; when Redis is
	// configured it is the cache decorator over the concrete backend.
	Store storage.Store
	// Backend names the concrete storage engine (memory, postgres, mysql).
	Backend string
	// Redis is nil when no cache tier is configured.
	Redis *redis.Client
	// Events emits storage change events (Kafka or logger).
	Events events.Emitter
	// Signer mints and verifies auth tokens.
	Signer *auth.Signer
}

// Initialize wires core dependencies based on the provided configuration.
// Order: storage -> migrations -> Redis/cache -> events -> signer. The
// returned Runtime must be closed via Close during shutdown.
func Initialize(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{
		Config: cfg,
		Signer: auth.NewSigner(cfg.AuthSecret),
	}

	if cfg.SQLURI == "" {
		rt.Store = memory.New()
		rt.Backend = "memory"
	} else {
		store, err := sqlstore.Open(ctx, cfg.SQLURI)
		if err != nil {
			return nil, fmt.Errorf("bootstrap storage: %w", err)
		}
		rt.Backend = store.Engine()
		if cfg.Migrate {
			if err := migrations.Up(store.DB(), store.Engine()); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("bootstrap migrations: %w", err)
			}
		}
		rt.Store = store
	}
	// Backend operations report their latency to the storage op histogram.
	// The cache decorator wraps outside this, so only real backend calls
	// are timed.
	rt.Store = storage.WithMetrics(rt.Store, rt.Backend)
	logger.Info().Str("backend", rt.Backend).Msg("storage backend initialized")

	if cfg.RedisAddr != "" {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rt.Redis.Ping(pingCtx).Err(); err != nil {
			_ = rt.Store.Close()
			return nil, fmt.Errorf("bootstrap redis: %w", err)
		}
		ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
		rt.Store = cache.New(rt.Store, rt.Redis, ttl, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("metadata cache enabled")
	}

	if emitter, err := events.NewKafkaEmitter(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaClientID); err != nil {
		logger.Warn().Err(err).Msg("kafka emitter init failed, falling back to logger")
		rt.Events = events.NewLoggerEmitter(logger)
	} else if emitter != nil {
		logger.Info().Str("topic", cfg.KafkaTopic).Msg("using kafka for change events")
		rt.Events = emitter
	} else {
		rt.Events = events.NewLoggerEmitter(logger)
	}

	return rt, nil
}

// Close releases runtime resources in reverse initialization order. Returns
// the first error encountered but keeps closing.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var firstErr error
	if emitter, ok := rt.Events.(*events.KafkaEmitter); ok {
		if err := emitter.Close(); err != nil {
			firstErr = err
		}
	}
	if rt.Redis != nil {
		if err := rt.Redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadinessProbe checks the health of critical runtime dependencies. The
// cache decorator's Ping covers Redis and the wrapped backend.
func (rt *Runtime) ReadinessProbe(ctx context.Context) error {
	if rt.Store != nil {
		if err := rt.Store.Ping(ctx); err != nil {
			return fmt.Errorf("storage not ready: %w", err)
		}
	}
	return nil
}
