// Command syncstorage runs the sync storage HTTP server.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bootstrap"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/config"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi/router"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/logging"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/server"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("initialization failed")
		os.Exit(1)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	srv := server.New(server.Options{
		Port:      cfg.HTTPPort,
		Logger:    logger,
		Readiness: rt.ReadinessProbe,
		RegisterRoutes: func(r chi.Router) {
			router.Register(r, rt, logger)
		},
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Int("port", cfg.HTTPPort).
			Str("backend", rt.Backend).
			Str("environment", cfg.Environment).
			Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}
