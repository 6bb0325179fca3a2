// Package router assembles the versioned API surface: the auth middleware
// plus the info and storage handler packages, mounted under /2.0/{userID}.
package router

import (
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bootstrap"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi/collections"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi/info"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi/middleware"
)

// Register mounts all authenticated API routes on r.
func Register(r chi.Router, rt *bootstrap.Runtime, logger zerolog.Logger) {
	infoHandler := info.NewHandler(rt, logger)
	storageHandler := collections.NewHandler(rt, logger)

	r.Route("/2.0/{userID}", func(r chi.Router) {
		r.Use(middleware.RequireUser(rt.Signer, logger))
		r.Route("/info", infoHandler.RegisterRoutes)
		storageHandler.RegisterRoutes(r)
	})
}
