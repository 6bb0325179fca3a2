// Package info implements the read-only metadata endpoints under
// /2.0/{userID}/info/: collection versions, item counts, usage and quota.
//
// Purpose:
//
//	Sync clients start every session by fetching info/collections to decide
//	which collections changed since their last sync. These endpoints are the
//	hottest read path in the service, which is why their results are the
//	ones the cache decorator memoizes.
//
// Error Handling:
//   - Preconditions are evaluated against the whole-storage version;
//     X-If-Unmodified-Since-Version does not apply to these endpoints
package info

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bootstrap"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi/middleware"
)

// Handler serves the info endpoints.
type Handler struct {
	rt     *bootstrap.Runtime
	logger zerolog.Logger
}

// NewHandler creates an info endpoint handler.
func NewHandler(rt *bootstrap.Runtime, logger zerolog.Logger) *Handler {
	return &Handler{rt: rt, logger: logger.With().Str("handler", "info").Logger()}
}

// RegisterRoutes mounts the info endpoints on the given router. The caller
// has already applied the auth middleware and the {userID} prefix.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/collections", h.Collections)
	r.Get("/collection_counts", h.CollectionCounts)
	r.Get("/collection_usage", h.CollectionUsage)
	r.Get("/quota", h.Quota)
}

// checkStorageVersion runs the precondition headers against the user's
// whole-storage version. Returns false when the response was written.
func (h *Handler) checkStorageVersion(w http.ResponseWriter, r *http.Request, userID uint64) bool {
	version, err := h.rt.Store.GetStorageVersion(r.Context(), userID)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return false
	}
	return httpapi.CheckPreconditions(w, r, version, true)
}

// Collections handles GET /info/collections: collection name to version.
func (h *Handler) Collections(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if !h.checkStorageVersion(w, r, userID) {
		return
	}

	versions, err := h.rt.Store.GetCollectionVersions(r.Context(), userID)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, versions)
}

// CollectionCounts handles GET /info/collection_counts: collection name to
// live item count.
func (h *Handler) CollectionCounts(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if !h.checkStorageVersion(w, r, userID) {
		return
	}

	counts, err := h.rt.Store.GetCollectionCounts(r.Context(), userID)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, counts)
}

// CollectionUsage handles GET /info/collection_usage: collection name to
// stored payload bytes.
func (h *Handler) CollectionUsage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if !h.checkStorageVersion(w, r, userID) {
		return
	}

	usage, err := h.rt.Store.GetCollectionUsage(r.Context(), userID)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, usage)
}

// quotaResponse is the body of GET /info/quota. Quota is null when the
// deployment has no quota configured.
type quotaResponse struct {
	Usage int64  `json:"usage"`
	Quota *int64 `json:"quota"`
}

// Quota handles GET /info/quota: total usage plus the configured quota.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if !h.checkStorageVersion(w, r, userID) {
		return
	}

	usage, err := h.rt.Store.GetTotalUsage(r.Context(), userID, false)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}

	resp := quotaResponse{Usage: usage}
	if h.rt.Config.QuotaSize > 0 {
		quota := h.rt.Config.QuotaSize
		resp.Quota = &quota
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}
