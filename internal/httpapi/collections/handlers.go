// Package collections implements the storage endpoints under
// /2.0/{userID}/storage: collection reads, batch uploads, single-item
// operations and the delete endpoints.
//
// Purpose:
//
//	This is the data plane of the service. Reads take the shared collection
//	lock so a sync sees a consistent snapshot; writes take the exclusive
//	lock so a batch lands under a single version. Lock acquisition is
//	bounded and failure surfaces as 409 with Retry-After so clients back
//	off instead of piling up.
//
// Error Handling:
//   - Malformed request bodies return 400 with numeric code 6
//   - Invalid BSO fields return 400 with numeric code 8
//   - Quota exhaustion returns 400 with numeric code 14
//   - Lock contention returns 409 with Retry-After
package collections

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/bootstrap"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/bso"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/events"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/httpapi/middleware"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/metrics"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
)

// lockTimeout bounds how long a request waits for a collection lock before
// giving up with a 409.
const lockTimeout = 5 * time.Second

// maxRequestBody caps upload bodies well above the batch byte limit so the
// handler, not the transport, decides what is over the line.
const maxRequestBody = 4 << 20

// quotaWarnThreshold is the remaining-quota level, in bytes, below which
// writes start carrying the X-Quota-Remaining header.
const quotaWarnThreshold = 1 << 20

// Handler serves the storage endpoints.
type Handler struct {
	rt     *bootstrap.Runtime
	logger zerolog.Logger
}

// NewHandler creates a storage endpoint handler.
func NewHandler(rt *bootstrap.Runtime, logger zerolog.Logger) *Handler {
	return &Handler{rt: rt, logger: logger.With().Str("handler", "storage").Logger()}
}

// RegisterRoutes mounts the storage endpoints on the given router. The
// caller has already applied the auth middleware and the {userID} prefix.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/storage", func(r chi.Router) {
		r.Get("/", h.GetStorage)
		r.Delete("/", h.DeleteStorage)
		r.Route("/{collection}", func(r chi.Router) {
			r.Get("/", h.GetCollection)
			r.Post("/", h.PostCollection)
			r.Delete("/", h.DeleteCollection)
			r.Get("/{itemID}", h.GetItem)
			r.Put("/{itemID}", h.PutItem)
			r.Delete("/{itemID}", h.DeleteItem)
		})
	})
}

// emit sends a change event without failing the request.
func (h *Handler) emit(r *http.Request, event events.Event) {
	err := h.rt.Events.Emit(r.Context(), event)
	metrics.RecordEventEmitted(err)
	if err != nil {
		h.logger.Warn().Err(err).Str("action", event.Action).Msg("event emission failed")
	}
}

// collectionVersion looks up the collection's version for precondition
// checks, treating a missing collection as version zero.
func (h *Handler) collectionVersion(r *http.Request, userID uint64, collection string) (int64, error) {
	v, err := h.rt.Store.GetCollectionVersion(r.Context(), userID, collection)
	return httpapi.ResourceVersion(v, err)
}

// parseFilter builds a storage.Filter from the request's query parameters.
// A non-nil error carries the message for the 400 response.
func parseFilter(r *http.Request) (storage.Filter, string) {
	q := r.URL.Query()
	var f storage.Filter

	if ids := q.Get("ids"); ids != "" {
		f.IDs = strings.Split(ids, ",")
		if len(f.IDs) > storage.MaxIDsPerRequest {
			return f, "too many ids"
		}
		for i, id := range f.IDs {
			f.IDs[i] = strings.TrimSpace(id)
			if bso.ValidateID(f.IDs[i]) != nil {
				return f, "invalid id in ids"
			}
		}
	}
	if older := q.Get("older"); older != "" {
		v, err := strconv.ParseInt(older, 10, 64)
		if err != nil || v < 0 {
			return f, "invalid older value"
		}
		f.Older = &v
	}
	if newer := q.Get("newer"); newer != "" {
		v, err := strconv.ParseInt(newer, 10, 64)
		if err != nil || v < 0 {
			return f, "invalid newer value"
		}
		f.Newer = &v
	}
	if limit := q.Get("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil || v <= 0 {
			return f, "invalid limit value"
		}
		f.Limit = v
	}
	f.Offset = q.Get("offset")
	// Unrecognized sort values fall back to the default order.
	switch sort := q.Get("sort"); sort {
	case storage.SortNewest, storage.SortOldest, storage.SortIndex:
		f.Sort = sort
	}
	return f, ""
}

// GetStorage handles GET /storage. The protocol defines no whole-storage
// read; clients enumerate via info/collections instead.
func (h *Handler) GetStorage(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "listing all storage is not supported", http.StatusBadRequest)
}

// DeleteStorage handles DELETE /storage: removes everything the user has.
func (h *Handler) DeleteStorage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	version, err := h.rt.Store.GetStorageVersion(r.Context(), userID)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	if !httpapi.CheckPreconditions(w, r, version, false) {
		return
	}

	if err := h.rt.Store.DeleteUserStorage(r.Context(), userID); err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	h.emit(r, events.New(userID, "", events.ActionStorageDelete, 0, 0))
	w.WriteHeader(http.StatusNoContent)
}

// GetCollection handles GET /storage/{collection}: a filtered page of item
// ids, or of full BSOs when ?full is present. A collection the user never
// wrote to reads as empty.
func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	collection := chi.URLParam(r, "collection")

	filter, problem := parseFilter(r)
	if problem != "" {
		http.Error(w, problem, http.StatusBadRequest)
		return
	}

	lockCtx, cancel := context.WithTimeout(r.Context(), lockTimeout)
	defer cancel()
	unlock, err := h.rt.Store.LockCollectionRead(lockCtx, userID, collection)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	defer unlock()

	version, err := h.collectionVersion(r, userID, collection)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	if !httpapi.CheckPreconditions(w, r, version, false) {
		return
	}

	if r.URL.Query().Has("full") {
		page, err := h.rt.Store.GetItems(r.Context(), userID, collection, filter)
		if errors.Is(err, storage.ErrNotFound) {
			page = &storage.ItemPage{}
			err = nil
		}
		if err != nil {
			httpapi.WriteStorageError(w, h.logger, err)
			return
		}
		if page.Items == nil {
			page.Items = []bso.BSO{}
		}
		w.Header().Set(httpapi.HeaderNumRecords, strconv.Itoa(len(page.Items)))
		if page.NextOffset != "" {
			w.Header().Set(httpapi.HeaderNextOffset, page.NextOffset)
		}
		httpapi.WriteJSON(w, http.StatusOK, struct {
			Items []bso.BSO `json:"items"`
		}{page.Items})
		return
	}

	page, err := h.rt.Store.GetItemIDs(r.Context(), userID, collection, filter)
	if errors.Is(err, storage.ErrNotFound) {
		page = &storage.IDPage{}
		err = nil
	}
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	if page.IDs == nil {
		page.IDs = []string{}
	}
	w.Header().Set(httpapi.HeaderNumRecords, strconv.Itoa(len(page.IDs)))
	if page.NextOffset != "" {
		w.Header().Set(httpapi.HeaderNextOffset, page.NextOffset)
	}
	httpapi.WriteJSON(w, http.StatusOK, struct {
		Items []string `json:"items"`
	}{page.IDs})
}

// batchResponse is the body of a batch upload: the ids that landed and the
// per-id failure reasons for the rest. The batch version rides in the
// X-Last-Modified-Version header.
type batchResponse struct {
	Success []string            `json:"success"`
	Failed  map[string][]string `json:"failed"`
}

// PostCollection handles POST /storage/{collection}: a batch upload. Valid
// items land atomically under one version; invalid items are reported per
// id without failing the batch.
func (h *Handler) PostCollection(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	collection := chi.URLParam(r, "collection")

	contentType := r.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	switch contentType {
	case "", "application/json", "application/newlines":
	default:
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	batch, err := bso.ParseBatch(body, contentType)
	if err != nil {
		// Well-formed JSON that is not a list of objects is an invalid
		// object, not malformed JSON.
		if errors.Is(err, bso.ErrNotAnArray) {
			httpapi.WriteErrorCode(w, http.StatusBadRequest, httpapi.CodeInvalidObject)
			return
		}
		httpapi.WriteErrorCode(w, http.StatusBadRequest, httpapi.CodeMalformedJSON)
		return
	}

	resp := batchResponse{Success: []string{}, Failed: map[string][]string{}}
	accepted := make([]*bso.BSO, 0, len(batch))
	acceptedBytes := 0
	for _, item := range batch {
		if err := item.Validate(true); err != nil {
			var ferr *bso.FieldError
			if errors.As(err, &ferr) && ferr.Field == "id" {
				resp.Failed[item.ID] = append(resp.Failed[item.ID], "invalid id")
			} else {
				resp.Failed[item.ID] = append(resp.Failed[item.ID], "invalid bso")
			}
			continue
		}
		if len(accepted) >= h.rt.Config.BatchMaxCount {
			resp.Failed[item.ID] = append(resp.Failed[item.ID], "retry bso")
			continue
		}
		if acceptedBytes+item.PayloadSize() > h.rt.Config.BatchMaxBytes {
			resp.Failed[item.ID] = append(resp.Failed[item.ID], "retry bytes")
			continue
		}
		accepted = append(accepted, item)
		acceptedBytes += item.PayloadSize()
	}

	lockCtx, cancel := context.WithTimeout(r.Context(), lockTimeout)
	defer cancel()
	unlock, err := h.rt.Store.LockCollectionWrite(lockCtx, userID, collection)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	defer unlock()

	version, err := h.collectionVersion(r, userID, collection)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	if !httpapi.CheckPreconditions(w, r, version, false) {
		return
	}

	quotaRemaining, ok := h.checkQuota(w, r, userID, int64(acceptedBytes))
	if !ok {
		return
	}

	newVersion := version
	if len(accepted) > 0 {
		newVersion, err = h.rt.Store.SetItems(r.Context(), userID, collection, accepted)
		if err != nil {
			httpapi.WriteStorageError(w, h.logger, err)
			return
		}
		for _, item := range accepted {
			resp.Success = append(resp.Success, item.ID)
		}
		metrics.RecordBatchUpload(len(accepted))
		h.emit(r, events.New(userID, collection, events.ActionBatchWrite, newVersion, len(accepted)))
	}
	w.Header().Set(httpapi.HeaderLastModified, strconv.FormatInt(newVersion, 10))
	if quotaRemaining != nil {
		w.Header().Set(httpapi.HeaderQuotaRemaining, strconv.FormatInt(*quotaRemaining, 10))
	}
	httpapi.WriteJSON(w, http.StatusOK, resp)
}

// checkQuota rejects the write with 400/code 14 when it would fill or exceed
// the configured quota. Returns the post-write remaining byte count for the
// X-Quota-Remaining header once it drops below the warning threshold.
func (h *Handler) checkQuota(w http.ResponseWriter, r *http.Request, userID uint64, incomingBytes int64) (*int64, bool) {
	quota := h.rt.Config.QuotaSize
	if quota <= 0 {
		return nil, true
	}
	usage, err := h.rt.Store.GetTotalUsage(r.Context(), userID, false)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return nil, false
	}
	remaining := quota - usage - incomingBytes
	if remaining <= 0 {
		httpapi.WriteErrorCode(w, http.StatusBadRequest, httpapi.CodeOverQuota)
		return nil, false
	}
	if remaining >= quotaWarnThreshold {
		return nil, true
	}
	return &remaining, true
}

// DeleteCollection handles DELETE /storage/{collection}. With ?ids it
// removes just those items, reporting the collection's new version in the
// X-Last-Modified-Version header; without, it removes the whole collection.
func (h *Handler) DeleteCollection(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	collection := chi.URLParam(r, "collection")

	var ids []string
	if raw := r.URL.Query().Get("ids"); raw != "" {
		ids = strings.Split(raw, ",")
		if len(ids) > storage.MaxIDsPerRequest {
			http.Error(w, "too many ids", http.StatusBadRequest)
			return
		}
		for i := range ids {
			ids[i] = strings.TrimSpace(ids[i])
		}
	}

	lockCtx, cancel := context.WithTimeout(r.Context(), lockTimeout)
	defer cancel()
	unlock, err := h.rt.Store.LockCollectionWrite(lockCtx, userID, collection)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	defer unlock()

	version, err := h.collectionVersion(r, userID, collection)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	if !httpapi.CheckPreconditions(w, r, version, false) {
		return
	}

	if len(ids) > 0 {
		newVersion, err := h.rt.Store.DeleteItems(r.Context(), userID, collection, ids)
		if err != nil {
			httpapi.WriteStorageError(w, h.logger, err)
			return
		}
		w.Header().Set(httpapi.HeaderLastModified, strconv.FormatInt(newVersion, 10))
		h.emit(r, events.New(userID, collection, events.ActionItemsDelete, newVersion, len(ids)))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.rt.Store.DeleteCollection(r.Context(), userID, collection); err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	h.emit(r, events.New(userID, collection, events.ActionCollectionDelete, 0, 0))
	w.WriteHeader(http.StatusNoContent)
}

// GetItem handles GET /storage/{collection}/{itemID}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	collection := chi.URLParam(r, "collection")
	itemID := chi.URLParam(r, "itemID")

	item, err := h.rt.Store.GetItem(r.Context(), userID, collection, itemID)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	if !httpapi.CheckPreconditions(w, r, item.Modified, false) {
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, item)
}

// PutItem handles PUT /storage/{collection}/{itemID}: create or partially
// update a single item. 201 on create, 204 on update.
func (h *Handler) PutItem(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	collection := chi.URLParam(r, "collection")
	itemID := chi.URLParam(r, "itemID")

	if err := bso.ValidateID(itemID); err != nil {
		httpapi.WriteErrorCode(w, http.StatusBadRequest, httpapi.CodeInvalidObject)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType != "" && contentType != "application/json" {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	item, err := bso.Parse(body)
	if err != nil {
		httpapi.WriteErrorCode(w, http.StatusBadRequest, httpapi.CodeMalformedJSON)
		return
	}
	if item.ID != "" && item.ID != itemID {
		httpapi.WriteErrorCode(w, http.StatusBadRequest, httpapi.CodeInvalidObject)
		return
	}
	if err := item.Validate(false); err != nil {
		httpapi.WriteErrorCode(w, http.StatusBadRequest, httpapi.CodeInvalidObject)
		return
	}

	lockCtx, cancel := context.WithTimeout(r.Context(), lockTimeout)
	defer cancel()
	unlock, err := h.rt.Store.LockCollectionWrite(lockCtx, userID, collection)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	defer unlock()

	itemVersion, err := httpapi.ResourceVersion(h.rt.Store.GetItemVersion(r.Context(), userID, collection, itemID))
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	if !httpapi.CheckPreconditions(w, r, itemVersion, false) {
		return
	}

	quotaRemaining, ok := h.checkQuota(w, r, userID, int64(item.PayloadSize()))
	if !ok {
		return
	}

	result, err := h.rt.Store.SetItem(r.Context(), userID, collection, itemID, item)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	w.Header().Set(httpapi.HeaderLastModified, strconv.FormatInt(result.Version, 10))
	if quotaRemaining != nil {
		w.Header().Set(httpapi.HeaderQuotaRemaining, strconv.FormatInt(*quotaRemaining, 10))
	}
	h.emit(r, events.New(userID, collection, events.ActionItemWrite, result.Version, 1))

	if result.Created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteItem handles DELETE /storage/{collection}/{itemID}.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	collection := chi.URLParam(r, "collection")
	itemID := chi.URLParam(r, "itemID")

	lockCtx, cancel := context.WithTimeout(r.Context(), lockTimeout)
	defer cancel()
	unlock, err := h.rt.Store.LockCollectionWrite(lockCtx, userID, collection)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	defer unlock()

	itemVersion, err := h.rt.Store.GetItemVersion(r.Context(), userID, collection, itemID)
	if err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	if !httpapi.CheckPreconditions(w, r, itemVersion, false) {
		return
	}

	if err := h.rt.Store.DeleteItem(r.Context(), userID, collection, itemID); err != nil {
		httpapi.WriteStorageError(w, h.logger, err)
		return
	}
	h.emit(r, events.New(userID, collection, events.ActionItemDelete, 0, 1))
	w.WriteHeader(http.StatusNoContent)
}
