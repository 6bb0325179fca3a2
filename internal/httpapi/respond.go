// Package httpapi holds the pieces shared by every handler package: the
// numeric protocol error codes, JSON response helpers, storage error
// mapping and the version precondition checks.
//
// Purpose:
//
//	The storage protocol reports client errors as a bare numeric code in a
//	JSON body (6 malformed JSON, 8 invalid object, 14 over quota) and drives
//	concurrency control through the X-If-Modified-Since-Version /
//	X-If-Unmodified-Since-Version request headers and the
//	X-Last-Modified-Version response header. Centralizing that here keeps
//	the per-resource handler packages small.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
)

// Numeric protocol error codes carried in JSON error bodies.
const (
	CodeMalformedJSON = 6
	CodeInvalidObject = 8
	CodeOverQuota     = 14
)

// RetryAfterSeconds is how long clients should back off after a 409.
const RetryAfterSeconds = 5

// Version-related header names.
const (
	HeaderLastModified      = "X-Last-Modified-Version"
	HeaderIfModifiedSince   = "X-If-Modified-Since-Version"
	HeaderIfUnmodifiedSince = "X-If-Unmodified-Since-Version"
	HeaderNumRecords        = "X-Num-Records"
	HeaderNextOffset        = "X-Next-Offset"
	HeaderQuotaRemaining    = "X-Quota-Remaining"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteErrorCode writes a protocol error: a JSON body holding just the
// numeric code.
func WriteErrorCode(w http.ResponseWriter, status, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(strconv.Itoa(code)))
}

// WriteStorageError maps a storage backend error onto the protocol's HTTP
// surface.
func WriteStorageError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, storage.ErrConflict):
		w.Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, storage.ErrInvalidOffset):
		http.Error(w, "invalid offset token", http.StatusBadRequest)
	default:
		logger.Error().Err(err).Msg("storage operation failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// CheckPreconditions evaluates the version precondition headers against the
// target resource's current version and stamps X-Last-Modified-Version on
// the response. Returns false when the response has already been written
// (304, 412 or 400). ignoreUnmodified is set by the info endpoints, which
// the protocol exempts from X-If-Unmodified-Since-Version.
func CheckPreconditions(w http.ResponseWriter, r *http.Request, version int64, ignoreUnmodified bool) bool {
	modified := r.Header.Get(HeaderIfModifiedSince)
	unmodified := r.Header.Get(HeaderIfUnmodifiedSince)
	if ignoreUnmodified {
		unmodified = ""
	}

	if modified != "" && unmodified != "" {
		http.Error(w,
			"X-If-Modified-Since-Version and X-If-Unmodified-Since-Version cannot be applied to the same request",
			http.StatusBadRequest)
		return false
	}

	w.Header().Set(HeaderLastModified, strconv.FormatInt(version, 10))

	if modified != "" {
		since, err := strconv.ParseInt(modified, 10, 64)
		if err != nil {
			http.Error(w, "invalid value for X-If-Modified-Since-Version", http.StatusBadRequest)
			return false
		}
		if version <= since {
			w.WriteHeader(http.StatusNotModified)
			return false
		}
	}

	if unmodified != "" {
		since, err := strconv.ParseInt(unmodified, 10, 64)
		if err != nil {
			http.Error(w, "invalid value for X-If-Unmodified-Since-Version", http.StatusBadRequest)
			return false
		}
		if version > since {
			w.WriteHeader(http.StatusPreconditionFailed)
			return false
		}
	}
	return true
}

// ResourceVersion swallows ErrNotFound: absent resources have version zero
// for precondition purposes.
func ResourceVersion(version int64, err error) (int64, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	return version, err
}
