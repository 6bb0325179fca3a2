package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/storage"
)

func TestWriteErrorCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorCode(rec, http.StatusBadRequest, CodeMalformedJSON)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "6", rec.Body.String())
}

func TestWriteStorageError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", storage.ErrNotFound, http.StatusNotFound},
		{"conflict", storage.ErrConflict, http.StatusConflict},
		{"invalid offset", storage.ErrInvalidOffset, http.StatusBadRequest},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteStorageError(rec, zerolog.Nop(), tc.err)
			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}

	t.Run("conflict carries retry-after", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteStorageError(rec, zerolog.Nop(), storage.ErrConflict)
		assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	})
}

func TestCheckPreconditions(t *testing.T) {
	check := func(version int64, ignoreUnmodified bool, headers map[string]string) (*httptest.ResponseRecorder, bool) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		ok := CheckPreconditions(rec, req, version, ignoreUnmodified)
		return rec, ok
	}

	t.Run("no headers", func(t *testing.T) {
		rec, ok := check(100, false, nil)
		assert.True(t, ok)
		assert.Equal(t, "100", rec.Header().Get(HeaderLastModified))
	})

	t.Run("not modified", func(t *testing.T) {
		rec, ok := check(100, false, map[string]string{HeaderIfModifiedSince: "100"})
		assert.False(t, ok)
		assert.Equal(t, http.StatusNotModified, rec.Code)
	})

	t.Run("modified", func(t *testing.T) {
		_, ok := check(100, false, map[string]string{HeaderIfModifiedSince: "99"})
		assert.True(t, ok)
	})

	t.Run("precondition failed", func(t *testing.T) {
		rec, ok := check(100, false, map[string]string{HeaderIfUnmodifiedSince: "99"})
		assert.False(t, ok)
		assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	})

	t.Run("unmodified holds", func(t *testing.T) {
		_, ok := check(100, false, map[string]string{HeaderIfUnmodifiedSince: "100"})
		assert.True(t, ok)
	})

	t.Run("unmodified ignored for info endpoints", func(t *testing.T) {
		_, ok := check(100, true, map[string]string{HeaderIfUnmodifiedSince: "1"})
		assert.True(t, ok)
	})

	t.Run("both headers rejected", func(t *testing.T) {
		rec, ok := check(100, false, map[string]string{
			HeaderIfModifiedSince:   "1",
			HeaderIfUnmodifiedSince: "1",
		})
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("garbage header value", func(t *testing.T) {
		rec, ok := check(100, false, map[string]string{HeaderIfModifiedSince: "yesterday"})
		assert.False(t, ok)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestResourceVersion(t *testing.T) {
	v, err := ResourceVersion(0, storage.ErrNotFound)
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = ResourceVersion(42, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	boom := errors.New("boom")
	_, err = ResourceVersion(0, boom)
	assert.ErrorIs(t, err, boom)
}
