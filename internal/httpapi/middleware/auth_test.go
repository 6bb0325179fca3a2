package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/auth"
)

func newTestRouter(signer *auth.Signer) chi.Router {
	r := chi.NewRouter()
	r.Route("/2.0/{userID}", func(r chi.Router) {
		r.Use(RequireUser(signer, zerolog.Nop()))
		r.Get("/info/collections", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(strconv.FormatUint(UserID(r.Context()), 10)))
		})
	})
	return r
}

func TestRequireUser(t *testing.T) {
	signer := auth.NewSigner("test-secret-0123456789")
	router := newTestRouter(signer)

	do := func(authHeader, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	token := signer.Mint(42, time.Hour)

	t.Run("valid token", func(t *testing.T) {
		rec := do("Bearer "+token, "/2.0/42/info/collections")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "42", rec.Body.String(), "context carries the token's user id")
	})

	t.Run("missing header", func(t *testing.T) {
		rec := do("", "/2.0/42/info/collections")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		rec := do("Basic abc", "/2.0/42/info/collections")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := do("Bearer not.a.token", "/2.0/42/info/collections")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := signer.Mint(42, -time.Hour)
		rec := do("Bearer "+expired, "/2.0/42/info/collections")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("user mismatch", func(t *testing.T) {
		rec := do("Bearer "+token, "/2.0/43/info/collections")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("non-numeric user id", func(t *testing.T) {
		rec := do("Bearer "+token, "/2.0/abc/info/collections")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := auth.NewSigner("another-secret-value").Mint(42, time.Hour)
		rec := do("Bearer "+other, "/2.0/42/info/collections")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestUserIDWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.Zero(t, UserID(req.Context()))
}
