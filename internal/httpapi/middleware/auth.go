// Package middleware provides HTTP middleware for authenticating storage
// requests.
//
// Purpose:
//
//	Every storage and info route lives under /2.0/{userID}. This middleware
//	validates the HMAC bearer token and enforces that the token's user id
//	matches the path, so a valid token for one user cannot touch another
//	user's data.
//
// Error Handling:
//   - Missing or malformed Authorization header returns 401
//   - Invalid or expired token returns 401
//   - Token/path user mismatch returns 403
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/auth"
)

type contextKey string

// userIDKey is the context key for the authenticated user id.
const userIDKey contextKey = "auth.user_id"

// RequireUser validates the bearer token and binds it to the {userID} path
// parameter.
func RequireUser(signer *auth.Signer, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}

			tokenUser, err := signer.Verify(parts[1])
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					http.Error(w, "expired token", http.StatusUnauthorized)
					return
				}
				logger.Debug().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			pathUser, err := strconv.ParseUint(chi.URLParam(r, "userID"), 10, 64)
			if err != nil {
				http.Error(w, "invalid user id", http.StatusBadRequest)
				return
			}
			if pathUser != tokenUser {
				http.Error(w, "token does not match user", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), userIDKey, tokenUser)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the authenticated user id from the request context.
// Returns zero when RequireUser did not run, which handlers treat as a
// programming error.
func UserID(ctx context.Context) uint64 {
	id, _ := ctx.Value(userIDKey).(uint64)
	return id
}
