// Package auth mints and verifies the HMAC-signed bearer tokens that scope a
// request to a numeric user id.
//
// Tokens have the form "<userid>.<expiry>.<signature>" where the signature is
// HMAC-SHA256 over the first two fields. There is no token state on the
// server; possession of a fresh, well-signed token is the credential.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidToken is returned when a token is malformed or its signature
	// does not verify.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrExpiredToken is returned when a well-signed token is past expiry.
	ErrExpiredToken = errors.New("auth: expired token")
)

// Signer mints and verifies tokens with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer from the configured secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

func (s *Signer) sign(payload string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Mint issues a token for userID valid for ttl.
func (s *Signer) Mint(userID uint64, ttl time.Duration) string {
	expiry := s.now().Add(ttl).Unix()
	payload := fmt.Sprintf("%d.%d", userID, expiry)
	return payload + "." + s.sign(payload)
}

// Verify checks the token and returns the user id it is bound to.
func (s *Signer) Verify(token string) (uint64, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}

	payload := parts[0] + "." + parts[1]
	want := s.sign(payload)
	if subtle.ConstantTimeCompare([]byte(want), []byte(parts[2])) != 1 {
		return 0, ErrInvalidToken
	}
	if s.now().Unix() >= expiry {
		return 0, ErrExpiredToken
	}
	return userID, nil
}
