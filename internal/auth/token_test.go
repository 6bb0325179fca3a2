package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	signer := NewSigner("a-very-secret-value")

	token := signer.Mint(42, time.Hour)
	userID, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), userID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token := NewSigner("secret-one-aaaaaa").Mint(42, time.Hour)

	_, err := NewSigner("secret-two-bbbbbb").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	signer := NewSigner("a-very-secret-value")

	for _, token := range []string{
		"",
		"no-dots",
		"1.2",
		"1.2.3.4",
		"notanumber.123.abc",
		"1.notanumber.abc",
	} {
		_, err := signer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := NewSigner("a-very-secret-value")
	token := signer.Mint(42, time.Hour)

	// Swap the user id; the signature no longer matches.
	parts := strings.SplitN(token, ".", 3)
	tampered := "43." + parts[1] + "." + parts[2]
	_, err := signer.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpired(t *testing.T) {
	signer := NewSigner("a-very-secret-value")

	base := time.Now()
	signer.now = func() time.Time { return base }
	token := signer.Mint(42, time.Minute)

	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := signer.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
