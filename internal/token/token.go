// Package token generates the gateway token used on first run and the PKCE
// material for the OAuth authorization-code flow.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	tokenBytes    = 32
	verifierBytes = 32
)

// randReader is swapped in tests to simulate an unavailable random source.
var randReader io.Reader = rand.Reader

// GenerateSecureToken returns 32 CSPRNG bytes as 64 lowercase hex characters.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// IsValidToken reports whether s has the shape GenerateSecureToken produces.
func IsValidToken(s string) bool {
	if len(s) != tokenBytes*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// PKCE is a verifier/challenge pair for a single authorization attempt.
type PKCE struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE returns a fresh S256 pair. The verifier is base64url without
// padding; the challenge is base64url(SHA-256(verifier)).
func GeneratePKCE() (PKCE, error) {
	buf := make([]byte, verifierBytes)
	if _, err := io.ReadFull(randReader, buf); err != nil {
		return PKCE{}, fmt.Errorf("read random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	return PKCE{Verifier: verifier, Challenge: Challenge(verifier)}, nil
}

// Challenge derives the S256 challenge for verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
