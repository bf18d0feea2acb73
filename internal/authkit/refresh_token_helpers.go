package authkit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// DigestRefreshToken returns the persisted form of a refresh token.
func DigestRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// refreshDigestMatches compares an incoming token against the persisted digest in constant time.
// An empty persisted digest never matches.
func refreshDigestMatches(token string, persistedDigest string) bool {
	if persistedDigest == "" {
		return false
	}
	incoming := DigestRefreshToken(token)
	return subtle.ConstantTimeCompare([]byte(incoming), []byte(persistedDigest)) == 1
}

var newIdentifier = func() (string, error) {
	identifier, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("identifier.random: %w", err)
	}
	return identifier.String(), nil
}
