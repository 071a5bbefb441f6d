package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/arklim/social-platform-verification/internal/core/domain"
)

// handoffTokenBytes is the entropy of session ids and handoff tokens (256 bits).
const handoffTokenBytes = 32

// TokenGenerator draws session identifiers and handoff tokens from a secure random source.
type TokenGenerator struct {
	entropy io.Reader
}

// NewTokenGenerator returns a generator backed by crypto/rand.
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{entropy: rand.Reader}
}

// NewTokenGeneratorWithReader uses the supplied entropy source. Tests use it to simulate failures.
func NewTokenGeneratorWithReader(entropy io.Reader) *TokenGenerator {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &TokenGenerator{entropy: entropy}
}

// NewSessionID returns a fresh, URL-safe session identifier.
func (g *TokenGenerator) NewSessionID() (string, error) {
	return g.random()
}

// NewHandoffToken returns a fresh bearer secret for the mobile device.
func (g *TokenGenerator) NewHandoffToken() (string, error) {
	return g.random()
}

func (g *TokenGenerator) random() (string, error) {
	buf := make([]byte, handoffTokenBytes)
	if _, err := io.ReadFull(g.entropy, buf); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEntropySourceUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken calculates a SHA-256 hash of the provided value.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// TokenMatchesHash compares a presented token against a stored hash in constant time.
func TokenMatchesHash(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	return TokensEqual(HashToken(token), storedHash)
}

// TokensEqual compares two secrets without leaking their common prefix length.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
