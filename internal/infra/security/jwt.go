package security

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	uuid "github.com/google/uuid"
)

// ErrKeyIDMissing indicates no kid is associated with the supplied key.
var ErrKeyIDMissing = errors.New("jwt: missing key identifier")

// ErrKeyNotRegistered indicates a supplied kid is unknown to the JWT manager.
var ErrKeyNotRegistered = errors.New("jwt: key not registered")

// ErrInvalidOwnerToken indicates the bearer token failed signature or claim validation.
var ErrInvalidOwnerToken = errors.New("jwt: invalid owner token")

// JWTManager verifies owner bearer tokens issued by the identity service and signs development tokens.
type JWTManager struct {
	KeyProvider KeyProvider
	issuer      string
	audience    string
	leeway      time.Duration
	mu          sync.RWMutex
	publicKeys  map[string]*rsa.PublicKey
}

// JWTManagerOptions constrains which tokens are accepted.
type JWTManagerOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// NewJWTManager constructs a JWTManager for the supplied key provider.
func NewJWTManager(provider KeyProvider, opts JWTManagerOptions) *JWTManager {
	mgr := &JWTManager{
		KeyProvider: provider,
		issuer:      strings.TrimSpace(opts.Issuer),
		audience:    strings.TrimSpace(opts.Audience),
		leeway:      opts.Leeway,
		publicKeys:  make(map[string]*rsa.PublicKey),
	}

	if enumerator, ok := provider.(interface {
		ListVerificationKeys() map[string]*rsa.PublicKey
	}); ok {
		for kid, key := range enumerator.ListVerificationKeys() {
			_ = mgr.RegisterPublicKey(kid, key)
		}
	}

	return mgr
}

// RegisterPublicKey associates a kid with a public key for future lookup.
func (m *JWTManager) RegisterPublicKey(kid string, key *rsa.PublicKey) error {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return ErrKeyIDMissing
	}
	if key == nil {
		return fmt.Errorf("jwt: public key for %s is nil", kid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.publicKeys[kid] = key
	return nil
}

// GetVerificationKey retrieves a public key by kid.
func (m *JWTManager) GetVerificationKey(kid string) (*rsa.PublicKey, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return nil, ErrKeyIDMissing
	}

	m.mu.RLock()
	key, ok := m.publicKeys[kid]
	m.mu.RUnlock()
	if ok {
		return key, nil
	}

	if m.KeyProvider != nil {
		fetched, err := m.KeyProvider.GetVerificationKey(kid)
		if err == nil {
			_ = m.RegisterPublicKey(kid, fetched)
			return fetched, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrKeyNotRegistered, kid)
}

// OwnerTokenClaims are the claims carried by the desktop user's access token.
type OwnerTokenClaims struct {
	UserID    string   `json:"uid"`
	SessionID string   `json:"sid,omitempty"`
	Scopes    []string `json:"scp,omitempty"`
	jwt.RegisteredClaims
}

// ParseOwnerToken validates an RS256 token and returns its claims.
func (m *JWTManager) ParseOwnerToken(raw string) (*OwnerTokenClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidOwnerToken
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
	}
	if m.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(m.audience))
	}

	claims := &OwnerTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return m.GetVerificationKey(kid)
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOwnerToken, err)
	}

	if strings.TrimSpace(claims.UserID) == "" {
		claims.UserID = strings.TrimSpace(claims.Subject)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidOwnerToken)
	}

	return claims, nil
}

// OwnerTokenOptions configures a development owner token.
type OwnerTokenOptions struct {
	UserID   string
	Scopes   []string
	Issuer   string
	Audience []string
	TTL      time.Duration
	IssuedAt time.Time
}

const defaultOwnerTokenTTL = 15 * time.Minute

// SignOwnerToken mints an owner token with the active signing key.
func (m *JWTManager) SignOwnerToken(kid string, opts OwnerTokenOptions) (string, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return "", ErrKeyIDMissing
	}
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return "", fmt.Errorf("jwt: user id is required")
	}
	if m.KeyProvider == nil {
		return "", fmt.Errorf("jwt: key provider not configured")
	}

	now := opts.IssuedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultOwnerTokenTTL
	}

	claims := &OwnerTokenClaims{
		UserID: userID,
		Scopes: normalizeScopes(opts.Scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    strings.TrimSpace(opts.Issuer),
			Audience:  opts.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signingKey, err := m.KeyProvider.GetSigningKey()
	if err != nil {
		return "", fmt.Errorf("jwt: get signing key: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}

	return signed, nil
}

func normalizeScopes(input []string) []string {
	if len(input) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(input))
	result := make([]string, 0, len(input))
	for _, scope := range input {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if _, exists := seen[scope]; exists {
			continue
		}
		seen[scope] = struct{}{}
		result = append(result, scope)
	}

	if len(result) == 0 {
		return nil
	}

	return result
}
