package security

import (
	"context"

	"github.com/arklim/social-platform-verification/internal/core/port"
)

// JWTOwnerAuthenticator adapts JWTManager to port.OwnerAuthenticator.
type JWTOwnerAuthenticator struct {
	manager *JWTManager
}

// NewJWTOwnerAuthenticator wraps the manager.
func NewJWTOwnerAuthenticator(manager *JWTManager) *JWTOwnerAuthenticator {
	return &JWTOwnerAuthenticator{manager: manager}
}

// Authenticate validates the bearer token and returns the owner identity.
func (a *JWTOwnerAuthenticator) Authenticate(_ context.Context, bearer string) (*port.OwnerIdentity, error) {
	if a == nil || a.manager == nil {
		return nil, ErrInvalidOwnerToken
	}
	claims, err := a.manager.ParseOwnerToken(bearer)
	if err != nil {
		return nil, err
	}
	return &port.OwnerIdentity{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		Scopes:    claims.Scopes,
	}, nil
}

var _ port.OwnerAuthenticator = (*JWTOwnerAuthenticator)(nil)
