package port

import "context"

// OwnerIdentity is the authenticated desktop caller.
type OwnerIdentity struct {
	UserID    string
	SessionID string
	Scopes    []string
}

// OwnerAuthenticator validates owner bearer credentials.
type OwnerAuthenticator interface {
	Authenticate(ctx context.Context, bearer string) (*OwnerIdentity, error)
}
