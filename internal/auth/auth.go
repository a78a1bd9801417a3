// Package auth resolves bearer credentials to users and answers ability
// checks. The ability engine itself is external; the core consumes it through
// the Authorizer interface.
package auth

import (
	"context"
	"errors"
	"fmt"

	"collabsession/internal/store"
)

var (
	ErrUnauthenticated = errors.New("missing or invalid credential")
	ErrSuspended       = errors.New("account suspended")
)

const (
	ActionRead   = "read"
	ActionUpdate = "update"
)

// Resolver turns a bearer credential into a user.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (*store.User, error)
}

// Authorizer is the external ability engine: canPerform(user, action,
// resource). user may be nil for anonymous connections.
type Authorizer interface {
	CanPerform(ctx context.Context, user *store.User, action string, d *store.Document) bool
}

type userGetter interface {
	Get(ctx context.Context, id uint64) (*store.User, error)
}

// JWTResolver validates an HS256 access token and loads the user record.
type JWTResolver struct {
	secret []byte
	users  userGetter
}

func NewJWTResolver(secret []byte, users userGetter) *JWTResolver {
	return &JWTResolver{secret: secret, users: users}
}

func (r *JWTResolver) Resolve(ctx context.Context, credential string) (*store.User, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := ParseToken(r.secret, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Type != "" && claims.Type != "access" {
		return nil, fmt.Errorf("%w: access token required", ErrUnauthenticated)
	}
	user, err := r.users.Get(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
		}
		return nil, err
	}
	if user.Suspended() {
		return nil, ErrSuspended
	}
	return user, nil
}

// TeamAuthorizer is the built-in ability engine: team members can read team
// documents, published documents are readable by anyone, and viewers cannot
// update.
type TeamAuthorizer struct{}

func (TeamAuthorizer) CanPerform(_ context.Context, user *store.User, action string, d *store.Document) bool {
	if d == nil {
		return false
	}
	switch action {
	case ActionRead:
		if d.Published() {
			return true
		}
		return user != nil && user.TeamID == d.TeamID
	case ActionUpdate:
		return user != nil && user.TeamID == d.TeamID && user.Role != "viewer"
	default:
		return false
	}
}
