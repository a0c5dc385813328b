package users

import (
	"context"
	"errors"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrOAuthAccountNotFound = errors.New("oauth account not found")
	ErrWeakPassword         = errors.New("weak password")
	ErrFieldRequired        = errors.New("field is required")
	ErrInvalidField         = errors.New("invalid field value")
)

// Repo stores the users of every tenant. Email lookups are case-insensitive.
type Repo interface {
	Create(ctx context.Context, user *User) error // ErrUserExists on a duplicate email
	Update(ctx context.Context, user *User) error
	GetByID(ctx context.Context, tenantID, id string) (*User, error)
	GetByEmail(ctx context.Context, tenantID, email string) (*User, error)
	List(ctx context.Context, tenantID string, offset, limit int) ([]*User, error)
}

// OAuthAccountRepo stores federated identities. Provider tokens are sealed by
// implementations that persist outside the process.
type OAuthAccountRepo interface {
	Upsert(ctx context.Context, account *OAuthAccount) error // keyed by tenant, provider and account id
	GetByID(ctx context.Context, tenantID, id string) (*OAuthAccount, error)
	GetByProviderAccount(ctx context.Context, tenantID, providerID, accountID string) (*OAuthAccount, error)
	Link(ctx context.Context, tenantID, id, userID string) error
}
