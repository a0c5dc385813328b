package tenants

import (
	"context"
	"errors"

	"github.com/jrsteele09/authflow/token/keys"
)

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrNoSigningKey   = errors.New("tenant has no signing key")
)

// Directory resolves tenants and their key material. Reads must be side-effect free.
type Directory interface {
	Get(ctx context.Context, tenantID string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Default(ctx context.Context) (*Tenant, error)
	List(ctx context.Context) ([]*Tenant, error)
	SigningKey(ctx context.Context, tenantID string) (keys.Signer, error)
}
