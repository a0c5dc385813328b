// Package storage defines the tenant-scoped persistence contract for
// short-lived flow artifacts: sessions, authorization codes and refresh tokens.
//
// Every artifact is addressed by an id and by the hash of its opaque token.
// Backends guarantee that Take is an atomic fetch-and-delete so concurrent
// redemptions of the same artifact have exactly one winner.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Kind names a family of stored artifacts.
type Kind string

const (
	KindLoginSession        Kind = "login_session"
	KindRegistrationSession Kind = "registration_session"
	KindOAuthSession        Kind = "oauth_session"
	KindSessionToken        Kind = "session_token"
	KindAuthorizationCode   Kind = "authorization_code"
	KindRefreshToken        Kind = "refresh_token"
)

// Kinds lists every artifact kind, in purge order.
var Kinds = []Kind{
	KindLoginSession,
	KindRegistrationSession,
	KindOAuthSession,
	KindSessionToken,
	KindAuthorizationCode,
	KindRefreshToken,
}

var (
	// ErrNotFound is returned for missing, expired and already consumed artifacts alike.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by Tx when an artifact taken inside it was
	// consumed or changed by another caller before the commit.
	ErrConflict = errors.New("record changed concurrently")
)

// Entry is the physical form of a stored artifact.
type Entry struct {
	ID        string
	TokenHash string
	ExpiresAt time.Time
	Data      []byte
}

// Backend is one tenant's isolated artifact store.
type Backend interface {
	// Put creates the entry or replaces the entry with the same id.
	Put(ctx context.Context, kind Kind, e Entry) error
	GetByToken(ctx context.Context, kind Kind, tokenHash string) (Entry, error)
	GetByID(ctx context.Context, kind Kind, id string) (Entry, error)
	// Delete removes the entry by id. Deleting a missing entry is not an error.
	Delete(ctx context.Context, kind Kind, id string) error
	// Take atomically fetches and deletes the entry holding tokenHash.
	Take(ctx context.Context, kind Kind, tokenHash string) (Entry, error)
	List(ctx context.Context, kind Kind, offset, limit int) ([]Entry, error)
	// DeleteExpired removes entries whose expiry is before the given instant.
	DeleteExpired(ctx context.Context, kind Kind, before time.Time) (int64, error)
	// Tx runs fn so that its writes and takes are applied together or not at all.
	Tx(ctx context.Context, fn func(tx Backend) error) error
}

// Driver resolves the backend owned by a tenant.
type Driver interface {
	Tenant(ctx context.Context, tenantID string) (Backend, error)
	Close() error
}
