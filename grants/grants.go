// Package grants records which scopes a user has consented to for a client.
// Grants only grow: consent adds scopes by set union and nothing here removes them.
package grants

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
)

var ErrGrantNotFound = errors.New("grant not found")

type Grant struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	Scope     []string  `json:"scope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Covers reports whether every requested scope has been granted.
func (g *Grant) Covers(scope []string) bool {
	if g == nil {
		return false
	}
	granted := make(map[string]bool, len(g.Scope))
	for _, s := range g.Scope {
		granted[s] = true
	}
	for _, s := range scope {
		if !granted[s] {
			return false
		}
	}
	return true
}

// Union returns a followed by the members of b not already in a.
func Union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Repo persists grants, unique per (tenant, user, client). Save must merge
// scope with any stored grant rather than overwrite it.
type Repo interface {
	Get(ctx context.Context, tenantID, userID, clientID string) (*Grant, error)
	Save(ctx context.Context, grant *Grant) error
}

type Store struct {
	repo Repo
	now  func() time.Time
}

func NewStore(repo Repo, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{repo: repo, now: now}
}

// Find returns the stored grant or nil when the user never consented to the client.
func (s *Store) Find(ctx context.Context, tenantID, userID, clientID string) (*Grant, error) {
	g, err := s.repo.Get(ctx, tenantID, userID, clientID)
	if errors.Is(err, ErrGrantNotFound) {
		return nil, nil
	}
	return g, pkgerrors.Wrap(err, "[Store.Find]")
}

func (s *Store) GetOrCreate(ctx context.Context, tenantID, userID, clientID string) (*Grant, error) {
	g, err := s.Find(ctx, tenantID, userID, clientID)
	if err != nil || g != nil {
		return g, err
	}
	now := s.now()
	g = &Grant{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Save(ctx, g); err != nil {
		return nil, pkgerrors.Wrap(err, "[Store.GetOrCreate]")
	}
	return g, nil
}

// Extend adds scope to the grant. Previously granted scopes are kept.
func (s *Store) Extend(ctx context.Context, g *Grant, scope []string) error {
	g.Scope = Union(g.Scope, scope)
	g.UpdatedAt = s.now()
	return pkgerrors.Wrap(s.repo.Save(ctx, g), "[Store.Extend]")
}
