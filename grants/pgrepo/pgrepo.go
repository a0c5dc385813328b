// Package pgrepo stores grants in Postgres. Saves merge scope arrays in SQL so
// concurrent consents never lose a scope.
package pgrepo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/grants"
	"github.com/jrsteele09/authflow/internal/pgdb"
)

type Repo struct {
	q pgdb.Querier
}

var _ grants.Repo = (*Repo)(nil)

func New(q pgdb.Querier) *Repo {
	return &Repo{q: q}
}

func (r *Repo) Get(ctx context.Context, tenantID, userID, clientID string) (*grants.Grant, error) {
	var g grants.Grant
	err := r.q.QueryRow(ctx, `
		SELECT id, tenant_id, user_id, client_id, scope, created_at, updated_at
		FROM grants WHERE tenant_id = $1 AND user_id = $2 AND client_id = $3`,
		tenantID, userID, clientID,
	).Scan(&g.ID, &g.TenantID, &g.UserID, &g.ClientID, &g.Scope, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, grants.ErrGrantNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "[grants.pgrepo.Get]")
	}
	return &g, nil
}

func (r *Repo) Save(ctx context.Context, g *grants.Grant) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
		g.UpdatedAt = g.CreatedAt
	}
	scope := g.Scope
	if scope == nil {
		scope = []string{}
	}
	err := r.q.QueryRow(ctx, `
		INSERT INTO grants (id, tenant_id, user_id, client_id, scope, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, user_id, client_id) DO UPDATE SET
			scope = grants.scope || ARRAY(SELECT s FROM unnest(EXCLUDED.scope) s WHERE s <> ALL(grants.scope)),
			updated_at = EXCLUDED.updated_at
		RETURNING id, scope, created_at`,
		g.ID, g.TenantID, g.UserID, g.ClientID, scope, g.CreatedAt, g.UpdatedAt,
	).Scan(&g.ID, &g.Scope, &g.CreatedAt)
	return errors.Wrap(err, "[grants.pgrepo.Save]")
}
