// Package pgrepo stores the RBAC graph in Postgres.
package pgrepo

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/internal/pgdb"
	"github.com/jrsteele09/authflow/permissions"
)

type Repo struct {
	pool *pgxpool.Pool
	q    pgdb.Querier
}

var _ permissions.Repo = (*Repo)(nil)

func New(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool, q: pool}
}

func (r *Repo) Tx(ctx context.Context, fn func(permissions.Repo) error) error {
	if r.pool == nil {
		return fn(r)
	}
	return pgdb.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&Repo{q: tx})
	})
}

func (r *Repo) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := r.q.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) UserPermissions(ctx context.Context, tenantID, userID string) ([]permissions.UserPermission, error) {
	rows, err := r.q.Query(ctx, `
		SELECT user_id, permission, from_role FROM rbac_user_permissions
		WHERE tenant_id = $1 AND user_id = $2 ORDER BY permission, from_role`, tenantID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "[permissions.pgrepo.UserPermissions]")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (permissions.UserPermission, error) {
		var p permissions.UserPermission
		err := row.Scan(&p.UserID, &p.Permission, &p.FromRole)
		return p, err
	})
	return out, errors.Wrap(err, "[permissions.pgrepo.UserPermissions]")
}

func (r *Repo) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	out, err := r.strings(ctx, `SELECT role_id FROM rbac_user_roles WHERE tenant_id = $1 AND user_id = $2 ORDER BY role_id`, tenantID, userID)
	return out, errors.Wrap(err, "[permissions.pgrepo.UserRoles]")
}

func (r *Repo) RoleMembers(ctx context.Context, tenantID, roleID string) ([]string, error) {
	out, err := r.strings(ctx, `SELECT user_id FROM rbac_user_roles WHERE tenant_id = $1 AND role_id = $2 ORDER BY user_id`, tenantID, roleID)
	return out, errors.Wrap(err, "[permissions.pgrepo.RoleMembers]")
}

func (r *Repo) RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error) {
	out, err := r.strings(ctx, `SELECT permission FROM rbac_role_permissions WHERE tenant_id = $1 AND role_id = $2 ORDER BY permission`, tenantID, roleID)
	return out, errors.Wrap(err, "[permissions.pgrepo.RolePermissions]")
}

func (r *Repo) SetRolePermissions(ctx context.Context, tenantID, roleID string, perms []string) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM rbac_role_permissions WHERE tenant_id = $1 AND role_id = $2`, tenantID, roleID); err != nil {
		return errors.Wrap(err, "[permissions.pgrepo.SetRolePermissions] clear")
	}
	if len(perms) == 0 {
		return nil
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO rbac_role_permissions (tenant_id, role_id, permission)
		SELECT $1, $2, unnest($3::text[]) ON CONFLICT DO NOTHING`, tenantID, roleID, perms)
	return errors.Wrap(err, "[permissions.pgrepo.SetRolePermissions]")
}

func (r *Repo) AddUserRole(ctx context.Context, tenantID, userID, roleID string) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO rbac_user_roles (tenant_id, user_id, role_id) VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, tenantID, userID, roleID)
	return errors.Wrap(err, "[permissions.pgrepo.AddUserRole]")
}

func (r *Repo) RemoveUserRole(ctx context.Context, tenantID, userID, roleID string) error {
	_, err := r.q.Exec(ctx, `DELETE FROM rbac_user_roles WHERE tenant_id = $1 AND user_id = $2 AND role_id = $3`, tenantID, userID, roleID)
	return errors.Wrap(err, "[permissions.pgrepo.RemoveUserRole]")
}

func (r *Repo) AddUserPermissions(ctx context.Context, tenantID string, rows []permissions.UserPermission) error {
	for _, row := range rows {
		_, err := r.q.Exec(ctx, `
			INSERT INTO rbac_user_permissions (tenant_id, user_id, permission, from_role) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, tenantID, row.UserID, row.Permission, row.FromRole)
		if err != nil {
			return errors.Wrap(err, "[permissions.pgrepo.AddUserPermissions]")
		}
	}
	return nil
}

func (r *Repo) RemoveUserPermissions(ctx context.Context, tenantID string, rows []permissions.UserPermission) error {
	for _, row := range rows {
		_, err := r.q.Exec(ctx, `
			DELETE FROM rbac_user_permissions
			WHERE tenant_id = $1 AND user_id = $2 AND permission = $3 AND from_role = $4`,
			tenantID, row.UserID, row.Permission, row.FromRole)
		if err != nil {
			return errors.Wrap(err, "[permissions.pgrepo.RemoveUserPermissions]")
		}
	}
	return nil
}
