package permissions

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Resolver struct {
	repo       Repo
	propagator Propagator
	logger     zerolog.Logger
}

type ResolverOption func(*Resolver)

func WithPropagator(p Propagator) ResolverOption {
	return func(r *Resolver) {
		r.propagator = p
	}
}

func WithLogger(l zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = l
	}
}

func NewResolver(repo Repo, options ...ResolverOption) (*Resolver, error) {
	if repo == nil {
		return nil, errors.New("[NewResolver] permissions repo is required")
	}
	r := &Resolver{repo: repo, logger: zerolog.Nop()}
	for _, opt := range options {
		opt(r)
	}
	return r, nil
}

// Effective is the sorted union of the user's permission rows and the
// permissions of every role the user holds.
func (r *Resolver) Effective(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := r.repo.UserPermissions(ctx, tenantID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "[Resolver.Effective] user permissions")
	}
	set := make([]string, 0, len(rows))
	for _, row := range rows {
		set = append(set, row.Permission)
	}

	roles, err := r.repo.UserRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "[Resolver.Effective] user roles")
	}
	for _, role := range roles {
		perms, err := r.repo.RolePermissions(ctx, tenantID, role)
		if err != nil {
			return nil, errors.Wrapf(err, "[Resolver.Effective] role %s", role)
		}
		set = append(set, perms...)
	}
	return normalize(set), nil
}

// UpdateRolePermissions replaces a role's permission set, materialises the
// from_role rows of its members and reports the diff to the propagator.
func (r *Resolver) UpdateRolePermissions(ctx context.Context, tenantID, roleID string, next []string) (RoleChange, error) {
	change := RoleChange{TenantID: tenantID, RoleID: roleID}
	err := r.repo.Tx(ctx, func(repo Repo) error {
		prior, err := repo.RolePermissions(ctx, tenantID, roleID)
		if err != nil {
			return err
		}
		change.Added, change.Removed = Diff(prior, next)
		if change.Empty() {
			return nil
		}
		if err := repo.SetRolePermissions(ctx, tenantID, roleID, normalize(next)); err != nil {
			return err
		}
		members, err := repo.RoleMembers(ctx, tenantID, roleID)
		if err != nil {
			return err
		}
		change.Users = members
		if err := repo.AddUserPermissions(ctx, tenantID, roleRows(members, change.Added, roleID)); err != nil {
			return err
		}
		return repo.RemoveUserPermissions(ctx, tenantID, roleRows(members, change.Removed, roleID))
	})
	if err != nil {
		return RoleChange{}, errors.Wrap(err, "[Resolver.UpdateRolePermissions]")
	}
	r.propagate(ctx, change)
	return change, nil
}

// AssignRole adds the user to a role and materialises the role's permissions.
func (r *Resolver) AssignRole(ctx context.Context, tenantID, userID, roleID string) error {
	err := r.repo.Tx(ctx, func(repo Repo) error {
		perms, err := repo.RolePermissions(ctx, tenantID, roleID)
		if err != nil {
			return err
		}
		if err := repo.AddUserRole(ctx, tenantID, userID, roleID); err != nil {
			return err
		}
		return repo.AddUserPermissions(ctx, tenantID, roleRows([]string{userID}, perms, roleID))
	})
	return errors.Wrap(err, "[Resolver.AssignRole]")
}

// RevokeRole removes the user from a role together with the rows it materialised.
func (r *Resolver) RevokeRole(ctx context.Context, tenantID, userID, roleID string) error {
	err := r.repo.Tx(ctx, func(repo Repo) error {
		perms, err := repo.RolePermissions(ctx, tenantID, roleID)
		if err != nil {
			return err
		}
		if err := repo.RemoveUserRole(ctx, tenantID, userID, roleID); err != nil {
			return err
		}
		return repo.RemoveUserPermissions(ctx, tenantID, roleRows([]string{userID}, perms, roleID))
	})
	return errors.Wrap(err, "[Resolver.RevokeRole]")
}

func (r *Resolver) propagate(ctx context.Context, change RoleChange) {
	if r.propagator == nil || change.Empty() {
		return
	}
	if err := r.propagator.RolePermissionsChanged(ctx, change); err != nil {
		// the role update is already committed
		r.logger.Err(err).Str("tenant_id", change.TenantID).Str("role_id", change.RoleID).Msg("role change propagation failed")
	}
}

func roleRows(users, perms []string, roleID string) []UserPermission {
	rows := make([]UserPermission, 0, len(users)*len(perms))
	for _, u := range users {
		for _, p := range perms {
			rows = append(rows, UserPermission{UserID: u, Permission: p, FromRole: roleID})
		}
	}
	return rows
}
