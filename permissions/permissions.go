// Package permissions resolves a user's effective permissions from direct
// grants and role memberships, and computes the change set when a role's
// permissions are edited.
package permissions

import (
	"context"
	"sort"
)

type Permission struct {
	Codename string `json:"codename"`
	Name     string `json:"name"`
}

// UserPermission is direct when FromRole is empty, otherwise materialised from
// a role membership. Rows are unique on (user, permission, from_role).
type UserPermission struct {
	UserID     string `json:"user_id"`
	Permission string `json:"permission"`
	FromRole   string `json:"from_role,omitempty"`
}

func (p UserPermission) IsDirect() bool {
	return p.FromRole == ""
}

// Repo is the tenant-scoped RBAC store.
type Repo interface {
	UserPermissions(ctx context.Context, tenantID, userID string) ([]UserPermission, error)
	UserRoles(ctx context.Context, tenantID, userID string) ([]string, error)
	RoleMembers(ctx context.Context, tenantID, roleID string) ([]string, error)
	RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error)
	SetRolePermissions(ctx context.Context, tenantID, roleID string, permissions []string) error
	AddUserRole(ctx context.Context, tenantID, userID, roleID string) error
	RemoveUserRole(ctx context.Context, tenantID, userID, roleID string) error
	AddUserPermissions(ctx context.Context, tenantID string, rows []UserPermission) error    // existing rows are ignored
	RemoveUserPermissions(ctx context.Context, tenantID string, rows []UserPermission) error // missing rows are ignored
	Tx(ctx context.Context, fn func(Repo) error) error
}

// RoleChange is the outcome of editing a role, handed to a Propagator.
type RoleChange struct {
	TenantID string
	RoleID   string
	Added    []string
	Removed  []string
	Users    []string // members whose effective permissions changed
}

func (c RoleChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// Propagator delivers role changes downstream, e.g. as webhooks.
type Propagator interface {
	RolePermissionsChanged(ctx context.Context, change RoleChange) error
}

func normalize(set []string) []string {
	seen := make(map[string]bool, len(set))
	out := make([]string, 0, len(set))
	for _, p := range set {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Diff returns the permissions in next but not prior, and in prior but not next.
func Diff(prior, next []string) (added, removed []string) {
	p, n := make(map[string]bool), make(map[string]bool)
	for _, s := range prior {
		p[s] = true
	}
	for _, s := range next {
		n[s] = true
	}
	added, removed = []string{}, []string{}
	for _, s := range normalize(next) {
		if !p[s] {
			added = append(added, s)
		}
	}
	for _, s := range normalize(prior) {
		if !n[s] {
			removed = append(removed, s)
		}
	}
	return added, removed
}
