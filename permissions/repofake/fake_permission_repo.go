package permissionrepofake

import (
	"context"
	"sort"
	"sync"

	"github.com/jrsteele09/authflow/permissions"
)

var _ permissions.Repo = (*FakePermissionRepo)(nil)

type tenantData struct {
	rolePerms map[string]map[string]bool                  // role -> permissions
	userRoles map[string]map[string]bool                  // user -> roles
	userPerms map[string]map[permissions.UserPermission]bool // user -> rows
}

// FakePermissionRepo keeps the RBAC graph in memory. Tx runs fn under the lock
// against a journal-free view, so a failing fn leaves partial writes.
type FakePermissionRepo struct {
	tenants map[string]*tenantData
	lock    sync.Mutex
}

func NewFakePermissionRepo() *FakePermissionRepo {
	return &FakePermissionRepo{tenants: make(map[string]*tenantData)}
}

func (r *FakePermissionRepo) tenant(id string) *tenantData {
	t, ok := r.tenants[id]
	if !ok {
		t = &tenantData{
			rolePerms: make(map[string]map[string]bool),
			userRoles: make(map[string]map[string]bool),
			userPerms: make(map[string]map[permissions.UserPermission]bool),
		}
		r.tenants[id] = t
	}
	return t
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type unlocked struct {
	*FakePermissionRepo
}

func (r *FakePermissionRepo) Tx(ctx context.Context, fn func(permissions.Repo) error) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return fn(unlocked{r})
}

func (u unlocked) Tx(ctx context.Context, fn func(permissions.Repo) error) error {
	return fn(u)
}

func (r *FakePermissionRepo) UserPermissions(ctx context.Context, tenantID, userID string) ([]permissions.UserPermission, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.UserPermissions(ctx, tenantID, userID)
}

func (r *FakePermissionRepo) UserRoles(ctx context.Context, tenantID, userID string) ([]string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.UserRoles(ctx, tenantID, userID)
}

func (r *FakePermissionRepo) RoleMembers(ctx context.Context, tenantID, roleID string) ([]string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.RoleMembers(ctx, tenantID, roleID)
}

func (r *FakePermissionRepo) RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.RolePermissions(ctx, tenantID, roleID)
}

func (r *FakePermissionRepo) SetRolePermissions(ctx context.Context, tenantID, roleID string, perms []string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.SetRolePermissions(ctx, tenantID, roleID, perms)
}

func (r *FakePermissionRepo) AddUserRole(ctx context.Context, tenantID, userID, roleID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.AddUserRole(ctx, tenantID, userID, roleID)
}

func (r *FakePermissionRepo) RemoveUserRole(ctx context.Context, tenantID, userID, roleID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.RemoveUserRole(ctx, tenantID, userID, roleID)
}

func (r *FakePermissionRepo) AddUserPermissions(ctx context.Context, tenantID string, rows []permissions.UserPermission) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.AddUserPermissions(ctx, tenantID, rows)
}

func (r *FakePermissionRepo) RemoveUserPermissions(ctx context.Context, tenantID string, rows []permissions.UserPermission) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return unlocked{r}.RemoveUserPermissions(ctx, tenantID, rows)
}

func (u unlocked) UserPermissions(_ context.Context, tenantID, userID string) ([]permissions.UserPermission, error) {
	rows := u.tenant(tenantID).userPerms[userID]
	out := make([]permissions.UserPermission, 0, len(rows))
	for row := range rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Permission != out[j].Permission {
			return out[i].Permission < out[j].Permission
		}
		return out[i].FromRole < out[j].FromRole
	})
	return out, nil
}

func (u unlocked) UserRoles(_ context.Context, tenantID, userID string) ([]string, error) {
	return keys(u.tenant(tenantID).userRoles[userID]), nil
}

func (u unlocked) RoleMembers(_ context.Context, tenantID, roleID string) ([]string, error) {
	var out []string
	for user, roles := range u.tenant(tenantID).userRoles {
		if roles[roleID] {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (u unlocked) RolePermissions(_ context.Context, tenantID, roleID string) ([]string, error) {
	return keys(u.tenant(tenantID).rolePerms[roleID]), nil
}

func (u unlocked) SetRolePermissions(_ context.Context, tenantID, roleID string, perms []string) error {
	set := make(map[string]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	u.tenant(tenantID).rolePerms[roleID] = set
	return nil
}

func (u unlocked) AddUserRole(_ context.Context, tenantID, userID, roleID string) error {
	t := u.tenant(tenantID)
	if t.userRoles[userID] == nil {
		t.userRoles[userID] = make(map[string]bool)
	}
	t.userRoles[userID][roleID] = true
	return nil
}

func (u unlocked) RemoveUserRole(_ context.Context, tenantID, userID, roleID string) error {
	delete(u.tenant(tenantID).userRoles[userID], roleID)
	return nil
}

func (u unlocked) AddUserPermissions(_ context.Context, tenantID string, rows []permissions.UserPermission) error {
	t := u.tenant(tenantID)
	for _, row := range rows {
		if t.userPerms[row.UserID] == nil {
			t.userPerms[row.UserID] = make(map[permissions.UserPermission]bool)
		}
		t.userPerms[row.UserID][row] = true
	}
	return nil
}

func (u unlocked) RemoveUserPermissions(_ context.Context, tenantID string, rows []permissions.UserPermission) error {
	t := u.tenant(tenantID)
	for _, row := range rows {
		delete(t.userPerms[row.UserID], row)
	}
	return nil
}
