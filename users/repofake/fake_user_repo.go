package fakeuserrepo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jrsteele09/authflow/users"
)

var _ users.Repo = (*FakeUserRepo)(nil)

type FakeUserRepo struct {
	users    map[string]*users.User
	emailIds map[string]string // tenant/email to user id
	lock     sync.RWMutex
}

func NewFakeUserRepo() *FakeUserRepo {
	return &FakeUserRepo{
		users:    make(map[string]*users.User),
		emailIds: make(map[string]string),
	}
}

func emailKey(tenantID, email string) string {
	return tenantID + "/" + users.NormalizeEmail(email)
}

func clone(u *users.User) *users.User {
	c := *u
	if u.Fields != nil {
		c.Fields = make(users.Fields, len(u.Fields))
		for k, v := range u.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

func (ur *FakeUserRepo) Create(_ context.Context, user *users.User) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	key := emailKey(user.TenantID, user.Email)
	if _, ok := ur.emailIds[key]; ok {
		return users.ErrUserExists
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.Email = users.NormalizeEmail(user.Email)
	ur.users[user.ID] = clone(user)
	ur.emailIds[key] = user.ID
	return nil
}

func (ur *FakeUserRepo) Update(_ context.Context, user *users.User) error {
	ur.lock.Lock()
	defer ur.lock.Unlock()

	prev, ok := ur.users[user.ID]
	if !ok || prev.TenantID != user.TenantID {
		return users.ErrUserNotFound
	}
	delete(ur.emailIds, emailKey(prev.TenantID, prev.Email))
	ur.users[user.ID] = clone(user)
	ur.emailIds[emailKey(user.TenantID, user.Email)] = user.ID
	return nil
}

func (ur *FakeUserRepo) GetByEmail(_ context.Context, tenantID, email string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	id, ok := ur.emailIds[emailKey(tenantID, email)]
	if !ok {
		return nil, users.ErrUserNotFound
	}
	return clone(ur.users[id]), nil
}

func (ur *FakeUserRepo) GetByID(_ context.Context, tenantID, id string) (*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	u, ok := ur.users[id]
	if !ok || u.TenantID != tenantID {
		return nil, users.ErrUserNotFound
	}
	return clone(u), nil
}

func (ur *FakeUserRepo) List(_ context.Context, tenantID string, offset, limit int) ([]*users.User, error) {
	ur.lock.RLock()
	defer ur.lock.RUnlock()

	userList := make([]*users.User, 0)
	for _, v := range ur.users {
		if v.TenantID != tenantID {
			continue
		}
		userList = append(userList, clone(v))
	}

	sort.Slice(userList, func(i, j int) bool {
		return userList[i].ID < userList[j].ID
	})

	if offset >= len(userList) {
		return []*users.User{}, nil
	}
	userList = userList[offset:]
	if limit > 0 && limit < len(userList) {
		userList = userList[:limit]
	}
	return userList, nil
}
