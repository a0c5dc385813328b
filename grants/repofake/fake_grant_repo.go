package grantrepofake

import (
	"context"
	"sync"

	"github.com/jrsteele09/authflow/grants"
)

var _ grants.Repo = (*FakeGrantRepo)(nil)

type FakeGrantRepo struct {
	grants map[string]*grants.Grant
	lock   sync.RWMutex
}

func NewFakeGrantRepo() *FakeGrantRepo {
	return &FakeGrantRepo{grants: make(map[string]*grants.Grant)}
}

func key(tenantID, userID, clientID string) string {
	return tenantID + "/" + userID + "/" + clientID
}

func (r *FakeGrantRepo) Get(_ context.Context, tenantID, userID, clientID string) (*grants.Grant, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	g, ok := r.grants[key(tenantID, userID, clientID)]
	if !ok {
		return nil, grants.ErrGrantNotFound
	}
	c := *g
	c.Scope = append([]string(nil), g.Scope...)
	return &c, nil
}

func (r *FakeGrantRepo) Save(_ context.Context, g *grants.Grant) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	k := key(g.TenantID, g.UserID, g.ClientID)
	if prev, ok := r.grants[k]; ok {
		g.ID = prev.ID
		g.CreatedAt = prev.CreatedAt
		g.Scope = grants.Union(prev.Scope, g.Scope)
	}
	c := *g
	c.Scope = append([]string(nil), g.Scope...)
	r.grants[k] = &c
	return nil
}
