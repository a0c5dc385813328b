package tenantrepofakes

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/token/keys"
)

var _ tenants.Directory = (*FakeTenantRepo)(nil)

type FakeTenantRepo struct {
	tenants map[string]*tenants.Tenant
	signers map[string]keys.Signer
	lock    sync.RWMutex
}

func NewFakeTenantRepo() *FakeTenantRepo {
	return &FakeTenantRepo{
		tenants: make(map[string]*tenants.Tenant),
		signers: make(map[string]keys.Signer),
	}
}

func (tr *FakeTenantRepo) Upsert(tenantData *tenants.Tenant, keyPair *keys.KeyPair) {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	if tenantData.ID == "" {
		tenantData.ID = uuid.New().String()
	}
	if tenantData.Slug == "" {
		tenantData.Slug = tenantData.ID
	}
	tr.tenants[tenantData.ID] = tenantData
	if keyPair != nil {
		tr.signers[tenantData.ID] = keys.NewKeyPairSigner(keyPair)
	}
}

func (tr *FakeTenantRepo) Get(_ context.Context, tenantID string) (*tenants.Tenant, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()
	t, ok := tr.tenants[tenantID]
	if !ok {
		return nil, tenants.ErrTenantNotFound
	}
	return t, nil
}

func (tr *FakeTenantRepo) GetBySlug(_ context.Context, slug string) (*tenants.Tenant, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()
	for _, t := range tr.tenants {
		if t.Slug == slug {
			return t, nil
		}
	}
	return nil, tenants.ErrTenantNotFound
}

func (tr *FakeTenantRepo) Default(_ context.Context) (*tenants.Tenant, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()
	for _, t := range tr.tenants {
		if t.Default {
			return t, nil
		}
	}
	return nil, tenants.ErrTenantNotFound
}

func (tr *FakeTenantRepo) List(_ context.Context) ([]*tenants.Tenant, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()

	out := make([]*tenants.Tenant, 0, len(tr.tenants))
	for _, t := range tr.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tr *FakeTenantRepo) SigningKey(_ context.Context, tenantID string) (keys.Signer, error) {
	tr.lock.RLock()
	defer tr.lock.RUnlock()
	s, ok := tr.signers[tenantID]
	if !ok {
		return nil, tenants.ErrNoSigningKey
	}
	return s, nil
}
