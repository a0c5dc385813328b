package fakeuserrepo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jrsteele09/authflow/users"
)

var _ users.OAuthAccountRepo = (*FakeOAuthAccountRepo)(nil)

type FakeOAuthAccountRepo struct {
	accounts   map[string]*users.OAuthAccount
	providerID map[string]string // tenant/provider/account to id
	lock       sync.RWMutex
}

func NewFakeOAuthAccountRepo() *FakeOAuthAccountRepo {
	return &FakeOAuthAccountRepo{
		accounts:   make(map[string]*users.OAuthAccount),
		providerID: make(map[string]string),
	}
}

func accountKey(tenantID, providerID, accountID string) string {
	return tenantID + "/" + providerID + "/" + accountID
}

func (r *FakeOAuthAccountRepo) Upsert(_ context.Context, account *users.OAuthAccount) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	key := accountKey(account.TenantID, account.ProviderID, account.AccountID)
	if id, ok := r.providerID[key]; ok {
		account.ID = id
		if account.UserID == "" {
			account.UserID = r.accounts[id].UserID
		}
		account.CreatedAt = r.accounts[id].CreatedAt
	}
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	c := *account
	r.accounts[account.ID] = &c
	r.providerID[key] = account.ID
	return nil
}

func (r *FakeOAuthAccountRepo) GetByID(_ context.Context, tenantID, id string) (*users.OAuthAccount, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	a, ok := r.accounts[id]
	if !ok || a.TenantID != tenantID {
		return nil, users.ErrOAuthAccountNotFound
	}
	c := *a
	return &c, nil
}

func (r *FakeOAuthAccountRepo) GetByProviderAccount(_ context.Context, tenantID, providerID, accountID string) (*users.OAuthAccount, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	id, ok := r.providerID[accountKey(tenantID, providerID, accountID)]
	if !ok {
		return nil, users.ErrOAuthAccountNotFound
	}
	c := *r.accounts[id]
	return &c, nil
}

func (r *FakeOAuthAccountRepo) Link(_ context.Context, tenantID, id, userID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	a, ok := r.accounts[id]
	if !ok || a.TenantID != tenantID {
		return users.ErrOAuthAccountNotFound
	}
	a.UserID = userID
	return nil
}
