package refresh

import (
	"time"

	"github.com/jrsteele09/authflow/storage"
)

// RefreshToken is the server-side record of a refresh token. The client only
// receives the opaque value; this record is keyed by its HMAC and rotated on
// every use.
type RefreshToken struct {
	ID              string    `json:"id"`
	TokenHash       string    `json:"token_hash"`
	TenantID        string    `json:"tenant_id"`
	UserID          string    `json:"user_id"`
	ClientID        string    `json:"client_id"`
	Scope           []string  `json:"scope"`           // originally granted scope
	ACR             string    `json:"acr"`
	AuthenticatedAt time.Time `json:"authenticated_at"` // original login instant, carried through rotation
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (r *RefreshToken) RecordID() string           { return r.ID }
func (r *RefreshToken) RecordTokenHash() string    { return r.TokenHash }
func (r *RefreshToken) RecordExpiresAt() time.Time { return r.ExpiresAt }

type Repo = storage.Repo[*RefreshToken]

func NewRepo(now func() time.Time) Repo {
	return storage.NewRepo[*RefreshToken](storage.KindRefreshToken, nil, now)
}
