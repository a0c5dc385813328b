// Package code defines the one-time authorization code record.
package code

import (
	"time"

	"github.com/jrsteele09/authflow/storage"
)

// AuthorizationCode is redeemed exactly once at the token endpoint. Only the
// HMAC of the code is stored.
type AuthorizationCode struct {
	ID                  string    `json:"id"`
	CodeHash            string    `json:"code_hash"`
	TenantID            string    `json:"tenant_id"`
	UserID              string    `json:"user_id"`
	ClientID            string    `json:"client_id"`
	Scope               []string  `json:"scope"`
	RedirectURI         string    `json:"redirect_uri"`
	Nonce               string    `json:"nonce,omitempty"`
	ACR                 string    `json:"acr"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	AuthenticatedAt     time.Time `json:"authenticated_at"`
	CHash               string    `json:"c_hash"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (c *AuthorizationCode) RecordID() string           { return c.ID }
func (c *AuthorizationCode) RecordTokenHash() string    { return c.CodeHash }
func (c *AuthorizationCode) RecordExpiresAt() time.Time { return c.ExpiresAt }

// HasPKCE reports whether redemption must present a code_verifier.
func (c *AuthorizationCode) HasPKCE() bool {
	return c.CodeChallenge != ""
}

type Repo = storage.Repo[*AuthorizationCode]

func NewRepo(now func() time.Time) Repo {
	return storage.NewRepo[*AuthorizationCode](storage.KindAuthorizationCode, nil, now)
}
