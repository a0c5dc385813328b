package users

import (
	"strings"
	"time"
)

// User is an end user of one tenant. Emails are unique per tenant.
type User struct {
	ID            string    `json:"id,omitempty"`
	TenantID      string    `json:"tenant_id"`
	Email         string    `json:"email,omitempty"`
	PasswordHash  string    `json:"-"` // never serialize
	Active        bool      `json:"active"`
	EmailVerified bool      `json:"email_verified"`
	Fields        Fields    `json:"fields,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

func (u *User) IsActive() bool {
	return u.Active
}

// HasPassword reports whether the user can sign in with a password. Users
// created through a federated signup may not have one.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// NormalizeEmail lowercases and trims an email for lookups and uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ProviderTokens are the upstream provider credentials kept for a linked account.
type ProviderTokens struct {
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// OAuthAccount is an identity at an upstream provider. UserID is empty while a
// federated signup is pending.
type OAuthAccount struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	ProviderID   string         `json:"provider_id"`
	AccountID    string         `json:"account_id"`
	AccountEmail string         `json:"account_email"`
	UserID       string         `json:"user_id,omitempty"`
	Tokens       ProviderTokens `json:"tokens"`
	ExpiresAt    time.Time      `json:"expires_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (a *OAuthAccount) IsLinked() bool {
	return a.UserID != ""
}
