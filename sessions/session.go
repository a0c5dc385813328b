// Package sessions holds the short-lived browser-flow artifacts: login,
// registration and federated OAuth sessions plus the session token that proves
// a user authenticated on a tenant.
package sessions

import (
	"strings"
	"time"
)

// LoginSession stores one in-flight authorization request between /authorize,
// the login/registration screens and consent.
type LoginSession struct {
	ID                  string    `json:"id"`
	TokenHash           string    `json:"token_hash"`
	TenantID            string    `json:"tenant_id"`
	ClientID            string    `json:"client_id"`
	ResponseType        string    `json:"response_type"`
	ResponseMode        string    `json:"response_mode"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               []string  `json:"scope"`
	State               string    `json:"state,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	ACRValues           []string  `json:"acr_values,omitempty"` // requested, most preferred first
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	LoginHint           string    `json:"login_hint,omitempty"`
	Lang                string    `json:"lang,omitempty"`
	MaxAge              *int      `json:"max_age,omitempty"` // seconds
	Prompt              string    `json:"prompt,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

func (s *LoginSession) RecordID() string           { return s.ID }
func (s *LoginSession) RecordTokenHash() string    { return s.TokenHash }
func (s *LoginSession) RecordExpiresAt() time.Time { return s.ExpiresAt }

func (s *LoginSession) responseTypes() map[string]bool {
	set := make(map[string]bool)
	for _, rt := range strings.Fields(s.ResponseType) {
		set[rt] = true
	}
	return set
}

// IsHybrid reports whether tokens are returned from the authorization endpoint alongside the code.
func (s *LoginSession) IsHybrid() bool {
	return s.WantsIDToken() || s.WantsAccessToken()
}

func (s *LoginSession) WantsIDToken() bool {
	return s.responseTypes()["id_token"]
}

func (s *LoginSession) WantsAccessToken() bool {
	return s.responseTypes()["token"]
}

// AchievedACR is the authentication context reached for this request: "1" when
// the user authenticated interactively after the request started, "0" when an
// existing browser session was reused.
func (s *LoginSession) AchievedACR(st *SessionToken) string {
	if st == nil {
		return ACRNone
	}
	if !st.AuthenticatedAt.Before(s.CreatedAt) {
		return ACRInteractive
	}
	return ACRNone
}

const (
	ACRNone        = "0"
	ACRInteractive = "1"
)

type RegistrationFlow string

const (
	FlowPassword RegistrationFlow = "PASSWORD"
	FlowOAuth    RegistrationFlow = "OAUTH"
)

// RegistrationSession is in-progress signup state.
type RegistrationSession struct {
	ID             string           `json:"id"`
	TokenHash      string           `json:"token_hash"`
	TenantID       string           `json:"tenant_id"`
	Flow           RegistrationFlow `json:"flow"`
	Email          string           `json:"email,omitempty"`
	OAuthAccountID string           `json:"oauth_account_id,omitempty"`
	LoginSessionID string           `json:"login_session_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

func (s *RegistrationSession) RecordID() string           { return s.ID }
func (s *RegistrationSession) RecordTokenHash() string    { return s.TokenHash }
func (s *RegistrationSession) RecordExpiresAt() time.Time { return s.ExpiresAt }

// OAuthSession tracks one round trip to an upstream identity provider. Its raw
// token is sent as the provider's state parameter.
type OAuthSession struct {
	ID             string    `json:"id"`
	TokenHash      string    `json:"token_hash"`
	TenantID       string    `json:"tenant_id"`
	ProviderID     string    `json:"provider_id"`
	RedirectURI    string    `json:"redirect_uri"`
	LoginSessionID string    `json:"login_session_id,omitempty"`
	Nonce          string    `json:"nonce,omitempty"`
	CodeVerifier   string    `json:"code_verifier,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s *OAuthSession) RecordID() string           { return s.ID }
func (s *OAuthSession) RecordTokenHash() string    { return s.TokenHash }
func (s *OAuthSession) RecordExpiresAt() time.Time { return s.ExpiresAt }

// SessionToken is the browser credential proving that UserID authenticated on the tenant.
type SessionToken struct {
	ID              string    `json:"id"`
	TokenHash       string    `json:"token_hash"`
	TenantID        string    `json:"tenant_id"`
	UserID          string    `json:"user_id"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	ACR             string    `json:"acr"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (s *SessionToken) RecordID() string           { return s.ID }
func (s *SessionToken) RecordTokenHash() string    { return s.TokenHash }
func (s *SessionToken) RecordExpiresAt() time.Time { return s.ExpiresAt }

// SatisfiesMaxAge reports whether the authentication is recent enough for max_age seconds.
func (s *SessionToken) SatisfiesMaxAge(maxAge *int, now time.Time) bool {
	if maxAge == nil {
		return true
	}
	return now.Sub(s.AuthenticatedAt) <= time.Duration(*maxAge)*time.Second
}

// SatisfiesACR reports whether the session's ACR meets the first requested value.
// Values compare as ordinals; unknown requests are ignored.
func (s *SessionToken) SatisfiesACR(requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	switch requested[0] {
	case ACRNone, ACRInteractive:
		return s.ACR >= requested[0]
	}
	return true
}
