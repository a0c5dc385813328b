package oauthmodel

import (
	"sort"
	"strings"
)

// ResponseType represents the OAuth 2.0 response type.
// Determines what is returned from the authorization endpoint.
type ResponseType string

const (
	// CodeResponseType indicates the authorization code flow.
	// Returns an authorization code that must be exchanged for tokens at the token endpoint.
	CodeResponseType ResponseType = "code"

	// The hybrid types return a code plus tokens directly from the authorization endpoint.
	// Example: /authorize?response_type=code%20id_token&nonce=...
	CodeIDTokenResponseType      ResponseType = "code id_token"
	CodeTokenResponseType        ResponseType = "code token"
	CodeIDTokenTokenResponseType ResponseType = "code id_token token"
)

// ParseResponseType accepts the supported response types with their
// space-separated members in any order and returns the canonical form.
func ParseResponseType(raw string) (ResponseType, bool) {
	parts := strings.Fields(raw)
	rank := map[string]int{"code": 0, "id_token": 1, "token": 2}
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		if _, ok := rank[p]; !ok || seen[p] {
			return "", false
		}
		seen[p] = true
	}
	if !seen["code"] {
		return "", false
	}
	sort.Slice(parts, func(i, j int) bool { return rank[parts[i]] < rank[parts[j]] })
	return ResponseType(strings.Join(parts, " ")), true
}

// IsHybrid reports whether tokens accompany the code.
func (rt ResponseType) IsHybrid() bool {
	return rt != CodeResponseType && rt != ""
}

// DefaultResponseMode is query for the plain code flow and fragment for hybrid flows.
func (rt ResponseType) DefaultResponseMode() ResponseModeType {
	if rt.IsHybrid() {
		return FragmentResponseMode
	}
	return QueryResponseMode
}

// ResponseModeType denotes how the authorization response parameters are returned to the client.
// Determines the mechanism used to send the auth code/error back to the redirect_uri.
type ResponseModeType string

const (
	// QueryResponseMode returns parameters in the URL query string.
	// Example: https://client.example.com/callback?code=ABC123&state=xyz
	QueryResponseMode ResponseModeType = "query"

	// FragmentResponseMode returns parameters in the URL fragment (after #).
	// Example: https://client.example.com/callback#code=ABC123&id_token=...
	FragmentResponseMode ResponseModeType = "fragment"

	// FormPostResponseMode returns parameters via HTTP POST with auto-submitting HTML form.
	// Security: Parameters not in URL, safer for browser history
	FormPostResponseMode ResponseModeType = "form_post"
)

func (m ResponseModeType) Valid() bool {
	switch m {
	case QueryResponseMode, FragmentResponseMode, FormPostResponseMode:
		return true
	}
	return false
}

// CodeMethodType represents the PKCE (Proof Key for Code Exchange) challenge method.
// Used to prevent authorization code interception attacks (especially for public clients).
type CodeMethodType string

const (
	// CodeMethodTypeS256: code_challenge = BASE64URL(SHA256(code_verifier))
	CodeMethodTypeS256 CodeMethodType = "S256"

	// CodeMethodTypePlain: code_challenge = code_verifier. Assumed when a challenge has no method.
	CodeMethodTypePlain CodeMethodType = "plain"
)

// GrantType represents the OAuth 2.0 grant type used at the token endpoint.
type GrantType string

const (
	// AuthorizationCodeGrant exchanges an authorization code for tokens.
	// Token request includes: code, client_id, client_secret, redirect_uri, code_verifier (if PKCE)
	AuthorizationCodeGrant GrantType = "authorization_code"

	// RefreshTokenGrant exchanges a refresh token for new tokens.
	// Returns: new access_token, id_token (with openid), and a rotated refresh_token
	RefreshTokenGrant GrantType = "refresh_token"
)

type Prompt string

const (
	PromptNone          Prompt = "none"
	PromptLogin         Prompt = "login"
	PromptConsent       Prompt = "consent"
	PromptSelectAccount Prompt = "select_account" // accepted and ignored
)

const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// ParseScope splits a space-separated scope string, dropping duplicates.
func ParseScope(raw string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0)
	for _, s := range strings.Fields(raw) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func HasScope(scope []string, want string) bool {
	for _, s := range scope {
		if s == want {
			return true
		}
	}
	return false
}

// IsSubset reports whether every member of sub is in set.
func IsSubset(sub, set []string) bool {
	for _, s := range sub {
		if !HasScope(set, s) {
			return false
		}
	}
	return true
}

func JoinScope(scope []string) string {
	return strings.Join(scope, " ")
}
