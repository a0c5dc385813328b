package oauthmodel

import (
	"net/url"
)

// TokenRequest holds parameters for the OAuth2 token request.
// This represents the form body sent to the /token endpoint.
type TokenRequest struct {
	// GrantType is authorization_code or refresh_token.
	GrantType GrantType

	// ClientID identifies the OAuth2 client making the request.
	// Sent in the body (client_secret_post) or in HTTP Basic credentials.
	ClientID string

	// ClientSecret is the secret credential for confidential clients.
	// Security: Never log or expose this value
	ClientSecret string

	// Code is the authorization code received from the authorization endpoint.
	// Usage: Exchanged once for tokens, then becomes invalid
	Code string

	// RedirectURI must equal the redirect_uri of the authorization request exactly.
	RedirectURI string

	// CodeVerifier is the PKCE code verifier that matches the code_challenge.
	// Example: "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	CodeVerifier string

	// RefreshToken is used to obtain new access tokens without re-authentication.
	// Behavior: Rotated - the presented token is invalidated and a new one issued
	RefreshToken string

	// Scope optionally narrows a refresh_token request. Must be a subset of the original.
	Scope string
}

// ParseTokenRequest reads a form-encoded token request. Basic credentials, when
// present, take precedence over body credentials.
func ParseTokenRequest(form url.Values, basicID, basicSecret string, hasBasic bool) TokenRequest {
	req := TokenRequest{
		GrantType:    GrantType(form.Get("grant_type")),
		ClientID:     form.Get("client_id"),
		ClientSecret: form.Get("client_secret"),
		Code:         form.Get("code"),
		RedirectURI:  form.Get("redirect_uri"),
		CodeVerifier: form.Get("code_verifier"),
		RefreshToken: form.Get("refresh_token"),
		Scope:        form.Get("scope"),
	}
	if hasBasic {
		id, err := url.QueryUnescape(basicID)
		if err != nil {
			id = basicID
		}
		secret, err := url.QueryUnescape(basicSecret)
		if err != nil {
			secret = basicSecret
		}
		req.ClientID, req.ClientSecret = id, secret
	}
	return req
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"` // always "bearer"
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

const TokenTypeBearer = "bearer"
