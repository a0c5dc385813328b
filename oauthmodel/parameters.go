package oauthmodel

import (
	"net/url"
	"strconv"
	"strings"
)

// AuthorizationParameters holds parameters for the OAuth2 authorization request.
// These are received as query parameters at the /authorize endpoint.
type AuthorizationParameters struct {
	// ClientID identifies the application requesting authorization.
	// Validated against: clients.Registry; unknown ids are rejected without redirect
	ClientID string

	// ResponseType as sent; see ParseResponseType for the accepted forms.
	ResponseType string

	// RedirectURI is where the authorization response will be sent.
	// Security: Must match a registered URI (loopback ports excepted) to prevent open redirects
	RedirectURI string

	// ResponseMode controls how the response is returned (query/fragment/form_post).
	// Default: query for "code", fragment for hybrid types
	ResponseMode string

	// Scope specifies the permissions being requested. Must include "openid".
	// Example: "openid email offline_access"
	Scope string

	// State is echoed back unchanged on every redirect to the client.
	State string

	// Nonce is copied into the ID token. Required for hybrid response types.
	Nonce string

	// Prompt: none, login, consent or select_account
	Prompt string

	// CodeChallenge is the PKCE challenge derived from code_verifier.
	// Required: Yes for public clients, optional for confidential
	CodeChallenge string

	// CodeChallengeMethod: S256 or plain; plain when omitted
	CodeChallengeMethod string

	// Screen selects the first interactive screen; "register" opens signup instead of login.
	Screen string

	// LoginHint pre-fills the email on the login page. Used for UI only.
	LoginHint string

	// Lang is the preferred UI language.
	Lang string

	// MaxAge in seconds; older authentications force a new login.
	MaxAge string

	// ACRValues lists requested authentication context classes, most preferred first.
	ACRValues string

	// Request is a request object (JAR). Never supported.
	Request string
}

// ParseAuthorizationParameters reads the query of an authorization request.
func ParseAuthorizationParameters(q url.Values) *AuthorizationParameters {
	request := q.Get("request")
	if request == "" {
		request = q.Get("request_uri")
	}
	return &AuthorizationParameters{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseMode:        q.Get("response_mode"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		Prompt:              q.Get("prompt"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Screen:              q.Get("screen"),
		LoginHint:           q.Get("login_hint"),
		Lang:                q.Get("lang"),
		MaxAge:              q.Get("max_age"),
		ACRValues:           q.Get("acr_values"),
		Request:             request,
	}
}

// ErrorResponseMode is the mode used to deliver an error for these parameters:
// the requested mode when valid, else the response type's default.
func (p *AuthorizationParameters) ErrorResponseMode() ResponseModeType {
	if m := ResponseModeType(p.ResponseMode); m.Valid() {
		return m
	}
	rt, _ := ParseResponseType(p.ResponseType)
	return rt.DefaultResponseMode()
}

// ValidatedRequest is the normalised form of a request that passed Validate.
type ValidatedRequest struct {
	ResponseType        ResponseType
	ResponseMode        ResponseModeType
	Scope               []string
	Prompt              Prompt
	CodeChallengeMethod CodeMethodType
	MaxAge              *int
	ACRValues           []string
}

// Validate checks everything after client and redirect resolution, in order:
// response type, scope, nonce, request objects, then prompt, PKCE, response
// mode and max_age. allowedScope reports whether the client may request a scope.
func (p *AuthorizationParameters) Validate(publicClient bool, allowedScope func(string) bool) (*ValidatedRequest, *Error) {
	rt, ok := ParseResponseType(p.ResponseType)
	if !ok {
		return nil, Errorf(ErrCodeInvalidRequest, "unsupported response_type %q", p.ResponseType)
	}

	scope := ParseScope(p.Scope)
	if len(scope) == 0 {
		return nil, NewError(ErrCodeInvalidRequest, "scope is required")
	}
	if !HasScope(scope, ScopeOpenID) {
		return nil, NewError(ErrCodeInvalidScope, "scope must include openid")
	}
	for _, s := range scope {
		if allowedScope != nil && !allowedScope(s) {
			return nil, Errorf(ErrCodeInvalidScope, "scope %q is not allowed for this client", s)
		}
	}

	if rt.IsHybrid() && p.Nonce == "" {
		return nil, NewError(ErrCodeInvalidRequest, "nonce is required for hybrid response types")
	}

	if p.Request != "" {
		return nil, NewError(ErrCodeRequestNotSupported, "request objects are not supported")
	}

	v := &ValidatedRequest{ResponseType: rt, Scope: scope, ACRValues: strings.Fields(p.ACRValues)}

	switch prompt := Prompt(p.Prompt); prompt {
	case "", PromptNone, PromptLogin, PromptConsent:
		v.Prompt = prompt
	case PromptSelectAccount:
	default:
		return nil, Errorf(ErrCodeInvalidRequest, "unsupported prompt %q", p.Prompt)
	}

	switch method := CodeMethodType(p.CodeChallengeMethod); {
	case p.CodeChallenge == "" && method != "":
		return nil, NewError(ErrCodeInvalidRequest, "code_challenge_method without code_challenge")
	case p.CodeChallenge == "":
	case method == "":
		v.CodeChallengeMethod = CodeMethodTypePlain
	case method == CodeMethodTypeS256 || method == CodeMethodTypePlain:
		v.CodeChallengeMethod = method
	default:
		return nil, Errorf(ErrCodeInvalidRequest, "unsupported code_challenge_method %q", p.CodeChallengeMethod)
	}
	if p.CodeChallenge != "" && (len(p.CodeChallenge) < 43 || len(p.CodeChallenge) > 128) {
		return nil, NewError(ErrCodeInvalidRequest, "code_challenge must be 43-128 characters")
	}
	if publicClient && p.CodeChallenge == "" {
		return nil, NewError(ErrCodeInvalidRequest, "public clients must use PKCE")
	}

	v.ResponseMode = rt.DefaultResponseMode()
	if p.ResponseMode != "" {
		m := ResponseModeType(p.ResponseMode)
		if !m.Valid() {
			return nil, Errorf(ErrCodeInvalidRequest, "unsupported response_mode %q", p.ResponseMode)
		}
		v.ResponseMode = m
	}

	if p.MaxAge != "" {
		n, err := strconv.Atoi(p.MaxAge)
		if err != nil || n < 0 {
			return nil, NewError(ErrCodeInvalidRequest, "max_age must be a non-negative integer")
		}
		v.MaxAge = &n
	}
	return v, nil
}
