package auth

import (
	"context"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/token"
	"github.com/jrsteele09/authflow/users"
)

// CallbackParams are the query parameters an upstream provider returns with.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

func (s *Service) callbackURL(tenant *tenants.Tenant) string {
	return strings.TrimRight(s.baseURL, "/") + s.tenantPath(tenant, "/oauth/callback")
}

// OAuthAuthorize starts a federated login with providerID, bound to the
// authorization request in progress when there is one.
func (s *Service) OAuthAuthorize(ctx context.Context, tenant *tenants.Tenant, providerID string, cookies Cookies) *Outcome {
	return s.record(s.oauthAuthorize(ctx, tenant, providerID, cookies))
}

func (s *Service) oauthAuthorize(ctx context.Context, tenant *tenants.Tenant, providerID string, cookies Cookies) *Outcome {
	provider, err := s.repos.Providers.Get(ctx, tenant.ID, providerID)
	if errors.Is(err, providers.ErrProviderNotFound) {
		return directError(StateRejected, oauthmodel.Errorf(oauthmodel.ErrCodeInvalidRequest, "unknown provider %q", providerID))
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", providerID).Msg("provider unavailable")
		return directError(StateRejected, oauthmodel.NewError(oauthmodel.ErrCodeProviderError, "the identity provider is unavailable"))
	}
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return s.serverError("OAuthAuthorize", err)
	}

	o := &sessions.OAuthSession{
		TenantID:    tenant.ID,
		ProviderID:  providerID,
		RedirectURI: s.callbackURL(tenant),
	}
	if ls, oerr, err := s.loginSession(ctx, b, tenant, cookies.LoginSession); err != nil {
		return s.serverError("OAuthAuthorize", err)
	} else if oerr == nil {
		o.LoginSessionID = ls.ID
	}
	if o.Nonce, err = token.GenerateOpaque(); err != nil {
		return s.serverError("OAuthAuthorize", err)
	}
	if o.CodeVerifier, err = token.GenerateOpaque(); err != nil {
		return s.serverError("OAuthAuthorize", err)
	}
	state, err := s.repos.Sessions.CreateOAuthSession(ctx, b, o)
	if err != nil {
		return s.serverError("OAuthAuthorize", err)
	}
	return &Outcome{
		State: StateNeedsOAuth,
		Location: provider.AuthCodeURL(providers.AuthRequest{
			State:        state,
			Nonce:        o.Nonce,
			CodeVerifier: o.CodeVerifier,
			RedirectURI:  o.RedirectURI,
		}),
	}
}

// OAuthCallback completes a federated login. A linked account signs its user
// in; an unknown account starts an OAUTH registration.
func (s *Service) OAuthCallback(ctx context.Context, tenant *tenants.Tenant, params CallbackParams, cookies Cookies) *Outcome {
	return s.record(s.oauthCallback(ctx, tenant, params, cookies))
}

func (s *Service) oauthCallback(ctx context.Context, tenant *tenants.Tenant, params CallbackParams, cookies Cookies) *Outcome {
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return s.serverError("OAuthCallback", err)
	}
	o, err := s.repos.Sessions.TakeOAuthSession(ctx, b, params.State)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && o.TenantID != tenant.ID) {
		return directError(StateRejected, oauthmodel.NewError(oauthmodel.ErrCodeInvalidSession, "the sign-in attempt expired or was already used"))
	}
	if err != nil {
		return s.serverError("OAuthCallback", err)
	}

	if params.Error != "" {
		s.logger.Info().Str("provider", o.ProviderID).Str("error", params.Error).Msg("provider returned an error")
		return s.backToLogin(tenant)
	}
	provider, err := s.repos.Providers.Get(ctx, tenant.ID, o.ProviderID)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", o.ProviderID).Msg("provider unavailable")
		return s.backToLogin(tenant)
	}
	upstream, err := provider.Exchange(ctx, params.Code, o.CodeVerifier, o.RedirectURI, o.Nonce)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", o.ProviderID).Msg("provider code exchange failed")
		s.metrics.LoginAttempt("oauth", false)
		return s.backToLogin(tenant)
	}

	account, err := s.repos.OAuthAccounts.GetByProviderAccount(ctx, tenant.ID, o.ProviderID, upstream.ID)
	if err != nil && !errors.Is(err, users.ErrOAuthAccountNotFound) {
		return s.serverError("OAuthCallback", err)
	}
	if account == nil {
		account = &users.OAuthAccount{TenantID: tenant.ID, ProviderID: o.ProviderID, AccountID: upstream.ID}
	}
	account.AccountEmail = upstream.Email
	account.Tokens = upstream.Tokens
	account.ExpiresAt = upstream.Tokens.Expiry
	if err := s.repos.OAuthAccounts.Upsert(ctx, account); err != nil {
		return s.serverError("OAuthCallback", err)
	}

	if !account.IsLinked() {
		return s.startOAuthRegistration(ctx, b, tenant, account, o.LoginSessionID)
	}

	user, err := s.repos.Users.GetByID(ctx, tenant.ID, account.UserID)
	if err != nil {
		return s.serverError("OAuthCallback", err)
	}
	s.metrics.LoginAttempt("oauth", user.IsActive())
	if !user.IsActive() {
		return directError(StateRejected, oauthmodel.NewError(oauthmodel.ErrCodeInactiveUser, "user is inactive"))
	}
	out, st := s.signIn(ctx, b, tenant, user, cookies)
	if st == nil {
		return out
	}
	return s.continueFlow(ctx, b, tenant, o.LoginSessionID, st, out)
}

func (s *Service) startOAuthRegistration(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, account *users.OAuthAccount, loginSessionID string) *Outcome {
	rs := &sessions.RegistrationSession{
		TenantID:       tenant.ID,
		Flow:           sessions.FlowOAuth,
		Email:          account.AccountEmail,
		OAuthAccountID: account.ID,
		LoginSessionID: loginSessionID,
	}
	raw, err := s.repos.Sessions.CreateRegistrationSession(ctx, b, rs)
	if err != nil {
		return s.serverError("startOAuthRegistration", err)
	}
	out := &Outcome{State: StateNeedsRegistration, Location: s.tenantPath(tenant, "/register")}
	out.setCookie(CookieRegistrationSession, raw, tenant.CookiePath(), rs.ExpiresAt)
	return out
}

func (s *Service) backToLogin(tenant *tenants.Tenant) *Outcome {
	q := url.Values{"error": {oauthmodel.ErrCodeProviderError}}
	return &Outcome{
		State:    StateNeedsLogin,
		Location: s.tenantPath(tenant, "/login") + "?" + q.Encode(),
		Err:      oauthmodel.NewError(oauthmodel.ErrCodeProviderError, "sign-in with the identity provider failed"),
	}
}
