package auth

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/users"
)

// LoginView is what the login page shows.
type LoginView struct {
	TenantName string
	LoginHint  string
	Lang       string
	Providers  []providers.Config
}

type LoginRequest struct {
	Email    string
	Password string
}

// LoginScreen prepares the login page for the request in progress.
func (s *Service) LoginScreen(ctx context.Context, tenant *tenants.Tenant, cookies Cookies) (*LoginView, *oauthmodel.Error) {
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return nil, s.internalError("LoginScreen", err)
	}
	ls, oerr, err := s.loginSession(ctx, b, tenant, cookies.LoginSession)
	if err != nil {
		return nil, s.internalError("LoginScreen", err)
	}
	if oerr != nil {
		return nil, oerr
	}
	hint := ls.LoginHint
	if hint == "" {
		hint = cookies.LoginHint
	}
	return &LoginView{
		TenantName: tenant.Name,
		LoginHint:  hint,
		Lang:       ls.Lang,
		Providers:  s.repos.Providers.Configs(tenant.ID),
	}, nil
}

// Login verifies a password against the tenant's users. Unknown emails and
// wrong passwords are indistinguishable in both response and timing.
func (s *Service) Login(ctx context.Context, tenant *tenants.Tenant, req LoginRequest, cookies Cookies) *Outcome {
	return s.record(s.login(ctx, tenant, req, cookies))
}

func (s *Service) login(ctx context.Context, tenant *tenants.Tenant, req LoginRequest, cookies Cookies) *Outcome {
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return s.serverError("Login", err)
	}
	ls, oerr, err := s.loginSession(ctx, b, tenant, cookies.LoginSession)
	if err != nil {
		return s.serverError("Login", err)
	}
	if oerr != nil {
		return directError(StateRejected, oerr)
	}

	user, ok, err := s.checkPassword(ctx, tenant, req)
	if err != nil {
		return s.serverError("Login", err)
	}
	s.metrics.LoginAttempt("password", ok)
	if !ok {
		return directError(StateNeedsLogin, oauthmodel.NewError(oauthmodel.ErrCodeBadCredentials, "email or password is incorrect"))
	}
	if !user.IsActive() {
		return directError(StateNeedsLogin, oauthmodel.NewError(oauthmodel.ErrCodeInactiveUser, "user is inactive"))
	}

	out, st := s.signIn(ctx, b, tenant, user, cookies)
	if st == nil {
		return out
	}
	return s.routeAuthenticated(ctx, b, tenant, ls, st, out)
}

func (s *Service) checkPassword(ctx context.Context, tenant *tenants.Tenant, req LoginRequest) (*users.User, bool, error) {
	hasher, err := s.hasherFor(tenant)
	if err != nil {
		return nil, false, err
	}
	user, err := s.repos.Users.GetByEmail(ctx, tenant.ID, users.NormalizeEmail(req.Email))
	if errors.Is(err, users.ErrUserNotFound) {
		hasher.Verify(req.Password, s.dummyHash(tenant, hasher))
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !user.HasPassword() {
		hasher.Verify(req.Password, s.dummyHash(tenant, hasher))
		return nil, false, nil
	}
	return user, hasher.Verify(req.Password, user.PasswordHash), nil
}

// signIn replaces the browser's session token with one for user. A nil
// SessionToken means the returned outcome is a failure.
func (s *Service) signIn(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, user *users.User, cookies Cookies) (*Outcome, *sessions.SessionToken) {
	raw, st, err := s.repos.Sessions.ReplaceSessionToken(ctx, b, tenant.ID, user.ID, sessions.ACRInteractive, cookies.SessionToken)
	if err != nil {
		return s.serverError("signIn", err), nil
	}
	s.logger.Info().Str("tenant", tenant.ID).Str("user", user.ID).Msg("user signed in")
	out := &Outcome{}
	out.setCookie(CookieSessionToken, raw, tenant.CookiePath(), st.ExpiresAt)
	out.setCookie(CookieLoginHint, user.Email, tenant.CookiePath(), st.ExpiresAt)
	return out, st
}

// Logout ends the browser session on tenant.
func (s *Service) Logout(ctx context.Context, tenant *tenants.Tenant, cookies Cookies) *Outcome {
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return s.serverError("Logout", err)
	}
	if err := s.repos.Sessions.DeleteSessionToken(ctx, b, cookies.SessionToken); err != nil {
		return s.serverError("Logout", err)
	}
	out := &Outcome{State: StateStart, Location: s.tenantPath(tenant, "/login")}
	if len(tenant.DefaultRedirectURIs) > 0 {
		out.Location = tenant.DefaultRedirectURIs[0]
	}
	out.clearCookie(CookieSessionToken, tenant.CookiePath())
	return out
}
