package auth

import (
	"context"

	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/tenants"
)

// ConsentView is what the consent page shows.
type ConsentView struct {
	TenantName        string
	ClientID          string
	ClientDescription string
	Scope             []string
	NewScope          []string // not covered by an earlier grant
}

type ConsentRequest struct {
	Allow bool
}

// consentContext resolves the request and session a consent decision applies to.
func (s *Service) consentContext(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, cookies Cookies) (*sessions.LoginSession, *sessions.SessionToken, *oauthmodel.Error, error) {
	ls, oerr, err := s.loginSession(ctx, b, tenant, cookies.LoginSession)
	if err != nil || oerr != nil {
		return nil, nil, oerr, err
	}
	st, err := s.sessionToken(ctx, b, tenant, cookies.SessionToken)
	if err != nil {
		return nil, nil, nil, err
	}
	if !authorizedFor(st, ls, s.nowTime()) {
		return ls, nil, oauthmodel.NewError(oauthmodel.ErrCodeLoginRequired, "sign in before granting access"), nil
	}
	return ls, st, nil, nil
}

// ConsentScreen lists the scopes the client asks for.
func (s *Service) ConsentScreen(ctx context.Context, tenant *tenants.Tenant, cookies Cookies) (*ConsentView, *oauthmodel.Error) {
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return nil, s.internalError("ConsentScreen", err)
	}
	ls, st, oerr, err := s.consentContext(ctx, b, tenant, cookies)
	if err != nil {
		return nil, s.internalError("ConsentScreen", err)
	}
	if oerr != nil {
		return nil, oerr
	}
	client, err := s.repos.Clients.Get(ctx, ls.ClientID)
	if err != nil {
		return nil, s.internalError("ConsentScreen", err)
	}
	grant, err := s.repos.Grants.Find(ctx, tenant.ID, st.UserID, client.ID)
	if err != nil {
		return nil, s.internalError("ConsentScreen", err)
	}
	view := &ConsentView{
		TenantName:        tenant.Name,
		ClientID:          client.ID,
		ClientDescription: client.Description,
		Scope:             ls.Scope,
	}
	for _, sc := range ls.Scope {
		if !grant.Covers([]string{sc}) {
			view.NewScope = append(view.NewScope, sc)
		}
	}
	return view, nil
}

// Consent records the user's decision. Allowing extends the grant and issues a
// code; denying sends access_denied to the client. Either way the request ends.
func (s *Service) Consent(ctx context.Context, tenant *tenants.Tenant, req ConsentRequest, cookies Cookies) *Outcome {
	return s.record(s.consent(ctx, tenant, req, cookies))
}

func (s *Service) consent(ctx context.Context, tenant *tenants.Tenant, req ConsentRequest, cookies Cookies) *Outcome {
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return s.serverError("Consent", err)
	}
	ls, st, oerr, err := s.consentContext(ctx, b, tenant, cookies)
	if err != nil {
		return s.serverError("Consent", err)
	}
	if oerr != nil {
		if ls != nil {
			return &Outcome{State: StateNeedsLogin, Location: s.tenantPath(tenant, "/login"), Err: oerr}
		}
		return directError(StateRejected, oerr)
	}

	if !req.Allow {
		err := s.repos.Sessions.ConsumeLoginSession(ctx, b, ls)
		if errors.Is(err, storage.ErrNotFound) {
			rejected := directError(StateRejected, oauthmodel.NewError(oauthmodel.ErrCodeInvalidSession, "the authorization request expired or was already completed"))
			rejected.clearCookie(CookieLoginSession, tenant.CookiePath())
			return rejected
		}
		if err != nil {
			return s.serverError("Consent", err)
		}
		out := clientError(StateDenied, ls.RedirectURI, oauthmodel.ResponseModeType(ls.ResponseMode), ls.State,
			oauthmodel.NewError(oauthmodel.ErrCodeAccessDenied, "the user denied access"))
		out.clearCookie(CookieLoginSession, tenant.CookiePath())
		return out
	}

	user, err := s.repos.Users.GetByID(ctx, tenant.ID, st.UserID)
	if err != nil {
		return s.serverError("Consent", err)
	}
	if !user.IsActive() {
		return directError(StateRejected, oauthmodel.NewError(oauthmodel.ErrCodeInactiveUser, "user is inactive"))
	}
	if tenant.RequireEmailVerification && !user.EmailVerified {
		return &Outcome{State: StateNeedsEmailVerification, Location: s.tenantPath(tenant, "/verify-request")}
	}

	// the grant is only extended once the code is in the same transaction
	return s.issueCode(ctx, b, tenant, ls, st, &Outcome{}, func(ctx context.Context) error {
		grant, err := s.repos.Grants.GetOrCreate(ctx, tenant.ID, user.ID, ls.ClientID)
		if err != nil {
			return err
		}
		return s.repos.Grants.Extend(ctx, grant, ls.Scope)
	})
}
