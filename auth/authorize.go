package auth

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/clients"
	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/token"
	"github.com/jrsteele09/authflow/users"
)

// Authorize validates an authorization request, stores it as a LoginSession and
// routes the browser to login, registration, consent or straight back to the
// client with a code.
func (s *Service) Authorize(ctx context.Context, params *oauthmodel.AuthorizationParameters, cookies Cookies) *Outcome {
	return s.record(s.authorize(ctx, params, cookies))
}

func (s *Service) authorize(ctx context.Context, params *oauthmodel.AuthorizationParameters, cookies Cookies) *Outcome {
	client, err := s.repos.Clients.Get(ctx, params.ClientID)
	if errors.Is(err, clients.ErrClientNotFound) || params.ClientID == "" {
		oerr := oauthmodel.NewError(oauthmodel.ErrCodeInvalidClient, "unknown client_id")
		oerr.Status = http.StatusBadRequest
		return directError(StateRejected, oerr)
	}
	if err != nil {
		return s.serverError("Authorize", err)
	}
	tenant, err := s.repos.Tenants.Get(ctx, client.TenantID)
	if err != nil {
		return s.serverError("Authorize", err)
	}

	redirectURI, ok := resolveRedirectURI(client, tenant, params.RedirectURI)
	if !ok {
		return directError(StateRejected, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRedirectURI, "redirect_uri is not registered for this client"))
	}

	req, oerr := params.Validate(client.IsPublic(), client.HasScope)
	if oerr != nil {
		return clientError(StateRejected, redirectURI, params.ErrorResponseMode(), params.State, oerr)
	}

	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return s.serverError("Authorize", err)
	}
	st, err := s.sessionToken(ctx, b, tenant, cookies.SessionToken)
	if err != nil {
		return s.serverError("Authorize", err)
	}

	if (req.Prompt == oauthmodel.PromptNone || req.Prompt == oauthmodel.PromptConsent) && st == nil {
		return clientError(StateDenied, redirectURI, req.ResponseMode, params.State,
			oauthmodel.NewError(oauthmodel.ErrCodeLoginRequired, "no authenticated session"))
	}

	ls := &sessions.LoginSession{
		TenantID:            tenant.ID,
		ClientID:            client.ID,
		ResponseType:        string(req.ResponseType),
		ResponseMode:        string(req.ResponseMode),
		RedirectURI:         redirectURI,
		Scope:               req.Scope,
		State:               params.State,
		Nonce:               params.Nonce,
		ACRValues:           req.ACRValues,
		CodeChallenge:       params.CodeChallenge,
		CodeChallengeMethod: string(req.CodeChallengeMethod),
		LoginHint:           params.LoginHint,
		Lang:                params.Lang,
		MaxAge:              req.MaxAge,
		Prompt:              string(req.Prompt),
	}

	now := s.nowTime()
	if req.Prompt == oauthmodel.PromptNone && !usableSession(st, ls, now) {
		return clientError(StateDenied, redirectURI, req.ResponseMode, params.State,
			oauthmodel.NewError(oauthmodel.ErrCodeLoginRequired, "authentication does not satisfy the request"))
	}

	raw, err := s.repos.Sessions.CreateLoginSession(ctx, b, ls)
	if err != nil {
		return s.serverError("Authorize", err)
	}
	out := &Outcome{}
	out.setCookie(CookieLoginSession, raw, tenant.CookiePath(), ls.ExpiresAt)

	if !usableSession(st, ls, now) {
		if params.Screen == "register" {
			return s.startRegistration(ctx, b, tenant, ls, out)
		}
		out.State = StateNeedsLogin
		out.Location = s.tenantPath(tenant, "/login")
		return out
	}
	return s.routeAuthenticated(ctx, b, tenant, ls, st, out)
}

// sessionToken resolves the browser's session token; a missing, expired or
// foreign token is treated as no session.
func (s *Service) sessionToken(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, raw string) (*sessions.SessionToken, error) {
	st, err := s.repos.Sessions.SessionToken(ctx, b, raw)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if st.TenantID != tenant.ID {
		return nil, nil
	}
	return st, nil
}

func (s *Service) startRegistration(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, ls *sessions.LoginSession, out *Outcome) *Outcome {
	rs := &sessions.RegistrationSession{
		TenantID:       tenant.ID,
		Flow:           sessions.FlowPassword,
		Email:          users.NormalizeEmail(ls.LoginHint),
		LoginSessionID: ls.ID,
	}
	raw, err := s.repos.Sessions.CreateRegistrationSession(ctx, b, rs)
	if err != nil {
		return s.serverError("startRegistration", err)
	}
	out.setCookie(CookieRegistrationSession, raw, tenant.CookiePath(), rs.ExpiresAt)
	out.State = StateNeedsRegistration
	out.Location = s.tenantPath(tenant, "/register")
	return out
}

// routeAuthenticated continues ls once st identifies the user: email
// verification, then consent or an immediate code.
func (s *Service) routeAuthenticated(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, ls *sessions.LoginSession, st *sessions.SessionToken, out *Outcome) *Outcome {
	user, err := s.repos.Users.GetByID(ctx, tenant.ID, st.UserID)
	if errors.Is(err, users.ErrUserNotFound) {
		out.State = StateNeedsLogin
		out.Location = s.tenantPath(tenant, "/login")
		return out
	}
	if err != nil {
		return s.serverError("routeAuthenticated", err)
	}
	if !user.IsActive() {
		out.State = StateRejected
		out.Err = oauthmodel.NewError(oauthmodel.ErrCodeInactiveUser, "user is inactive")
		return out
	}
	if tenant.RequireEmailVerification && !user.EmailVerified {
		out.State = StateNeedsEmailVerification
		out.Location = s.tenantPath(tenant, "/verify-request")
		return out
	}

	client, err := s.repos.Clients.Get(ctx, ls.ClientID)
	if err != nil {
		return s.serverError("routeAuthenticated", err)
	}
	if oauthmodel.Prompt(ls.Prompt) == oauthmodel.PromptConsent {
		return s.needsConsent(tenant, out)
	}
	grant, err := s.repos.Grants.Find(ctx, tenant.ID, user.ID, client.ID)
	if err != nil {
		return s.serverError("routeAuthenticated", err)
	}
	if client.FirstParty || grant.Covers(ls.Scope) {
		return s.issueCode(ctx, b, tenant, ls, st, out, nil)
	}
	if oauthmodel.Prompt(ls.Prompt) == oauthmodel.PromptNone {
		if err := s.repos.Sessions.DeleteLoginSession(ctx, b, ls.ID); err != nil {
			return s.serverError("routeAuthenticated", err)
		}
		denied := clientError(StateDenied, ls.RedirectURI, oauthmodel.ResponseModeType(ls.ResponseMode), ls.State,
			oauthmodel.NewError(oauthmodel.ErrCodeConsentRequired, "the user has not consented to this client"))
		denied.clearCookie(CookieLoginSession, tenant.CookiePath())
		return denied
	}
	return s.needsConsent(tenant, out)
}

func (s *Service) needsConsent(tenant *tenants.Tenant, out *Outcome) *Outcome {
	out.State = StateNeedsConsent
	out.Location = s.tenantPath(tenant, "/consent")
	return out
}

var errLoginSessionConsumed = errors.New("login session already consumed")

// issueCode finishes ls: the LoginSession is consumed and the code stored in one
// transaction, and hybrid tokens are minted before it commits. A concurrent
// request that loses the race for ls gets invalid_session. beforeCommit, when
// set, runs last inside the transaction.
func (s *Service) issueCode(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, ls *sessions.LoginSession, st *sessions.SessionToken, out *Outcome, beforeCommit func(ctx context.Context) error) *Outcome {
	params := url.Values{}
	err := b.Tx(ctx, func(tx storage.Backend) error {
		err := s.repos.Sessions.ConsumeLoginSession(ctx, tx, ls)
		if errors.Is(err, storage.ErrNotFound) {
			return errLoginSessionConsumed
		}
		if err != nil {
			return err
		}
		raw, ac, err := s.issuer.IssueCode(ctx, tx, token.CodeRequest{
			TenantID:            tenant.ID,
			UserID:              st.UserID,
			ClientID:            ls.ClientID,
			Scope:               ls.Scope,
			RedirectURI:         ls.RedirectURI,
			Nonce:               ls.Nonce,
			ACR:                 ls.AchievedACR(st),
			CodeChallenge:       ls.CodeChallenge,
			CodeChallengeMethod: ls.CodeChallengeMethod,
			AuthenticatedAt:     st.AuthenticatedAt,
		})
		if err != nil {
			return err
		}
		params.Set("code", raw)
		if ls.IsHybrid() {
			hybrid, err := s.issuer.MintHybrid(ctx, ac, ls.WantsAccessToken(), ls.WantsIDToken())
			if err != nil {
				return err
			}
			if hybrid.AccessToken != "" {
				params.Set("access_token", hybrid.AccessToken)
				params.Set("token_type", oauthmodel.TokenTypeBearer)
				params.Set("expires_in", strconv.Itoa(hybrid.ExpiresIn))
			}
			if hybrid.IDToken != "" {
				params.Set("id_token", hybrid.IDToken)
			}
		}
		if beforeCommit != nil {
			return beforeCommit(ctx)
		}
		return nil
	})
	if errors.Is(err, errLoginSessionConsumed) || errors.Is(err, storage.ErrConflict) {
		rejected := directError(StateRejected, oauthmodel.NewError(oauthmodel.ErrCodeInvalidSession, "the authorization request expired or was already completed"))
		rejected.clearCookie(CookieLoginSession, tenant.CookiePath())
		return rejected
	}
	if err != nil {
		return s.serverError("issueCode", err)
	}
	if ls.State != "" {
		params.Set("state", ls.State)
	}
	s.logger.Info().Str("tenant", tenant.ID).Str("client", ls.ClientID).Str("user", st.UserID).Msg("authorization code issued")

	out.State = StateCodeIssued
	out.Location = ls.RedirectURI
	out.ResponseMode = oauthmodel.ResponseModeType(ls.ResponseMode)
	out.Params = params
	out.clearCookie(CookieLoginSession, tenant.CookiePath())
	return out
}

// loginSession resolves the LoginSession cookie for tenant.
func (s *Service) loginSession(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, raw string) (*sessions.LoginSession, *oauthmodel.Error, error) {
	if raw == "" {
		return nil, oauthmodel.NewError(oauthmodel.ErrCodeMissingSession, "no authorization request in progress"), nil
	}
	ls, err := s.repos.Sessions.LoginSession(ctx, b, raw)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && ls.TenantID != tenant.ID) {
		return nil, oauthmodel.NewError(oauthmodel.ErrCodeInvalidSession, "the authorization request expired or was already completed"), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return ls, nil, nil
}

// landing finishes a flow that has no authorization request, sending the
// browser to the tenant's first default redirect URI.
func (s *Service) landing(tenant *tenants.Tenant, out *Outcome) *Outcome {
	if len(tenant.DefaultRedirectURIs) == 0 {
		out.State = StateRejected
		out.Err = oauthmodel.NewError(oauthmodel.ErrCodeMissingSession, "no authorization request in progress")
		return out
	}
	out.State = StateStart
	out.Location = tenant.DefaultRedirectURIs[0]
	return out
}
