package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/users"
)

// RegistrationView is what the registration page shows.
type RegistrationView struct {
	TenantName       string
	Flow             sessions.RegistrationFlow
	Email            string
	EmailLocked      bool // the email came from an upstream provider
	PasswordRequired bool
	Fields           []users.FieldDefinition
}

type RegisterRequest struct {
	Email    string
	Password string
	Fields   map[string]string
}

func (s *Service) registrationSession(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, raw string) (*sessions.RegistrationSession, *oauthmodel.Error, error) {
	if raw == "" {
		return nil, oauthmodel.NewError(oauthmodel.ErrCodeMissingSession, "no registration in progress"), nil
	}
	rs, err := s.repos.Sessions.RegistrationSession(ctx, b, raw)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rs.TenantID != tenant.ID) {
		return nil, oauthmodel.NewError(oauthmodel.ErrCodeInvalidSession, "the registration expired or was already completed"), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return rs, nil, nil
}

// RegistrationScreen prepares the signup page for the registration in progress.
func (s *Service) RegistrationScreen(ctx context.Context, tenant *tenants.Tenant, cookies Cookies) (*RegistrationView, *oauthmodel.Error) {
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return nil, s.internalError("RegistrationScreen", err)
	}
	rs, oerr, err := s.registrationSession(ctx, b, tenant, cookies.RegistrationSession)
	if err != nil {
		return nil, s.internalError("RegistrationScreen", err)
	}
	if oerr != nil {
		return nil, oerr
	}
	return &RegistrationView{
		TenantName:       tenant.Name,
		Flow:             rs.Flow,
		Email:            rs.Email,
		EmailLocked:      rs.Flow == sessions.FlowOAuth && rs.Email != "",
		PasswordRequired: rs.Flow == sessions.FlowPassword,
		Fields:           tenant.UserFields,
	}, nil
}

// Register creates a user from the registration in progress, signs them in and
// continues the authorization request the registration started from.
func (s *Service) Register(ctx context.Context, tenant *tenants.Tenant, req RegisterRequest, cookies Cookies) *Outcome {
	return s.record(s.register(ctx, tenant, req, cookies))
}

func registrationError(code, description string) *Outcome {
	return directError(StateNeedsRegistration, oauthmodel.NewError(code, description))
}

func (s *Service) register(ctx context.Context, tenant *tenants.Tenant, req RegisterRequest, cookies Cookies) *Outcome {
	b, err := s.backend(ctx, tenant.ID)
	if err != nil {
		return s.serverError("Register", err)
	}
	rs, oerr, err := s.registrationSession(ctx, b, tenant, cookies.RegistrationSession)
	if err != nil {
		return s.serverError("Register", err)
	}
	if oerr != nil {
		return directError(StateRejected, oerr)
	}

	var account *users.OAuthAccount
	email := users.NormalizeEmail(req.Email)
	switch rs.Flow {
	case sessions.FlowOAuth:
		account, err = s.repos.OAuthAccounts.GetByID(ctx, tenant.ID, rs.OAuthAccountID)
		if errors.Is(err, users.ErrOAuthAccountNotFound) {
			return directError(StateRejected, oauthmodel.NewError(oauthmodel.ErrCodeInvalidSession, "the provider account is no longer pending"))
		}
		if err != nil {
			return s.serverError("Register", err)
		}
		if account.AccountEmail != "" {
			email = users.NormalizeEmail(account.AccountEmail)
		}
	default:
		if strings.TrimSpace(req.Password) == "" {
			return registrationError(oauthmodel.ErrCodeInvalidRequest, "password is required")
		}
	}
	if email == "" {
		return registrationError(oauthmodel.ErrCodeInvalidRequest, "email is required")
	}
	if req.Password != "" {
		if err := users.ValidatePasswordStrength(req.Password); err != nil {
			return registrationError(oauthmodel.ErrCodeWeakPassword, err.Error())
		}
	}

	if _, err := s.repos.Users.GetByEmail(ctx, tenant.ID, email); err == nil {
		return registrationError(oauthmodel.ErrCodeUserAlreadyExists, "an account with this email already exists")
	} else if !errors.Is(err, users.ErrUserNotFound) {
		return s.serverError("Register", err)
	}

	fields, err := users.BuildFields(tenant.UserFields, req.Fields)
	if err != nil {
		return registrationError(oauthmodel.ErrCodeInvalidField, err.Error())
	}

	user := &users.User{
		ID:            uuid.New().String(),
		TenantID:      tenant.ID,
		Email:         email,
		Active:        true,
		EmailVerified: account != nil && account.AccountEmail != "",
		Fields:        fields,
		CreatedAt:     s.nowTime(),
	}
	if req.Password != "" {
		hasher, err := s.hasherFor(tenant)
		if err != nil {
			return s.serverError("Register", err)
		}
		if user.PasswordHash, err = hasher.Hash(req.Password); err != nil {
			return s.serverError("Register", err)
		}
	}
	if err := s.repos.Users.Create(ctx, user); errors.Is(err, users.ErrUserExists) {
		return registrationError(oauthmodel.ErrCodeUserAlreadyExists, "an account with this email already exists")
	} else if err != nil {
		return s.serverError("Register", err)
	}
	if account != nil {
		if err := s.repos.OAuthAccounts.Link(ctx, tenant.ID, account.ID, user.ID); err != nil {
			return s.serverError("Register", err)
		}
	}
	if err := s.repos.Sessions.DeleteRegistrationSession(ctx, b, rs.ID); err != nil {
		return s.serverError("Register", err)
	}
	s.logger.Info().Str("tenant", tenant.ID).Str("user", user.ID).Str("flow", string(rs.Flow)).Msg("user registered")

	if s.hooks.OnAfterRegister != nil {
		if err := s.hooks.OnAfterRegister(ctx, tenant, user); err != nil {
			s.logger.Warn().Err(err).Str("user", user.ID).Msg("after-register hook failed")
		}
	}

	out, st := s.signIn(ctx, b, tenant, user, cookies)
	if st == nil {
		return out
	}
	out.clearCookie(CookieRegistrationSession, tenant.CookiePath())
	return s.continueFlow(ctx, b, tenant, rs.LoginSessionID, st, out)
}

// continueFlow resumes the authorization request a side flow started from, or
// lands on the tenant default when there was none or it expired.
func (s *Service) continueFlow(ctx context.Context, b storage.Backend, tenant *tenants.Tenant, loginSessionID string, st *sessions.SessionToken, out *Outcome) *Outcome {
	if loginSessionID == "" {
		return s.landing(tenant, out)
	}
	ls, err := s.repos.Sessions.LoginSessionByID(ctx, b, loginSessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.landing(tenant, out)
	}
	if err != nil {
		return s.serverError("continueFlow", err)
	}
	return s.routeAuthenticated(ctx, b, tenant, ls, st, out)
}
