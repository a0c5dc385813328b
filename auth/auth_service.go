package auth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/authflow/clients"
	"github.com/jrsteele09/authflow/grants"
	"github.com/jrsteele09/authflow/internal/metrics"
	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/token"
	"github.com/jrsteele09/authflow/users"
)

// ProviderSource resolves upstream identity providers for a tenant.
type ProviderSource interface {
	Get(ctx context.Context, tenantID, providerID string) (providers.Provider, error)
	Configs(tenantID string) []providers.Config
}

// Repos holds all repository dependencies for the Service
type Repos struct {
	Storage       storage.Driver         // Tenant-scoped session, code and token storage
	Sessions      *sessions.Store        // Login, registration and OAuth sessions plus session tokens
	Grants        *grants.Store          // Consent grants
	Users         users.Repo             // Repository for user data
	OAuthAccounts users.OAuthAccountRepo // Upstream provider identities
	Clients       clients.Registry       // OAuth2 clients
	Tenants       tenants.Directory      // Tenants and their signing keys
	Providers     ProviderSource         // Upstream identity providers
}

// Hooks are called after successful flow steps. Hook errors are logged and never fail the flow.
type Hooks struct {
	OnAfterRegister func(ctx context.Context, tenant *tenants.Tenant, user *users.User) error
}

// Service is the authorization flow engine. It carries an authorization request
// through login, registration, federated login and consent to an authorization code.
type Service struct {
	repos          Repos
	issuer         *token.Issuer
	baseURL        string
	nowTime        func() time.Time
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	hooks          Hooks
	passwordHasher users.PasswordHasher // overrides the tenant's algorithm when set
	dummyHashes    sync.Map             // algorithm -> hash verified for unknown emails
}

// ServiceOption defines a function type to modify the Service instance.
type ServiceOption func(*Service)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) ServiceOption {
	return func(s *Service) {
		s.nowTime = nowFunc
	}
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithHooks(h Hooks) ServiceOption {
	return func(s *Service) {
		s.hooks = h
	}
}

// WithPasswordHasher uses h for every tenant instead of the tenant's configured algorithm.
func WithPasswordHasher(h users.PasswordHasher) ServiceOption {
	return func(s *Service) {
		s.passwordHasher = h
	}
}

// NewService initializes the engine with required dependencies. baseURL is the
// externally visible origin used for provider callback URLs.
func NewService(repos Repos, issuer *token.Issuer, baseURL string, options ...ServiceOption) (*Service, error) {
	if repos.Storage == nil {
		return nil, errors.New("[NewService] Storage driver is required")
	}
	if repos.Sessions == nil {
		return nil, errors.New("[NewService] Sessions store is required")
	}
	if repos.Grants == nil {
		return nil, errors.New("[NewService] Grants store is required")
	}
	if repos.Users == nil {
		return nil, errors.New("[NewService] Users repo is required")
	}
	if repos.OAuthAccounts == nil {
		return nil, errors.New("[NewService] OAuthAccounts repo is required")
	}
	if repos.Clients == nil {
		return nil, errors.New("[NewService] Clients registry is required")
	}
	if repos.Tenants == nil {
		return nil, errors.New("[NewService] Tenants directory is required")
	}
	if repos.Providers == nil {
		return nil, errors.New("[NewService] Providers source is required")
	}
	if issuer == nil {
		return nil, errors.New("[NewService] token issuer is required")
	}

	s := &Service{
		repos:   repos,
		issuer:  issuer,
		baseURL: baseURL,
		nowTime: time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Token handles the OAuth 2.0 token request.
func (s *Service) Token(ctx context.Context, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
	return s.issuer.Exchange(ctx, req)
}

func (s *Service) backend(ctx context.Context, tenantID string) (storage.Backend, error) {
	b, err := s.repos.Storage.Tenant(ctx, tenantID)
	return b, errors.Wrap(err, "[Service] tenant storage")
}

func (s *Service) hasherFor(tenant *tenants.Tenant) (users.PasswordHasher, error) {
	if s.passwordHasher != nil {
		return s.passwordHasher, nil
	}
	return users.NewPasswordHasher(tenant.PasswordAlgorithm)
}

// dummyHash returns a hash in the tenant's format so that unknown emails cost
// the same verification work as wrong passwords.
func (s *Service) dummyHash(tenant *tenants.Tenant, h users.PasswordHasher) string {
	key := tenant.PasswordAlgorithm
	if v, ok := s.dummyHashes.Load(key); ok {
		return v.(string)
	}
	hash, err := h.Hash("authflow-dummy-password")
	if err != nil {
		return ""
	}
	v, _ := s.dummyHashes.LoadOrStore(key, hash)
	return v.(string)
}

func (s *Service) internalError(op string, err error) *oauthmodel.Error {
	s.logger.Error().Err(err).Str("op", op).Msg("authorization flow failed")
	return oauthmodel.NewError(oauthmodel.ErrCodeServerError, "internal error")
}

func (s *Service) serverError(op string, err error) *Outcome {
	return directError(StateRejected, s.internalError(op, err))
}

func (s *Service) record(out *Outcome) *Outcome {
	s.metrics.AuthorizeOutcome(string(out.State))
	return out
}

func (s *Service) tenantPath(tenant *tenants.Tenant, path string) string {
	return tenant.PathPrefix() + path
}
