package token

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/authflow/clients"
	"github.com/jrsteele09/authflow/internal/metrics"
	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/token/code"
	"github.com/jrsteele09/authflow/token/jwt"
	"github.com/jrsteele09/authflow/token/refresh"
	"github.com/jrsteele09/authflow/users"
)

// Lifetimes are the defaults used when a client does not override them.
type Lifetimes struct {
	AuthCode     time.Duration
	AccessToken  time.Duration
	IDToken      time.Duration
	RefreshToken time.Duration
}

// PermissionSource resolves the permissions placed in access tokens.
type PermissionSource interface {
	Effective(ctx context.Context, tenantID, userID string) ([]string, error)
}

// IssuerDeps holds the collaborators of an Issuer.
type IssuerDeps struct {
	Storage     storage.Driver
	Clients     clients.Registry
	Tenants     tenants.Directory
	Users       users.Repo
	Permissions PermissionSource
}

// Issuer mints authorization codes, access tokens, ID tokens and refresh tokens.
type Issuer struct {
	deps      IssuerDeps
	hasher    *Hasher
	lifetimes Lifetimes
	baseURL   string
	creator   *jwt.Creator
	codes     code.Repo
	refreshes refresh.Repo
	nowTime   func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

type IssuerOption func(*Issuer)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) IssuerOption {
	return func(is *Issuer) {
		is.nowTime = nowFunc
	}
}

func WithLogger(l zerolog.Logger) IssuerOption {
	return func(is *Issuer) {
		is.logger = l
	}
}

func WithMetrics(m *metrics.Metrics) IssuerOption {
	return func(is *Issuer) {
		is.metrics = m
	}
}

func NewIssuer(deps IssuerDeps, hasher *Hasher, lifetimes Lifetimes, baseURL string, options ...IssuerOption) (*Issuer, error) {
	if deps.Storage == nil {
		return nil, errors.New("[NewIssuer] storage driver is required")
	}
	if deps.Clients == nil {
		return nil, errors.New("[NewIssuer] client registry is required")
	}
	if deps.Tenants == nil {
		return nil, errors.New("[NewIssuer] tenant directory is required")
	}
	if deps.Users == nil {
		return nil, errors.New("[NewIssuer] users repo is required")
	}
	if deps.Permissions == nil {
		return nil, errors.New("[NewIssuer] permission source is required")
	}
	if hasher == nil {
		return nil, errors.New("[NewIssuer] token hasher is required")
	}

	is := &Issuer{
		deps:      deps,
		hasher:    hasher,
		lifetimes: lifetimes,
		baseURL:   baseURL,
		nowTime:   time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range options {
		opt(is)
	}
	is.creator = jwt.NewCreator(is.now)
	is.codes = code.NewRepo(is.now)
	is.refreshes = refresh.NewRepo(is.now)
	return is, nil
}

func (is *Issuer) now() time.Time {
	return is.nowTime()
}

// CodeRequest describes an authorization decision to turn into a code.
type CodeRequest struct {
	TenantID            string
	UserID              string
	ClientID            string
	Scope               []string
	RedirectURI         string
	Nonce               string
	ACR                 string
	CodeChallenge       string
	CodeChallengeMethod string
	AuthenticatedAt     time.Time
}

// IssueCode stores a new authorization code in b and returns its raw value.
func (is *Issuer) IssueCode(ctx context.Context, b storage.Backend, req CodeRequest) (string, *code.AuthorizationCode, error) {
	raw, hash, err := is.hasher.Generate()
	if err != nil {
		return "", nil, errors.Wrap(err, "[IssueCode] generate")
	}
	now := is.now()
	ac := &code.AuthorizationCode{
		ID:                  uuid.New().String(),
		CodeHash:            hash,
		TenantID:            req.TenantID,
		UserID:              req.UserID,
		ClientID:            req.ClientID,
		Scope:               req.Scope,
		RedirectURI:         req.RedirectURI,
		Nonce:               req.Nonce,
		ACR:                 req.ACR,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		AuthenticatedAt:     req.AuthenticatedAt,
		CHash:               BindingHash(raw),
		CreatedAt:           now,
		ExpiresAt:           now.Add(is.lifetimes.AuthCode),
	}
	if err := is.codes.Create(ctx, b, ac); err != nil {
		return "", nil, errors.Wrap(err, "[IssueCode] store")
	}
	return raw, ac, nil
}

// HybridTokens are returned from the authorization endpoint alongside a code.
type HybridTokens struct {
	AccessToken string
	IDToken     string
	ExpiresIn   int
}

// MintHybrid creates the front-channel tokens for a hybrid response. The ID
// token carries c_hash for the code and at_hash when an access token is issued.
func (is *Issuer) MintHybrid(ctx context.Context, ac *code.AuthorizationCode, wantAccessToken, wantIDToken bool) (*HybridTokens, error) {
	client, err := is.deps.Clients.Get(ctx, ac.ClientID)
	if err != nil {
		return nil, errors.Wrap(err, "[MintHybrid] client")
	}
	user, err := is.deps.Users.GetByID(ctx, ac.TenantID, ac.UserID)
	if err != nil {
		return nil, errors.Wrap(err, "[MintHybrid] user")
	}
	grant := mintGrant{
		client:          client,
		user:            user,
		scope:           ac.Scope,
		acr:             ac.ACR,
		nonce:           ac.Nonce,
		cHash:           ac.CHash,
		authenticatedAt: ac.AuthenticatedAt,
	}
	out := &HybridTokens{}
	if wantAccessToken {
		access, expiresIn, err := is.accessToken(ctx, grant)
		if err != nil {
			return nil, err
		}
		out.AccessToken, out.ExpiresIn = access, expiresIn
	}
	if wantIDToken {
		idToken, err := is.idToken(ctx, grant, out.AccessToken)
		if err != nil {
			return nil, err
		}
		out.IDToken = idToken
	}
	return out, nil
}

// Exchange handles the token endpoint. Client authentication happens before
// anything else; grant failures return *oauthmodel.Error.
func (is *Issuer) Exchange(ctx context.Context, req oauthmodel.TokenRequest) (resp *oauthmodel.TokenResponse, err error) {
	defer func() {
		result := "success"
		var oerr *oauthmodel.Error
		if errors.As(err, &oerr) {
			result = oerr.Code
		} else if err != nil {
			result = oauthmodel.ErrCodeServerError
		}
		is.metrics.TokenExchange(string(req.GrantType), result)
	}()

	client, err := is.authenticateClient(ctx, req)
	if err != nil {
		return nil, err
	}
	b, err := is.deps.Storage.Tenant(ctx, client.TenantID)
	if err != nil {
		return nil, errors.Wrap(err, "[Exchange] tenant storage")
	}

	switch req.GrantType {
	case oauthmodel.AuthorizationCodeGrant:
		return is.exchangeCode(ctx, b, client, req)
	case oauthmodel.RefreshTokenGrant:
		return is.exchangeRefreshToken(ctx, b, client, req)
	case "":
		return nil, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRequest, "grant_type is required")
	}
	return nil, oauthmodel.Errorf(oauthmodel.ErrCodeUnsupportedGrantType, "grant_type %q is not supported", req.GrantType)
}

func (is *Issuer) authenticateClient(ctx context.Context, req oauthmodel.TokenRequest) (*clients.Client, error) {
	invalid := oauthmodel.NewError(oauthmodel.ErrCodeInvalidClient, "client authentication failed")
	if req.ClientID == "" {
		return nil, invalid
	}
	client, err := is.deps.Clients.Get(ctx, req.ClientID)
	if errors.Is(err, clients.ErrClientNotFound) {
		return nil, invalid
	}
	if err != nil {
		return nil, errors.Wrap(err, "[Exchange] client lookup")
	}
	if !client.Authenticate(req.ClientSecret) {
		return nil, invalid
	}
	return client, nil
}

func invalidGrant(description string) *oauthmodel.Error {
	return oauthmodel.NewError(oauthmodel.ErrCodeInvalidGrant, description)
}

// exchangeCode redeems a code. The take and every write happen in one
// transaction; any failure rolls back, so tokens are never minted for a code
// that remains redeemable and vice versa.
func (is *Issuer) exchangeCode(ctx context.Context, b storage.Backend, client *clients.Client, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
	if req.Code == "" {
		return nil, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRequest, "code is required")
	}
	var resp *oauthmodel.TokenResponse
	err := b.Tx(ctx, func(tx storage.Backend) error {
		ac, err := is.codes.Take(ctx, tx, is.hasher.Hash(req.Code))
		if errors.Is(err, storage.ErrNotFound) {
			return invalidGrant("authorization code is invalid, expired or already used")
		}
		if err != nil {
			return err
		}
		if ac.ClientID != client.ID {
			return invalidGrant("authorization code was issued to another client")
		}
		if ac.RedirectURI != req.RedirectURI {
			return invalidGrant("redirect_uri does not match the authorization request")
		}
		if ac.HasPKCE() {
			if !VerifyPKCE(ac.CodeChallenge, ac.CodeChallengeMethod, req.CodeVerifier) {
				return invalidGrant("code_verifier does not match the code challenge")
			}
		} else if req.CodeVerifier != "" {
			return invalidGrant("code_verifier sent for a code issued without PKCE")
		}
		user, err := is.activeUser(ctx, ac.TenantID, ac.UserID)
		if err != nil {
			return err
		}
		resp, err = is.mint(ctx, tx, mintGrant{
			client:          client,
			user:            user,
			scope:           ac.Scope,
			grantedScope:    ac.Scope,
			acr:             ac.ACR,
			nonce:           ac.Nonce,
			cHash:           ac.CHash,
			authenticatedAt: ac.AuthenticatedAt,
			withRefresh:     oauthmodel.HasScope(ac.Scope, oauthmodel.ScopeOfflineAccess),
		})
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, invalidGrant("authorization code is invalid, expired or already used")
	}
	if err != nil {
		return nil, wrapUnlessOAuth(err, "[Exchange] authorization_code")
	}
	return resp, nil
}

// exchangeRefreshToken rotates a refresh token. The replacement keeps the
// originally granted scope and authentication instant.
func (is *Issuer) exchangeRefreshToken(ctx context.Context, b storage.Backend, client *clients.Client, req oauthmodel.TokenRequest) (*oauthmodel.TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, oauthmodel.NewError(oauthmodel.ErrCodeInvalidRequest, "refresh_token is required")
	}
	var resp *oauthmodel.TokenResponse
	err := b.Tx(ctx, func(tx storage.Backend) error {
		rt, err := is.refreshes.Take(ctx, tx, is.hasher.Hash(req.RefreshToken))
		if errors.Is(err, storage.ErrNotFound) {
			return invalidGrant("refresh token is invalid, expired or already used")
		}
		if err != nil {
			return err
		}
		if rt.ClientID != client.ID {
			return invalidGrant("refresh token was issued to another client")
		}
		scope := rt.Scope
		if requested := oauthmodel.ParseScope(req.Scope); len(requested) > 0 {
			if !oauthmodel.IsSubset(requested, rt.Scope) {
				return oauthmodel.NewError(oauthmodel.ErrCodeInvalidScope, "requested scope exceeds the original grant")
			}
			scope = requested
		}
		user, err := is.activeUser(ctx, rt.TenantID, rt.UserID)
		if err != nil {
			return err
		}
		resp, err = is.mint(ctx, tx, mintGrant{
			client:          client,
			user:            user,
			scope:           scope,
			grantedScope:    rt.Scope,
			acr:             rt.ACR,
			authenticatedAt: rt.AuthenticatedAt,
			withRefresh:     true,
		})
		return err
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, invalidGrant("refresh token is invalid, expired or already used")
	}
	if err != nil {
		return nil, wrapUnlessOAuth(err, "[Exchange] refresh_token")
	}
	return resp, nil
}

func wrapUnlessOAuth(err error, msg string) error {
	var oerr *oauthmodel.Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return errors.Wrap(err, msg)
}

func (is *Issuer) activeUser(ctx context.Context, tenantID, userID string) (*users.User, error) {
	user, err := is.deps.Users.GetByID(ctx, tenantID, userID)
	if errors.Is(err, users.ErrUserNotFound) {
		return nil, invalidGrant("user no longer exists")
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive() {
		return nil, invalidGrant("user is inactive")
	}
	return user, nil
}

type mintGrant struct {
	client          *clients.Client
	user            *users.User
	scope           []string // scope of the tokens minted now
	grantedScope    []string // scope stored on a new refresh token
	acr             string
	nonce           string
	cHash           string
	authenticatedAt time.Time
	withRefresh     bool
}

func (is *Issuer) mint(ctx context.Context, tx storage.Backend, g mintGrant) (*oauthmodel.TokenResponse, error) {
	access, expiresIn, err := is.accessToken(ctx, g)
	if err != nil {
		return nil, err
	}
	resp := &oauthmodel.TokenResponse{
		AccessToken: access,
		TokenType:   oauthmodel.TokenTypeBearer,
		ExpiresIn:   expiresIn,
		Scope:       oauthmodel.JoinScope(g.scope),
	}
	if oauthmodel.HasScope(g.scope, oauthmodel.ScopeOpenID) {
		if resp.IDToken, err = is.idToken(ctx, g, access); err != nil {
			return nil, err
		}
	}
	if g.withRefresh {
		raw, hash, err := is.hasher.Generate()
		if err != nil {
			return nil, errors.Wrap(err, "[mint] refresh token")
		}
		now := is.now()
		rt := &refresh.RefreshToken{
			ID:              uuid.New().String(),
			TokenHash:       hash,
			TenantID:        g.user.TenantID,
			UserID:          g.user.ID,
			ClientID:        g.client.ID,
			Scope:           g.grantedScope,
			ACR:             g.acr,
			AuthenticatedAt: g.authenticatedAt,
			CreatedAt:       now,
			ExpiresAt:       now.Add(g.client.RefreshTokenLifetime(is.lifetimes.RefreshToken)),
		}
		if err := is.refreshes.Create(ctx, tx, rt); err != nil {
			return nil, errors.Wrap(err, "[mint] store refresh token")
		}
		resp.RefreshToken = raw
	}
	return resp, nil
}

func (is *Issuer) tenantContext(ctx context.Context, tenantID string) (*tenants.Tenant, string, error) {
	tenant, err := is.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, "", errors.Wrap(err, "[Issuer] tenant")
	}
	return tenant, tenant.IssuerURL(is.baseURL), nil
}

func (is *Issuer) accessToken(ctx context.Context, g mintGrant) (string, int, error) {
	_, issuer, err := is.tenantContext(ctx, g.user.TenantID)
	if err != nil {
		return "", 0, err
	}
	signer, err := is.deps.Tenants.SigningKey(ctx, g.user.TenantID)
	if err != nil {
		return "", 0, errors.Wrap(err, "[Issuer] signing key")
	}
	perms, err := is.deps.Permissions.Effective(ctx, g.user.TenantID, g.user.ID)
	if err != nil {
		return "", 0, errors.Wrap(err, "[Issuer] permissions")
	}
	lifetime := g.client.AccessTokenLifetime(is.lifetimes.AccessToken)
	access, err := is.creator.CreateAccessToken(jwt.AccessTokenClaims{
		Issuer:      issuer,
		ClientID:    g.client.ID,
		Subject:     g.user.ID,
		TenantID:    g.user.TenantID,
		Scope:       oauthmodel.JoinScope(g.scope),
		Permissions: perms,
		ACR:         g.acr,
		AuthTime:    g.authenticatedAt,
	}, lifetime, signer)
	if err != nil {
		return "", 0, errors.Wrap(err, "[Issuer] access token")
	}
	return access, int(lifetime / time.Second), nil
}

func (is *Issuer) idToken(ctx context.Context, g mintGrant, accessToken string) (string, error) {
	_, issuer, err := is.tenantContext(ctx, g.user.TenantID)
	if err != nil {
		return "", err
	}
	signer, err := is.deps.Tenants.SigningKey(ctx, g.user.TenantID)
	if err != nil {
		return "", errors.Wrap(err, "[Issuer] signing key")
	}
	encryptTo, err := g.client.EncryptionKey()
	if err != nil {
		return "", errors.Wrap(err, "[Issuer] client encryption key")
	}
	claims := jwt.IDTokenClaims{
		Issuer:        issuer,
		ClientID:      g.client.ID,
		Subject:       g.user.ID,
		Email:         g.user.Email,
		EmailVerified: g.user.EmailVerified,
		TenantID:      g.user.TenantID,
		Fields:        g.user.Fields.Claims(),
		AuthTime:      g.authenticatedAt,
		ACR:           g.acr,
		Nonce:         g.nonce,
		CHash:         g.cHash,
	}
	if accessToken != "" {
		claims.ATHash = BindingHash(accessToken)
	}
	idToken, err := is.creator.CreateIDToken(claims, g.client.IDTokenLifetime(is.lifetimes.IDToken), signer, encryptTo)
	if err != nil {
		return "", errors.Wrap(err, "[Issuer] id token")
	}
	return idToken, nil
}
