// Package providers talks to upstream identity providers used for federated
// login. Providers with an issuer are configured through OIDC discovery and
// their ID tokens are verified; others use explicit endpoints and a userinfo call.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/jrsteele09/authflow/users"
)

var (
	ErrProviderNotFound = errors.New("oauth provider not found")
	ErrNonceMismatch    = errors.New("id token nonce does not match")
	ErrMissingIDToken   = errors.New("provider response has no id_token")
	ErrMissingAccountID = errors.New("provider did not return an account id")
)

// Config describes one upstream provider for one tenant.
type Config struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Issuer       string   `yaml:"issuer,omitempty"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes,omitempty"`
	AuthURL      string   `yaml:"auth_url,omitempty"`
	TokenURL     string   `yaml:"token_url,omitempty"`
	UserInfoURL  string   `yaml:"userinfo_url,omitempty"`
}

func (c Config) IsOIDC() bool {
	return c.Issuer != ""
}

// Account is the identity returned by a provider after a code exchange.
type Account struct {
	ID     string
	Email  string
	Tokens users.ProviderTokens
}

// AuthRequest carries the values placed on the provider redirect.
type AuthRequest struct {
	State        string
	Nonce        string
	CodeVerifier string // sent as an S256 challenge
	RedirectURI  string
}

// Provider is an upstream identity provider.
type Provider interface {
	ID() string
	AuthCodeURL(req AuthRequest) string
	Exchange(ctx context.Context, code, codeVerifier, redirectURI, nonce string) (*Account, error)
}

// Registry resolves tenant-scoped providers, performing discovery once per
// provider even under concurrent first use.
type Registry struct {
	mu         sync.RWMutex
	configs    map[string]Config
	providers  map[string]Provider
	sf         singleflight.Group
	httpClient *http.Client
}

type RegistryOption func(*Registry)

func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *Registry) {
		r.httpClient = c
	}
}

func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		configs:    make(map[string]Config),
		providers:  make(map[string]Provider),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

func registryKey(tenantID, providerID string) string {
	return tenantID + "/" + providerID
}

// Register adds or replaces a provider configuration for a tenant.
func (r *Registry) Register(tenantID string, cfg Config) {
	key := registryKey(tenantID, cfg.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[key] = cfg
	delete(r.providers, key)
}

// Configs lists the providers registered for a tenant, for the login page.
func (r *Registry) Configs(tenantID string) []Config {
	prefix := tenantID + "/"
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Config
	for k, c := range r.configs {
		if strings.HasPrefix(k, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Get(ctx context.Context, tenantID, providerID string) (Provider, error) {
	key := registryKey(tenantID, providerID)
	r.mu.RLock()
	p, ok := r.providers[key]
	cfg, known := r.configs[key]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}
	if !known {
		return nil, ErrProviderNotFound
	}

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		p, err := r.build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.providers[key] = p
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "[providers.Get] %s", providerID)
	}
	return v.(Provider), nil
}

func (r *Registry) build(ctx context.Context, cfg Config) (Provider, error) {
	base := &oauthProvider{
		cfg:        cfg,
		httpClient: r.httpClient,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
		},
	}
	if !cfg.IsOIDC() {
		if cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.UserInfoURL == "" {
			return nil, fmt.Errorf("provider %s needs an issuer or auth, token and userinfo urls", cfg.ID)
		}
		return base, nil
	}

	ctx = oidc.ClientContext(ctx, r.httpClient)
	discovered, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, errors.Wrap(err, "oidc discovery")
	}
	base.oauth.Endpoint = discovered.Endpoint()
	if len(base.oauth.Scopes) == 0 {
		base.oauth.Scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}
	return &oidcProvider{
		oauthProvider: base,
		verifier:      discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

type oauthProvider struct {
	cfg        Config
	oauth      oauth2.Config
	httpClient *http.Client
}

func (p *oauthProvider) ID() string {
	return p.cfg.ID
}

func (p *oauthProvider) AuthCodeURL(req AuthRequest) string {
	cfg := p.oauth
	cfg.RedirectURL = req.RedirectURI
	opts := []oauth2.AuthCodeOption{}
	if req.CodeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}
	if req.Nonce != "" {
		opts = append(opts, oauth2.SetAuthURLParam("nonce", req.Nonce))
	}
	return cfg.AuthCodeURL(req.State, opts...)
}

func (p *oauthProvider) exchange(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, error) {
	cfg := p.oauth
	cfg.RedirectURL = redirectURI
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	opts := []oauth2.AuthCodeOption{}
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	tok, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "[provider.Exchange] code exchange")
	}
	return tok, nil
}

func tokensOf(tok *oauth2.Token) users.ProviderTokens {
	return users.ProviderTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
}

type userInfo struct {
	Sub   string `json:"sub"`
	ID    any    `json:"id"`
	Email string `json:"email"`
}

func (u userInfo) accountID() string {
	if u.Sub != "" {
		return u.Sub
	}
	if u.ID != nil {
		switch v := u.ID.(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

// Exchange redeems the code and reads the account from the userinfo endpoint.
func (p *oauthProvider) Exchange(ctx context.Context, code, codeVerifier, redirectURI, _ string) (*Account, error) {
	tok, err := p.exchange(ctx, code, codeVerifier, redirectURI)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[provider.Exchange] userinfo request")
	}
	tok.SetAuthHeader(req)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "[provider.Exchange] userinfo")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("[provider.Exchange] userinfo status %d", resp.StatusCode)
	}
	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.Wrap(err, "[provider.Exchange] decode userinfo")
	}
	id := info.accountID()
	if id == "" {
		return nil, ErrMissingAccountID
	}
	return &Account{ID: id, Email: users.NormalizeEmail(info.Email), Tokens: tokensOf(tok)}, nil
}

type oidcProvider struct {
	*oauthProvider
	verifier *oidc.IDTokenVerifier
}

// Exchange redeems the code and verifies the returned ID token, including its nonce.
func (p *oidcProvider) Exchange(ctx context.Context, code, codeVerifier, redirectURI, nonce string) (*Account, error) {
	tok, err := p.exchange(ctx, code, codeVerifier, redirectURI)
	if err != nil {
		return nil, err
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrMissingIDToken
	}
	idToken, err := p.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), rawIDToken)
	if err != nil {
		return nil, errors.Wrap(err, "[provider.Exchange] verify id token")
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, ErrNonceMismatch
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, errors.Wrap(err, "[provider.Exchange] id token claims")
	}
	return &Account{ID: idToken.Subject, Email: users.NormalizeEmail(claims.Email), Tokens: tokensOf(tok)}, nil
}
