package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/authflow/auth"
	"github.com/jrsteele09/authflow/grants"
	grantrepofake "github.com/jrsteele09/authflow/grants/repofake"
	"github.com/jrsteele09/authflow/internal/catalog"
	"github.com/jrsteele09/authflow/internal/config"
	"github.com/jrsteele09/authflow/internal/metrics"
	"github.com/jrsteele09/authflow/permissions"
	permissionrepofake "github.com/jrsteele09/authflow/permissions/repofake"
	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/server"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage/memory"
	"github.com/jrsteele09/authflow/token"
	"github.com/jrsteele09/authflow/users"
	fakeuserrepo "github.com/jrsteele09/authflow/users/repofake"
)

const (
	testEmail       = "jane@example.com"
	testPassword    = "Password123"
	testRedirectURI = "https://app.example.com/cb"
	// RFC 7636 appendix B
	testVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

const testCatalog = `
tenants:
  - id: t-main
    slug: main
    name: Main
    default: true
    signing_key:
      id: main-1
      generate: ec
  - id: t-acme
    slug: acme
    name: Acme
    signing_key:
      id: acme-1
      generate: ec
clients:
  - id: web
    tenant_id: t-main
    type: confidential
    secret: s3cret
    redirect_uris: ["https://app.example.com/cb"]
  - id: spa
    tenant_id: t-main
    type: public
    first_party: true
    redirect_uris: ["https://app.example.com/cb"]
`

type fixture struct {
	server *httptest.Server
	client *http.Client
	grants *grantrepofake.FakeGrantRepo
	userID string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("SERVER_SECRET", "server-test-secret-0123456789abcdef")
	t.Setenv("ALLOWED_ORIGINS", "https://spa.example.com")
	t.Setenv("BASE_URL", "https://auth.example.com")
	t.Setenv("COOKIE_SECURE", "false")
	t.Setenv("ENV", "TEST")
	cfg, err := config.New()
	require.NoError(t, err)

	cat, err := catalog.Parse([]byte(testCatalog), t.TempDir(), "")
	require.NoError(t, err)
	reg := providers.NewRegistry()
	cat.RegisterProviders(reg)

	hasher, err := token.NewHasher(cfg.GetServerSecret())
	require.NoError(t, err)
	store, err := sessions.NewStore(hasher, sessions.Lifetimes{
		Login:        cfg.GetLoginSessionLifetime(),
		Registration: cfg.GetRegistrationSessionLifetime(),
		OAuth:        cfg.GetOAuthSessionLifetime(),
		SessionToken: cfg.GetSessionTokenLifetime(),
	})
	require.NoError(t, err)

	userRepo := fakeuserrepo.NewFakeUserRepo()
	hash, err := users.BcryptHasher{Cost: 4}.Hash(testPassword)
	require.NoError(t, err)
	user := &users.User{ID: "u-1", TenantID: "t-main", Email: testEmail, PasswordHash: hash, Active: true, CreatedAt: time.Now()}
	require.NoError(t, userRepo.Create(context.Background(), user))

	resolver, err := permissions.NewResolver(permissionrepofake.NewFakePermissionRepo())
	require.NoError(t, err)
	m, err := metrics.New(nil)
	require.NoError(t, err)

	driver := memory.NewDriver()
	issuer, err := token.NewIssuer(token.IssuerDeps{
		Storage:     driver,
		Clients:     cat.Clients,
		Tenants:     cat.Tenants,
		Users:       userRepo,
		Permissions: resolver,
	}, hasher, token.Lifetimes{
		AuthCode:     cfg.GetAuthCodeTimeout(),
		AccessToken:  cfg.GetDefaultAccessTokenExpiry(),
		IDToken:      cfg.GetDefaultIDTokenExpiry(),
		RefreshToken: cfg.GetDefaultRefreshTokenExpiry(),
	}, cfg.GetBaseURL(), token.WithMetrics(m))
	require.NoError(t, err)

	grantRepo := grantrepofake.NewFakeGrantRepo()
	svc, err := auth.NewService(auth.Repos{
		Storage:       driver,
		Sessions:      store,
		Grants:        grants.NewStore(grantRepo, time.Now),
		Users:         userRepo,
		OAuthAccounts: fakeuserrepo.NewFakeOAuthAccountRepo(),
		Clients:       cat.Clients,
		Tenants:       cat.Tenants,
		Providers:     reg,
	}, issuer, cfg.GetBaseURL(),
		auth.WithMetrics(m),
		auth.WithPasswordHasher(users.BcryptHasher{Cost: 4}),
	)
	require.NoError(t, err)

	srv, err := server.New(cfg, svc, cat.Tenants, server.WithMetrics(m))
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &fixture{
		server: ts,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		grants: grantRepo,
		userID: user.ID,
	}
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.server.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := f.client.PostForm(f.server.URL+path, form)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func authorizePath(clientID string, extra url.Values) string {
	q := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"scope":         {"openid"},
		"state":         {"xyz"},
	}
	for k, v := range extra {
		q[k] = v
	}
	return "/authorize?" + q.Encode()
}

func cookieNamed(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// login signs the browser in through the login form and returns the final redirect.
func (f *fixture) login(t *testing.T, clientID string, extra url.Values) *url.URL {
	t.Helper()
	resp := f.get(t, authorizePath(clientID, extra))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/login", resp.Header.Get("Location"))

	resp = f.postForm(t, "/login", url.Values{"email": {testEmail}, "password": {testPassword}})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc
}

func (f *fixture) exchange(t *testing.T, form url.Values) (int, map[string]any) {
	t.Helper()
	resp := f.postForm(t, "/token", form)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestAuthorizeWithoutSessionRedirectsToLogin(t *testing.T) {
	f := setup(t)
	resp := f.get(t, authorizePath("web", nil))

	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "/login", resp.Header.Get("Location"))
	c := cookieNamed(resp, auth.CookieLoginSession)
	require.NotNil(t, c)
	require.NotEmpty(t, c.Value)
	require.True(t, c.HttpOnly)
	require.Equal(t, http.SameSiteLaxMode, c.SameSite)
	require.Equal(t, "/", c.Path)

	page := f.get(t, "/login")
	require.Equal(t, http.StatusOK, page.StatusCode)
	body, err := io.ReadAll(page.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "Sign in to Main")
}

func TestAuthorizeWithSessionAndGrantIssuesCode(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.grants.Save(context.Background(), &grants.Grant{
		TenantID: "t-main", UserID: f.userID, ClientID: "web", Scope: []string{"openid"},
	}))

	loc := f.login(t, "web", nil)
	require.Equal(t, "app.example.com", loc.Host)

	resp := f.get(t, authorizePath("web", nil))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, testRedirectURI, loc.Scheme+"://"+loc.Host+loc.Path)
	require.NotEmpty(t, loc.Query().Get("code"))
	require.Equal(t, "xyz", loc.Query().Get("state"))
}

func TestCodeIsSingleUse(t *testing.T) {
	f := setup(t)
	loc := f.login(t, "spa", url.Values{"code_challenge": {testChallenge}, "code_challenge_method": {"S256"}})
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"spa"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {testVerifier},
	}
	status, body := f.exchange(t, form)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body["access_token"])
	require.NotEmpty(t, body["id_token"])
	require.Equal(t, "bearer", body["token_type"])

	status, body = f.exchange(t, form)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestPKCEWrongVerifier(t *testing.T) {
	f := setup(t)
	loc := f.login(t, "spa", url.Values{"code_challenge": {testChallenge}, "code_challenge_method": {"S256"}})

	status, body := f.exchange(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"spa"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {strings.Repeat("x", 43)},
	})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestTokenBasicAuthentication(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.grants.Save(context.Background(), &grants.Grant{
		TenantID: "t-main", UserID: f.userID, ClientID: "web", Scope: []string{"openid"},
	}))
	loc := f.login(t, "web", nil)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/token", strings.NewReader(url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {loc.Query().Get("code")},
		"redirect_uri": {testRedirectURI},
	}.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("web", "wrong")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
}

func TestBadCredentialsRerenderLogin(t *testing.T) {
	f := setup(t)
	f.get(t, authorizePath("web", nil))

	unknown := f.postForm(t, "/login", url.Values{"email": {"nobody@example.com"}, "password": {testPassword}})
	wrong := f.postForm(t, "/login", url.Values{"email": {testEmail}, "password": {"Wrong-Passw0rd"}})
	for _, resp := range []*http.Response{unknown, wrong} {
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Nil(t, cookieNamed(resp, auth.CookieSessionToken))
	}
	for _, resp := range []*http.Response{unknown, wrong} {
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), "email or password is incorrect")
	}
}

func TestFormPostResponse(t *testing.T) {
	f := setup(t)
	resp := f.get(t, authorizePath("spa", url.Values{
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
		"response_mode":         {"form_post"},
	}))
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp = f.postForm(t, "/login", url.Values{"email": {testEmail}, "password": {testPassword}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `action="https://app.example.com/cb"`)
	require.Contains(t, string(body), `name="code"`)
	require.Contains(t, string(body), `value="xyz"`)
}

func TestInvalidRedirectIsRenderedDirectly(t *testing.T) {
	f := setup(t)
	resp := f.get(t, authorizePath("web", url.Values{"redirect_uri": {"https://evil.example.com/cb"}}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Location"))
}

func TestTenantRoutes(t *testing.T) {
	f := setup(t)

	require.Equal(t, http.StatusNotFound, f.get(t, "/unknown/login").StatusCode)
	// the default tenant is only served without a prefix
	require.Equal(t, http.StatusNotFound, f.get(t, "/main/.well-known/jwks.json").StatusCode)
	// keys are published, discovery metadata is not
	require.Equal(t, http.StatusNotFound, f.get(t, "/.well-known/openid-configuration").StatusCode)
	require.Equal(t, http.StatusNotFound, f.get(t, "/acme/.well-known/openid-configuration").StatusCode)

	for path, kid := range map[string]string{
		"/.well-known/jwks.json":      "main-1",
		"/acme/.well-known/jwks.json": "acme-1",
	} {
		resp := f.get(t, path)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var jwks struct {
			Keys []map[string]any `json:"keys"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&jwks))
		require.Len(t, jwks.Keys, 1)
		require.Equal(t, kid, jwks.Keys[0]["kid"])
	}
}

func TestTokenCORSPreflight(t *testing.T) {
	f := setup(t)
	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/token", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://spa.example.com")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://spa.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://other.example.com")
	resp2, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusOK, f.get(t, "/healthz").StatusCode)
	f.get(t, authorizePath("web", nil))

	resp := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `authflow_authorize_outcomes_total{state="NEEDS_LOGIN"} 1`)
	require.Contains(t, string(body), "authflow_http_request_duration_seconds")
}
