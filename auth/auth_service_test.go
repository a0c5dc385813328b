package auth_test

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/authflow/auth"
	"github.com/jrsteele09/authflow/clients"
	fakeclientrepo "github.com/jrsteele09/authflow/clients/fakerepo"
	"github.com/jrsteele09/authflow/grants"
	grantrepofake "github.com/jrsteele09/authflow/grants/repofake"
	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/permissions"
	permissionrepofake "github.com/jrsteele09/authflow/permissions/repofake"
	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage/memory"
	"github.com/jrsteele09/authflow/tenants"
	tenantrepofakes "github.com/jrsteele09/authflow/tenants/repofakes"
	"github.com/jrsteele09/authflow/token"
	tokenjwt "github.com/jrsteele09/authflow/token/jwt"
	"github.com/jrsteele09/authflow/token/keys"
	"github.com/jrsteele09/authflow/users"
	fakeuserrepo "github.com/jrsteele09/authflow/users/repofake"
)

const (
	baseURL           = "https://auth.example.com"
	testTenantID      = "tenant-1"
	testUserEmail     = "john.doe@example.com"
	testUserPassword  = "Password123"
	testRedirectURI   = "https://app.example.com/callback"
	testState         = "random-state-value"
	testNonce         = "random-nonce-value"
	testCodeChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	testCodeVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
)

// testFixture holds all test dependencies
type testFixture struct {
	mu         sync.Mutex
	now        time.Time
	tenant     *tenants.Tenant
	signer     keys.Signer
	userRepo   *fakeuserrepo.FakeUserRepo
	oauthRepo  *fakeuserrepo.FakeOAuthAccountRepo
	grantRepo  *grantrepofake.FakeGrantRepo
	provider   *fakeProvider
	registered []string
	service    *auth.Service
}

func (f *testFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *testFixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type fakeProvider struct {
	account  *providers.Account
	lastAuth providers.AuthRequest
}

func (p *fakeProvider) ID() string { return "corp" }

func (p *fakeProvider) AuthCodeURL(req providers.AuthRequest) string {
	p.lastAuth = req
	return "https://idp.example.com/authorize?state=" + url.QueryEscape(req.State)
}

func (p *fakeProvider) Exchange(_ context.Context, code, codeVerifier, redirectURI, nonce string) (*providers.Account, error) {
	if code != "good" || codeVerifier != p.lastAuth.CodeVerifier || nonce != p.lastAuth.Nonce || redirectURI != p.lastAuth.RedirectURI {
		return nil, errors.New("exchange rejected")
	}
	a := *p.account
	return &a, nil
}

type fakeProviders struct {
	p *fakeProvider
}

func (fp fakeProviders) Get(_ context.Context, _, providerID string) (providers.Provider, error) {
	if providerID != "corp" {
		return nil, providers.ErrProviderNotFound
	}
	return fp.p, nil
}

func (fp fakeProviders) Configs(string) []providers.Config {
	return []providers.Config{{ID: "corp", Name: "Corp SSO"}}
}

// setupTestFixture creates a new test fixture with all dependencies
func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{now: time.Now()}

	kp, err := keys.GenerateECKeyPair("kid-1")
	require.NoError(t, err)
	f.signer = keys.NewKeyPairSigner(kp)

	f.tenant = &tenants.Tenant{
		ID:                  testTenantID,
		Slug:                "main",
		Name:                "Main",
		Default:             true,
		DefaultRedirectURIs: []string{"https://app.example.com/home"},
		UserFields:          []users.FieldDefinition{{Name: "age", Type: users.FieldInt, Default: "18"}},
	}
	tr := tenantrepofakes.NewFakeTenantRepo()
	tr.Upsert(f.tenant, kp)

	cr := fakeclientrepo.NewFakeClientRepo()
	cr.Upsert(&clients.Client{ID: "first", TenantID: testTenantID, Type: clients.ClientTypeConfidential, Secret: "first-secret", RedirectURIs: []string{testRedirectURI}, FirstParty: true})
	cr.Upsert(&clients.Client{ID: "third", TenantID: testTenantID, Type: clients.ClientTypeConfidential, Secret: "third-secret", Description: "Third Party App", RedirectURIs: []string{testRedirectURI, "http://localhost/cb"}, Scopes: []string{"openid", "profile", "email", "offline_access"}})
	cr.Upsert(&clients.Client{ID: "spa", TenantID: testTenantID, Type: clients.ClientTypePublic, RedirectURIs: []string{"http://127.0.0.1/cb"}, FirstParty: true})

	hasher, err := token.NewHasher([]byte("test-server-secret-0123456789abc"))
	require.NoError(t, err)
	store, err := sessions.NewStore(hasher, sessions.Lifetimes{
		Login:        10 * time.Minute,
		Registration: 10 * time.Minute,
		OAuth:        10 * time.Minute,
		SessionToken: 24 * time.Hour,
	}, sessions.WithNowTime(f.clock))
	require.NoError(t, err)

	f.userRepo = fakeuserrepo.NewFakeUserRepo()
	f.oauthRepo = fakeuserrepo.NewFakeOAuthAccountRepo()
	f.grantRepo = grantrepofake.NewFakeGrantRepo()
	resolver, err := permissions.NewResolver(permissionrepofake.NewFakePermissionRepo())
	require.NoError(t, err)

	driver := memory.NewDriver()
	issuer, err := token.NewIssuer(token.IssuerDeps{
		Storage:     driver,
		Clients:     cr,
		Tenants:     tr,
		Users:       f.userRepo,
		Permissions: resolver,
	}, hasher, token.Lifetimes{
		AuthCode:     10 * time.Minute,
		AccessToken:  time.Hour,
		IDToken:      time.Hour,
		RefreshToken: 24 * time.Hour,
	}, baseURL, token.WithNowTime(f.clock))
	require.NoError(t, err)

	f.provider = &fakeProvider{account: &providers.Account{ID: "upstream-1", Email: "fed@example.com"}}

	f.service, err = auth.NewService(auth.Repos{
		Storage:       driver,
		Sessions:      store,
		Grants:        grants.NewStore(f.grantRepo, f.clock),
		Users:         f.userRepo,
		OAuthAccounts: f.oauthRepo,
		Clients:       cr,
		Tenants:       tr,
		Providers:     fakeProviders{p: f.provider},
	}, issuer, baseURL,
		auth.WithNowTime(f.clock),
		auth.WithPasswordHasher(users.BcryptHasher{Cost: 4}),
		auth.WithHooks(auth.Hooks{OnAfterRegister: func(_ context.Context, _ *tenants.Tenant, u *users.User) error {
			f.registered = append(f.registered, u.Email)
			return nil
		}}),
	)
	require.NoError(t, err)

	f.createUser(t, testUserEmail, testUserPassword, true)
	return f
}

// createUser creates and stores a test user
func (f *testFixture) createUser(t *testing.T, email, password string, active bool) *users.User {
	t.Helper()
	hash, err := users.BcryptHasher{Cost: 4}.Hash(password)
	require.NoError(t, err)
	u := &users.User{
		ID:           "user-" + email,
		TenantID:     testTenantID,
		Email:        email,
		PasswordHash: hash,
		Active:       active,
		CreatedAt:    f.clock(),
	}
	require.NoError(t, f.userRepo.Create(context.Background(), u))
	return u
}

func authParams(clientID string, mutate ...func(*oauthmodel.AuthorizationParameters)) *oauthmodel.AuthorizationParameters {
	p := &oauthmodel.AuthorizationParameters{
		ClientID:     clientID,
		ResponseType: "code",
		RedirectURI:  testRedirectURI,
		Scope:        "openid profile",
		State:        testState,
		Nonce:        testNonce,
	}
	for _, m := range mutate {
		m(p)
	}
	return p
}

// apply folds cookie changes into the browser's cookies.
func apply(c auth.Cookies, out *auth.Outcome) auth.Cookies {
	for _, ch := range out.Cookies {
		switch ch.Name {
		case auth.CookieLoginSession:
			c.LoginSession = ch.Value
		case auth.CookieRegistrationSession:
			c.RegistrationSession = ch.Value
		case auth.CookieSessionToken:
			c.SessionToken = ch.Value
		case auth.CookieLoginHint:
			c.LoginHint = ch.Value
		}
	}
	return c
}

func redirectParams(t *testing.T, out *auth.Outcome) url.Values {
	t.Helper()
	u, err := url.Parse(out.RedirectURL())
	require.NoError(t, err)
	if out.ResponseMode == oauthmodel.FragmentResponseMode {
		v, err := url.ParseQuery(u.Fragment)
		require.NoError(t, err)
		return v
	}
	return u.Query()
}

// signIn runs authorize and login for the first-party client and returns the browser cookies.
func (f *testFixture) signIn(t *testing.T) auth.Cookies {
	t.Helper()
	ctx := context.Background()
	out := f.service.Authorize(ctx, authParams("first"), auth.Cookies{})
	require.Equal(t, auth.StateNeedsLogin, out.State)
	c := apply(auth.Cookies{}, out)
	out = f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword}, c)
	require.Equal(t, auth.StateCodeIssued, out.State)
	return apply(c, out)
}

func TestAuthorizeRejections(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	t.Run("unknown client is a direct error", func(t *testing.T) {
		out := f.service.Authorize(ctx, authParams("nobody"), auth.Cookies{})
		require.Equal(t, auth.StateRejected, out.State)
		require.True(t, out.IsDirectError())
		require.Equal(t, oauthmodel.ErrCodeInvalidClient, out.Err.Code)
	})

	t.Run("unregistered redirect is a direct error", func(t *testing.T) {
		out := f.service.Authorize(ctx, authParams("third", func(p *oauthmodel.AuthorizationParameters) {
			p.RedirectURI = "https://evil.example.com/cb"
		}), auth.Cookies{})
		require.True(t, out.IsDirectError())
		require.Equal(t, oauthmodel.ErrCodeInvalidRedirectURI, out.Err.Code)
	})

	t.Run("tenant default redirect is accepted", func(t *testing.T) {
		out := f.service.Authorize(ctx, authParams("third", func(p *oauthmodel.AuthorizationParameters) {
			p.RedirectURI = "https://app.example.com/home"
		}), auth.Cookies{})
		require.Equal(t, auth.StateNeedsLogin, out.State)
	})

	t.Run("omitted redirect needs a single registered uri", func(t *testing.T) {
		out := f.service.Authorize(ctx, authParams("first", func(p *oauthmodel.AuthorizationParameters) {
			p.RedirectURI = ""
		}), auth.Cookies{})
		require.Equal(t, auth.StateNeedsLogin, out.State)

		out = f.service.Authorize(ctx, authParams("third", func(p *oauthmodel.AuthorizationParameters) {
			p.RedirectURI = ""
		}), auth.Cookies{})
		require.True(t, out.IsDirectError())
		require.Equal(t, oauthmodel.ErrCodeInvalidRedirectURI, out.Err.Code)
	})

	t.Run("loopback redirect ignores the port", func(t *testing.T) {
		out := f.service.Authorize(ctx, authParams("third", func(p *oauthmodel.AuthorizationParameters) {
			p.RedirectURI = "http://localhost:51234/cb"
		}), auth.Cookies{})
		require.Equal(t, auth.StateNeedsLogin, out.State)
	})

	redirected := []struct {
		name   string
		mutate func(*oauthmodel.AuthorizationParameters)
		code   string
	}{
		{"missing openid", func(p *oauthmodel.AuthorizationParameters) { p.Scope = "profile" }, oauthmodel.ErrCodeInvalidScope},
		{"scope outside allow-list", func(p *oauthmodel.AuthorizationParameters) { p.Scope = "openid admin" }, oauthmodel.ErrCodeInvalidScope},
		{"bad response type", func(p *oauthmodel.AuthorizationParameters) { p.ResponseType = "token" }, oauthmodel.ErrCodeInvalidRequest},
		{"hybrid without nonce", func(p *oauthmodel.AuthorizationParameters) { p.ResponseType = "code id_token"; p.Nonce = "" }, oauthmodel.ErrCodeInvalidRequest},
		{"request object", func(p *oauthmodel.AuthorizationParameters) { p.Request = "eyJ..." }, oauthmodel.ErrCodeRequestNotSupported},
		{"bad prompt", func(p *oauthmodel.AuthorizationParameters) { p.Prompt = "sometimes" }, oauthmodel.ErrCodeInvalidRequest},
	}
	for _, tc := range redirected {
		t.Run(tc.name, func(t *testing.T) {
			out := f.service.Authorize(ctx, authParams("third", tc.mutate), auth.Cookies{})
			require.Equal(t, auth.StateRejected, out.State)
			require.False(t, out.IsDirectError())
			q := redirectParams(t, out)
			require.Equal(t, tc.code, q.Get("error"))
			require.Equal(t, testState, q.Get("state"))
			require.Empty(t, out.Cookies)
		})
	}

	t.Run("public client without PKCE", func(t *testing.T) {
		out := f.service.Authorize(ctx, authParams("spa", func(p *oauthmodel.AuthorizationParameters) {
			p.RedirectURI = "http://127.0.0.1:8080/cb"
		}), auth.Cookies{})
		require.Equal(t, oauthmodel.ErrCodeInvalidRequest, redirectParams(t, out).Get("error"))
	})
}

func TestAuthorizeCreatesLoginSession(t *testing.T) {
	f := setupTestFixture(t)
	out := f.service.Authorize(context.Background(), authParams("third"), auth.Cookies{})

	require.Equal(t, auth.StateNeedsLogin, out.State)
	require.Equal(t, "/login", out.Location)
	require.Len(t, out.Cookies, 1)
	cookie := out.Cookies[0]
	require.Equal(t, auth.CookieLoginSession, cookie.Name)
	require.Equal(t, "/", cookie.Path)
	require.NotEmpty(t, cookie.Value)
	require.WithinDuration(t, f.clock().Add(10*time.Minute), cookie.Expires, time.Second)

	view, oerr := f.service.LoginScreen(context.Background(), f.tenant, apply(auth.Cookies{}, out))
	require.Nil(t, oerr)
	require.Equal(t, "Main", view.TenantName)
	require.Len(t, view.Providers, 1)
}

func TestLoginFailures(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	f.createUser(t, "inactive@example.com", testUserPassword, false)
	c := apply(auth.Cookies{}, f.service.Authorize(ctx, authParams("third"), auth.Cookies{}))

	for name, req := range map[string]auth.LoginRequest{
		"unknown email":  {Email: "nobody@example.com", Password: testUserPassword},
		"wrong password": {Email: testUserEmail, Password: "Wrong-password1"},
	} {
		t.Run(name, func(t *testing.T) {
			out := f.service.Login(ctx, f.tenant, req, c)
			require.Equal(t, auth.StateNeedsLogin, out.State)
			require.Equal(t, oauthmodel.ErrCodeBadCredentials, out.Err.Code)
			require.Empty(t, out.Cookies)
		})
	}

	t.Run("inactive user", func(t *testing.T) {
		out := f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: "inactive@example.com", Password: testUserPassword}, c)
		require.Equal(t, oauthmodel.ErrCodeInactiveUser, out.Err.Code)
	})

	t.Run("no login session", func(t *testing.T) {
		out := f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword}, auth.Cookies{})
		require.Equal(t, oauthmodel.ErrCodeMissingSession, out.Err.Code)
		out = f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword}, auth.Cookies{LoginSession: "forged"})
		require.Equal(t, oauthmodel.ErrCodeInvalidSession, out.Err.Code)
	})
}

func TestThirdPartyConsentFlow(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	out := f.service.Authorize(ctx, authParams("third", func(p *oauthmodel.AuthorizationParameters) {
		p.Scope = "openid profile offline_access"
		p.CodeChallenge = testCodeChallenge
		p.CodeChallengeMethod = "S256"
	}), auth.Cookies{})
	c := apply(auth.Cookies{}, out)

	out = f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: "JOHN.DOE@example.com", Password: testUserPassword}, c)
	require.Equal(t, auth.StateNeedsConsent, out.State)
	require.Equal(t, "/consent", out.Location)
	c = apply(c, out)
	require.NotEmpty(t, c.SessionToken)
	require.Equal(t, testUserEmail, c.LoginHint)

	view, oerr := f.service.ConsentScreen(ctx, f.tenant, c)
	require.Nil(t, oerr)
	require.Equal(t, "Third Party App", view.ClientDescription)
	require.Equal(t, []string{"openid", "profile", "offline_access"}, view.NewScope)

	out = f.service.Consent(ctx, f.tenant, auth.ConsentRequest{Allow: true}, c)
	require.Equal(t, auth.StateCodeIssued, out.State)
	q := redirectParams(t, out)
	require.Equal(t, testState, q.Get("state"))
	code := q.Get("code")
	require.NotEmpty(t, code)
	c = apply(c, out)
	require.Empty(t, c.LoginSession)

	resp, err := f.service.Token(ctx, oauthmodel.TokenRequest{
		GrantType:    oauthmodel.AuthorizationCodeGrant,
		ClientID:     "third",
		ClientSecret: "third-secret",
		Code:         code,
		RedirectURI:  testRedirectURI,
		CodeVerifier: testCodeVerifier,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.RefreshToken)
	claims, err := tokenjwt.Verify(resp.IDToken, baseURL, f.signer)
	require.NoError(t, err)
	require.Equal(t, testNonce, claims["nonce"])
	require.Equal(t, sessions.ACRInteractive, claims["acr"])

	// the grant now covers the scope, so a later request skips consent
	f.advance(time.Minute)
	out = f.service.Authorize(ctx, authParams("third"), c)
	require.Equal(t, auth.StateCodeIssued, out.State)
	reused, err := f.service.Token(ctx, oauthmodel.TokenRequest{
		GrantType:    oauthmodel.AuthorizationCodeGrant,
		ClientID:     "third",
		ClientSecret: "third-secret",
		Code:         redirectParams(t, out).Get("code"),
		RedirectURI:  testRedirectURI,
	})
	require.NoError(t, err)
	claims, err = tokenjwt.Verify(reused.IDToken, baseURL, f.signer)
	require.NoError(t, err)
	require.Equal(t, sessions.ACRNone, claims["acr"])
}

func TestConsentDenied(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	c := apply(auth.Cookies{}, f.service.Authorize(ctx, authParams("third"), auth.Cookies{}))
	c = apply(c, f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword}, c))

	out := f.service.Consent(ctx, f.tenant, auth.ConsentRequest{Allow: false}, c)
	require.Equal(t, auth.StateDenied, out.State)
	require.Equal(t, oauthmodel.ErrCodeAccessDenied, redirectParams(t, out).Get("error"))

	out = f.service.Consent(ctx, f.tenant, auth.ConsentRequest{Allow: true}, c)
	require.Equal(t, oauthmodel.ErrCodeInvalidSession, out.Err.Code)
}

// consentRacers submits each decision concurrently against the same LoginSession.
func consentRacers(f *testFixture, c auth.Cookies, decisions []bool) []*auth.Outcome {
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		outs  = make([]*auth.Outcome, len(decisions))
	)
	for i, allow := range decisions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			outs[i] = f.service.Consent(context.Background(), f.tenant, auth.ConsentRequest{Allow: allow}, c)
		}()
	}
	close(start)
	wg.Wait()
	return outs
}

func TestConcurrentConsentIssuesOneCode(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	c := apply(auth.Cookies{}, f.service.Authorize(ctx, authParams("third"), auth.Cookies{}))
	c = apply(c, f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword}, c))

	decisions := make([]bool, 16)
	for i := range decisions {
		decisions[i] = true
	}
	var issued, rejected int
	for _, out := range consentRacers(f, c, decisions) {
		switch out.State {
		case auth.StateCodeIssued:
			issued++
			require.NotEmpty(t, redirectParams(t, out).Get("code"))
		case auth.StateRejected:
			rejected++
			require.Equal(t, oauthmodel.ErrCodeInvalidSession, out.Err.Code)
		}
	}
	require.Equal(t, 1, issued)
	require.Equal(t, len(decisions)-1, rejected)
}

func TestConsentDenyRaceLeavesNoGrant(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	c := apply(auth.Cookies{}, f.service.Authorize(ctx, authParams("third"), auth.Cookies{}))
	c = apply(c, f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword}, c))

	decisions := make([]bool, 16)
	for i := range decisions {
		decisions[i] = i%2 == 0
	}
	var issued, denied int
	for _, out := range consentRacers(f, c, decisions) {
		switch out.State {
		case auth.StateCodeIssued:
			issued++
		case auth.StateDenied:
			denied++
		default:
			require.Equal(t, oauthmodel.ErrCodeInvalidSession, out.Err.Code)
		}
	}
	require.Equal(t, 1, issued+denied)

	grant, err := grants.NewStore(f.grantRepo, f.clock).Find(ctx, testTenantID, "user-"+testUserEmail, "third")
	require.NoError(t, err)
	require.Equal(t, issued == 1, grant.Covers([]string{"openid", "profile"}))
}

func TestConsentRequiresAuthentication(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	c := apply(auth.Cookies{}, f.service.Authorize(ctx, authParams("third"), auth.Cookies{}))

	out := f.service.Consent(ctx, f.tenant, auth.ConsentRequest{Allow: true}, c)
	require.Equal(t, auth.StateNeedsLogin, out.State)
	require.Equal(t, oauthmodel.ErrCodeLoginRequired, out.Err.Code)
}

func TestFirstPartyIssuesCodeAfterLogin(t *testing.T) {
	f := setupTestFixture(t)
	c := f.signIn(t)
	require.NotEmpty(t, c.SessionToken)
	require.Empty(t, c.LoginSession)

	// an existing session skips the login screen
	out := f.service.Authorize(context.Background(), authParams("first"), c)
	require.Equal(t, auth.StateCodeIssued, out.State)
}

func TestPromptHandling(t *testing.T) {
	ctx := context.Background()

	t.Run("none without session", func(t *testing.T) {
		f := setupTestFixture(t)
		out := f.service.Authorize(ctx, authParams("third", func(p *oauthmodel.AuthorizationParameters) { p.Prompt = "none" }), auth.Cookies{})
		require.Equal(t, oauthmodel.ErrCodeLoginRequired, redirectParams(t, out).Get("error"))
		require.Empty(t, out.Cookies)
	})

	t.Run("none without grant deletes the login session", func(t *testing.T) {
		f := setupTestFixture(t)
		c := f.signIn(t)
		out := f.service.Authorize(ctx, authParams("third", func(p *oauthmodel.AuthorizationParameters) { p.Prompt = "none" }), c)
		require.Equal(t, auth.StateDenied, out.State)
		q := redirectParams(t, out)
		require.Equal(t, oauthmodel.ErrCodeConsentRequired, q.Get("error"))
		require.Equal(t, testState, q.Get("state"))
		require.Len(t, out.Cookies, 1)
		require.Equal(t, auth.CookieLoginSession, out.Cookies[0].Name)
		require.True(t, out.Cookies[0].Clear())
	})

	t.Run("none with covering grant", func(t *testing.T) {
		f := setupTestFixture(t)
		c := f.signIn(t)
		require.NoError(t, f.grantRepo.Save(ctx, &grants.Grant{TenantID: testTenantID, UserID: "user-" + testUserEmail, ClientID: "third", Scope: []string{"openid", "profile"}}))
		out := f.service.Authorize(ctx, authParams("third", func(p *oauthmodel.AuthorizationParameters) { p.Prompt = "none" }), c)
		require.Equal(t, auth.StateCodeIssued, out.State)
	})

	t.Run("login forces the login screen", func(t *testing.T) {
		f := setupTestFixture(t)
		c := f.signIn(t)
		out := f.service.Authorize(ctx, authParams("first", func(p *oauthmodel.AuthorizationParameters) { p.Prompt = "login" }), c)
		require.Equal(t, auth.StateNeedsLogin, out.State)
	})

	t.Run("consent always shows consent", func(t *testing.T) {
		f := setupTestFixture(t)
		c := f.signIn(t)
		out := f.service.Authorize(ctx, authParams("first", func(p *oauthmodel.AuthorizationParameters) { p.Prompt = "consent" }), c)
		require.Equal(t, auth.StateNeedsConsent, out.State)
	})

	t.Run("max_age older than the session", func(t *testing.T) {
		f := setupTestFixture(t)
		c := f.signIn(t)
		f.advance(2 * time.Minute)
		out := f.service.Authorize(ctx, authParams("first", func(p *oauthmodel.AuthorizationParameters) { p.MaxAge = "60" }), c)
		require.Equal(t, auth.StateNeedsLogin, out.State)
	})

	t.Run("interactive acr", func(t *testing.T) {
		f := setupTestFixture(t)
		c := f.signIn(t)
		out := f.service.Authorize(ctx, authParams("first", func(p *oauthmodel.AuthorizationParameters) { p.ACRValues = "1" }), c)
		require.Equal(t, auth.StateNeedsLogin, out.State)
	})
}

func TestHybridFlow(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	c := f.signIn(t)

	out := f.service.Authorize(ctx, authParams("first", func(p *oauthmodel.AuthorizationParameters) {
		p.ResponseType = "id_token code"
	}), c)
	require.Equal(t, auth.StateCodeIssued, out.State)
	require.Equal(t, oauthmodel.FragmentResponseMode, out.ResponseMode)
	require.Contains(t, out.RedirectURL(), "#")

	q := redirectParams(t, out)
	claims, err := tokenjwt.Verify(q.Get("id_token"), baseURL, f.signer)
	require.NoError(t, err)
	require.Equal(t, token.BindingHash(q.Get("code")), claims["c_hash"])
	require.Equal(t, testNonce, claims["nonce"])
	require.Empty(t, q.Get("access_token"))
}

func TestFormPostResponseMode(t *testing.T) {
	f := setupTestFixture(t)
	c := f.signIn(t)
	out := f.service.Authorize(context.Background(), authParams("first", func(p *oauthmodel.AuthorizationParameters) {
		p.ResponseMode = "form_post"
	}), c)
	require.Equal(t, oauthmodel.FormPostResponseMode, out.ResponseMode)
	require.Equal(t, testRedirectURI, out.Location)
	require.NotEmpty(t, out.Params.Get("code"))
}

func TestPasswordRegistration(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	out := f.service.Authorize(ctx, authParams("first", func(p *oauthmodel.AuthorizationParameters) {
		p.Screen = "register"
		p.LoginHint = "New@Example.com"
	}), auth.Cookies{})
	require.Equal(t, auth.StateNeedsRegistration, out.State)
	require.Equal(t, "/register", out.Location)
	c := apply(auth.Cookies{}, out)
	require.NotEmpty(t, c.RegistrationSession)

	view, oerr := f.service.RegistrationScreen(ctx, f.tenant, c)
	require.Nil(t, oerr)
	require.Equal(t, "new@example.com", view.Email)
	require.True(t, view.PasswordRequired)

	out = f.service.Register(ctx, f.tenant, auth.RegisterRequest{Email: "new@example.com", Password: "weak"}, c)
	require.Equal(t, oauthmodel.ErrCodeWeakPassword, out.Err.Code)

	out = f.service.Register(ctx, f.tenant, auth.RegisterRequest{Email: testUserEmail, Password: "Str0ngPassword"}, c)
	require.Equal(t, oauthmodel.ErrCodeUserAlreadyExists, out.Err.Code)

	out = f.service.Register(ctx, f.tenant, auth.RegisterRequest{Email: "new@example.com", Password: "Str0ngPassword", Fields: map[string]string{"age": "abc"}}, c)
	require.Equal(t, oauthmodel.ErrCodeInvalidField, out.Err.Code)

	out = f.service.Register(ctx, f.tenant, auth.RegisterRequest{Email: "new@example.com", Password: "Str0ngPassword"}, c)
	require.Equal(t, auth.StateCodeIssued, out.State)
	require.Equal(t, []string{"new@example.com"}, f.registered)

	user, err := f.userRepo.GetByEmail(ctx, testTenantID, "new@example.com")
	require.NoError(t, err)
	require.Equal(t, users.IntValue(18), user.Fields["age"])

	// the registration session is single use
	out = f.service.Register(ctx, f.tenant, auth.RegisterRequest{Email: "other@example.com", Password: "Str0ngPassword"}, c)
	require.Equal(t, oauthmodel.ErrCodeInvalidSession, out.Err.Code)
}

func TestEmailVerificationRequired(t *testing.T) {
	f := setupTestFixture(t)
	f.tenant.RequireEmailVerification = true
	ctx := context.Background()

	c := apply(auth.Cookies{}, f.service.Authorize(ctx, authParams("first"), auth.Cookies{}))
	out := f.service.Login(ctx, f.tenant, auth.LoginRequest{Email: testUserEmail, Password: testUserPassword}, c)
	require.Equal(t, auth.StateNeedsEmailVerification, out.State)
	require.Equal(t, "/verify-request", out.Location)
}

func TestFederatedLogin(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	c := apply(auth.Cookies{}, f.service.Authorize(ctx, authParams("first"), auth.Cookies{}))
	out := f.service.OAuthAuthorize(ctx, f.tenant, "corp", c)
	require.Equal(t, auth.StateNeedsOAuth, out.State)
	require.True(t, strings.HasPrefix(out.Location, "https://idp.example.com/authorize"))
	require.Equal(t, baseURL+"/oauth/callback", f.provider.lastAuth.RedirectURI)
	state := f.provider.lastAuth.State

	out = f.service.OAuthCallback(ctx, f.tenant, auth.CallbackParams{Code: "good", State: state}, c)
	require.Equal(t, auth.StateNeedsRegistration, out.State)
	c = apply(c, out)

	// the state is single use
	replay := f.service.OAuthCallback(ctx, f.tenant, auth.CallbackParams{Code: "good", State: state}, c)
	require.Equal(t, oauthmodel.ErrCodeInvalidSession, replay.Err.Code)

	view, oerr := f.service.RegistrationScreen(ctx, f.tenant, c)
	require.Nil(t, oerr)
	require.True(t, view.EmailLocked)
	require.False(t, view.PasswordRequired)
	require.Equal(t, "fed@example.com", view.Email)

	out = f.service.Register(ctx, f.tenant, auth.RegisterRequest{}, c)
	require.Equal(t, auth.StateCodeIssued, out.State)
	user, err := f.userRepo.GetByEmail(ctx, testTenantID, "fed@example.com")
	require.NoError(t, err)
	require.True(t, user.EmailVerified)
	require.False(t, user.HasPassword())

	// a second federated login signs the linked user straight in
	c = apply(auth.Cookies{}, f.service.Authorize(ctx, authParams("first"), auth.Cookies{}))
	f.service.OAuthAuthorize(ctx, f.tenant, "corp", c)
	out = f.service.OAuthCallback(ctx, f.tenant, auth.CallbackParams{Code: "good", State: f.provider.lastAuth.State}, c)
	require.Equal(t, auth.StateCodeIssued, out.State)
}

func TestFederatedLoginProviderError(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()

	out := f.service.OAuthAuthorize(ctx, f.tenant, "missing", auth.Cookies{})
	require.True(t, out.IsDirectError())

	f.service.OAuthAuthorize(ctx, f.tenant, "corp", auth.Cookies{})
	out = f.service.OAuthCallback(ctx, f.tenant, auth.CallbackParams{State: f.provider.lastAuth.State, Error: "access_denied"}, auth.Cookies{})
	require.Equal(t, auth.StateNeedsLogin, out.State)
	require.Contains(t, out.Location, "error=provider_error")
}

func TestFederatedLoginWithoutRequestLands(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	acct := &users.OAuthAccount{TenantID: testTenantID, ProviderID: "corp", AccountID: "upstream-1", UserID: "user-" + testUserEmail}
	require.NoError(t, f.oauthRepo.Upsert(ctx, acct))

	f.service.OAuthAuthorize(ctx, f.tenant, "corp", auth.Cookies{})
	out := f.service.OAuthCallback(ctx, f.tenant, auth.CallbackParams{Code: "good", State: f.provider.lastAuth.State}, auth.Cookies{})
	require.Equal(t, auth.StateStart, out.State)
	require.Equal(t, "https://app.example.com/home", out.Location)
	require.NotEmpty(t, apply(auth.Cookies{}, out).SessionToken)
}

func TestLogout(t *testing.T) {
	f := setupTestFixture(t)
	ctx := context.Background()
	c := f.signIn(t)

	out := f.service.Logout(ctx, f.tenant, c)
	require.Equal(t, "https://app.example.com/home", out.Location)
	require.True(t, out.Cookies[0].Clear())

	out = f.service.Authorize(ctx, authParams("first"), c)
	require.Equal(t, auth.StateNeedsLogin, out.State)
}
