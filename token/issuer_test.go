package token_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/authflow/clients"
	fakeclientrepo "github.com/jrsteele09/authflow/clients/fakerepo"
	"github.com/jrsteele09/authflow/oauthmodel"
	"github.com/jrsteele09/authflow/permissions"
	permissionrepofake "github.com/jrsteele09/authflow/permissions/repofake"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/storage/memory"
	"github.com/jrsteele09/authflow/storage/redisstore"
	"github.com/jrsteele09/authflow/tenants"
	tenantrepofakes "github.com/jrsteele09/authflow/tenants/repofakes"
	"github.com/jrsteele09/authflow/token"
	tokenjwt "github.com/jrsteele09/authflow/token/jwt"
	"github.com/jrsteele09/authflow/token/keys"
	"github.com/jrsteele09/authflow/users"
	fakeuserrepo "github.com/jrsteele09/authflow/users/repofake"
)

const (
	baseURL  = "https://auth.example.com"
	tenantID = "tenant-1"
	verifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk-long-enough"
)

type issuerFixture struct {
	issuer  *token.Issuer
	signer  keys.Signer
	users   *fakeuserrepo.FakeUserRepo
	perms   *permissions.Resolver
	now     time.Time
	storage storage.Driver
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()
	return newIssuerFixtureOn(t, memory.NewDriver())
}

func newIssuerFixtureOn(t *testing.T, driver storage.Driver) *issuerFixture {
	t.Helper()
	f := &issuerFixture{now: time.Now(), storage: driver}

	kp, err := keys.GenerateRSAKeyPair("kid-1", 2048)
	require.NoError(t, err)
	f.signer = keys.NewKeyPairSigner(kp)

	tenantRepo := tenantrepofakes.NewFakeTenantRepo()
	tenantRepo.Upsert(&tenants.Tenant{ID: tenantID, Slug: "acme", Default: true}, kp)

	clientRepo := fakeclientrepo.NewFakeClientRepo()
	clientRepo.Upsert(&clients.Client{ID: "web", TenantID: tenantID, Type: clients.ClientTypeConfidential, Secret: "s3cret", RedirectURIs: []string{"https://app.example.com/cb"}})
	clientRepo.Upsert(&clients.Client{ID: "spa", TenantID: tenantID, Type: clients.ClientTypePublic, RedirectURIs: []string{"http://localhost/cb"}})

	f.users = fakeuserrepo.NewFakeUserRepo()
	require.NoError(t, f.users.Create(context.Background(), &users.User{
		ID: "user-1", TenantID: tenantID, Email: "ada@example.com", Active: true, EmailVerified: true,
		Fields: users.Fields{"nickname": users.StringValue("ada")},
	}))

	permRepo := permissionrepofake.NewFakePermissionRepo()
	f.perms, err = permissions.NewResolver(permRepo)
	require.NoError(t, err)
	_, err = f.perms.UpdateRolePermissions(context.Background(), tenantID, "admin", []string{"reports:read"})
	require.NoError(t, err)
	require.NoError(t, f.perms.AssignRole(context.Background(), tenantID, "user-1", "admin"))

	hasher, err := token.NewHasher([]byte("server-secret-server-secret-1234"))
	require.NoError(t, err)

	f.issuer, err = token.NewIssuer(token.IssuerDeps{
		Storage:     f.storage,
		Clients:     clientRepo,
		Tenants:     tenantRepo,
		Users:       f.users,
		Permissions: f.perms,
	}, hasher, token.Lifetimes{
		AuthCode:     time.Minute,
		AccessToken:  time.Hour,
		IDToken:      time.Hour,
		RefreshToken: 24 * time.Hour,
	}, baseURL, token.WithNowTime(func() time.Time { return f.now }))
	require.NoError(t, err)
	return f
}

func (f *issuerFixture) issueCode(t *testing.T, clientID string, scope []string, challenge string) string {
	t.Helper()
	b, err := f.storage.Tenant(context.Background(), tenantID)
	require.NoError(t, err)
	req := token.CodeRequest{
		TenantID:        tenantID,
		UserID:          "user-1",
		ClientID:        clientID,
		Scope:           scope,
		RedirectURI:     "https://app.example.com/cb",
		Nonce:           "n-0S6_WzA2Mj",
		ACR:             "1",
		AuthenticatedAt: f.now.Add(-time.Minute),
	}
	if challenge != "" {
		req.CodeChallenge, req.CodeChallengeMethod = challenge, string(oauthmodel.CodeMethodTypeS256)
	}
	raw, ac, err := f.issuer.IssueCode(context.Background(), b, req)
	require.NoError(t, err)
	require.NotEqual(t, raw, ac.CodeHash)
	require.Equal(t, token.BindingHash(raw), ac.CHash)
	return raw
}

func codeRequest(code string) oauthmodel.TokenRequest {
	return oauthmodel.TokenRequest{
		GrantType:    oauthmodel.AuthorizationCodeGrant,
		ClientID:     "web",
		ClientSecret: "s3cret",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
	}
}

func requireOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	var oerr *oauthmodel.Error
	require.ErrorAs(t, err, &oerr)
	require.Equal(t, code, oerr.Code)
}

func TestExchangeAuthorizationCode(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()
	code := f.issueCode(t, "web", []string{"openid", "offline_access"}, "")

	resp, err := f.issuer.Exchange(ctx, codeRequest(code))
	require.NoError(t, err)
	require.Equal(t, oauthmodel.TokenTypeBearer, resp.TokenType)
	require.Equal(t, 3600, resp.ExpiresIn)
	require.Equal(t, "openid offline_access", resp.Scope)
	require.NotEmpty(t, resp.RefreshToken)

	access, err := tokenjwt.Verify(resp.AccessToken, baseURL, f.signer)
	require.NoError(t, err)
	require.Equal(t, "user-1", access["sub"])
	require.Equal(t, []any{"reports:read"}, access["permissions"])

	idClaims, err := tokenjwt.Verify(resp.IDToken, baseURL, f.signer)
	require.NoError(t, err)
	require.Equal(t, "n-0S6_WzA2Mj", idClaims["nonce"])
	require.Equal(t, token.BindingHash(resp.AccessToken), idClaims["at_hash"])
	require.Equal(t, "ada@example.com", idClaims["email"])
	require.Equal(t, "1", idClaims["acr"])

	_, err = f.issuer.Exchange(ctx, codeRequest(code))
	requireOAuthError(t, err, oauthmodel.ErrCodeInvalidGrant)
}

func TestExchangeCodeWithoutOfflineAccessHasNoRefreshToken(t *testing.T) {
	f := newIssuerFixture(t)
	code := f.issueCode(t, "web", []string{"profile"}, "")

	resp, err := f.issuer.Exchange(context.Background(), codeRequest(code))
	require.NoError(t, err)
	require.Empty(t, resp.RefreshToken)
	require.Empty(t, resp.IDToken)
}

func TestExchangeRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("bad client secret", func(t *testing.T) {
		f := newIssuerFixture(t)
		req := codeRequest(f.issueCode(t, "web", []string{"openid"}, ""))
		req.ClientSecret = "wrong"
		_, err := f.issuer.Exchange(ctx, req)
		requireOAuthError(t, err, oauthmodel.ErrCodeInvalidClient)
	})

	t.Run("unknown client", func(t *testing.T) {
		f := newIssuerFixture(t)
		req := codeRequest("whatever")
		req.ClientID = "nobody"
		_, err := f.issuer.Exchange(ctx, req)
		requireOAuthError(t, err, oauthmodel.ErrCodeInvalidClient)
	})

	t.Run("unsupported grant", func(t *testing.T) {
		f := newIssuerFixture(t)
		req := codeRequest("whatever")
		req.GrantType = "password"
		_, err := f.issuer.Exchange(ctx, req)
		requireOAuthError(t, err, oauthmodel.ErrCodeUnsupportedGrantType)
	})

	t.Run("redirect mismatch keeps the code redeemable", func(t *testing.T) {
		f := newIssuerFixture(t)
		code := f.issueCode(t, "web", []string{"openid"}, "")
		req := codeRequest(code)
		req.RedirectURI = "https://app.example.com/other"
		_, err := f.issuer.Exchange(ctx, req)
		requireOAuthError(t, err, oauthmodel.ErrCodeInvalidGrant)

		_, err = f.issuer.Exchange(ctx, codeRequest(code))
		require.NoError(t, err)
	})

	t.Run("code issued to another client", func(t *testing.T) {
		f := newIssuerFixture(t)
		req := codeRequest(f.issueCode(t, "spa", []string{"openid"}, token.S256Challenge(verifier)))
		_, err := f.issuer.Exchange(ctx, req)
		requireOAuthError(t, err, oauthmodel.ErrCodeInvalidGrant)
	})

	t.Run("expired code", func(t *testing.T) {
		f := newIssuerFixture(t)
		code := f.issueCode(t, "web", []string{"openid"}, "")
		f.now = f.now.Add(2 * time.Minute)
		_, err := f.issuer.Exchange(ctx, codeRequest(code))
		requireOAuthError(t, err, oauthmodel.ErrCodeInvalidGrant)
	})

	t.Run("inactive user", func(t *testing.T) {
		f := newIssuerFixture(t)
		code := f.issueCode(t, "web", []string{"openid"}, "")
		u, err := f.users.GetByID(ctx, tenantID, "user-1")
		require.NoError(t, err)
		u.Active = false
		require.NoError(t, f.users.Update(ctx, u))
		_, err = f.issuer.Exchange(ctx, codeRequest(code))
		requireOAuthError(t, err, oauthmodel.ErrCodeInvalidGrant)
	})
}

func TestExchangePKCE(t *testing.T) {
	ctx := context.Background()
	f := newIssuerFixture(t)
	code := f.issueCode(t, "spa", []string{"openid"}, token.S256Challenge(verifier))

	req := oauthmodel.TokenRequest{
		GrantType:    oauthmodel.AuthorizationCodeGrant,
		ClientID:     "spa",
		Code:         code,
		RedirectURI:  "https://app.example.com/cb",
		CodeVerifier: "not-the-verifier-not-the-verifier-not-the-verifier",
	}
	_, err := f.issuer.Exchange(ctx, req)
	requireOAuthError(t, err, oauthmodel.ErrCodeInvalidGrant)

	req.CodeVerifier = verifier
	resp, err := f.issuer.Exchange(ctx, req)
	require.NoError(t, err)
	require.NotEmpty(t, resp.IDToken)
}

func TestRefreshTokenRotation(t *testing.T) {
	ctx := context.Background()
	f := newIssuerFixture(t)
	code := f.issueCode(t, "web", []string{"openid", "profile", "offline_access"}, "")
	first, err := f.issuer.Exchange(ctx, codeRequest(code))
	require.NoError(t, err)

	refreshReq := oauthmodel.TokenRequest{
		GrantType:    oauthmodel.RefreshTokenGrant,
		ClientID:     "web",
		ClientSecret: "s3cret",
		RefreshToken: first.RefreshToken,
		Scope:        "openid",
	}
	f.now = f.now.Add(10 * time.Minute)
	second, err := f.issuer.Exchange(ctx, refreshReq)
	require.NoError(t, err)
	require.Equal(t, "openid", second.Scope)
	require.NotEmpty(t, second.RefreshToken)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	firstID, err := tokenjwt.Verify(first.IDToken, baseURL, f.signer)
	require.NoError(t, err)
	secondID, err := tokenjwt.Verify(second.IDToken, baseURL, f.signer)
	require.NoError(t, err)
	require.Equal(t, firstID["auth_time"], secondID["auth_time"])
	require.NotContains(t, secondID, "nonce")

	// the old token is gone
	_, err = f.issuer.Exchange(ctx, refreshReq)
	requireOAuthError(t, err, oauthmodel.ErrCodeInvalidGrant)

	// the rotated token still carries the full original scope
	refreshReq.RefreshToken = second.RefreshToken
	refreshReq.Scope = ""
	third, err := f.issuer.Exchange(ctx, refreshReq)
	require.NoError(t, err)
	require.Equal(t, "openid profile offline_access", third.Scope)
}

func TestRefreshTokenScopeEscalation(t *testing.T) {
	ctx := context.Background()
	f := newIssuerFixture(t)
	code := f.issueCode(t, "web", []string{"openid", "offline_access"}, "")
	first, err := f.issuer.Exchange(ctx, codeRequest(code))
	require.NoError(t, err)

	req := oauthmodel.TokenRequest{
		GrantType:    oauthmodel.RefreshTokenGrant,
		ClientID:     "web",
		ClientSecret: "s3cret",
		RefreshToken: first.RefreshToken,
		Scope:        "openid admin",
	}
	_, err = f.issuer.Exchange(ctx, req)
	requireOAuthError(t, err, oauthmodel.ErrCodeInvalidScope)

	req.Scope = ""
	_, err = f.issuer.Exchange(ctx, req)
	require.NoError(t, err)
}

func TestMintHybrid(t *testing.T) {
	ctx := context.Background()
	f := newIssuerFixture(t)
	b, err := f.storage.Tenant(ctx, tenantID)
	require.NoError(t, err)
	raw, ac, err := f.issuer.IssueCode(ctx, b, token.CodeRequest{
		TenantID: tenantID, UserID: "user-1", ClientID: "web", Scope: []string{"openid"},
		RedirectURI: "https://app.example.com/cb", Nonce: "abc", AuthenticatedAt: f.now,
	})
	require.NoError(t, err)

	tokens, err := f.issuer.MintHybrid(ctx, ac, true, true)
	require.NoError(t, err)
	claims, err := tokenjwt.Verify(tokens.IDToken, baseURL, f.signer)
	require.NoError(t, err)
	require.Equal(t, token.BindingHash(raw), claims["c_hash"])
	require.Equal(t, token.BindingHash(tokens.AccessToken), claims["at_hash"])
	require.Equal(t, "abc", claims["nonce"])
}

func storageDrivers(t *testing.T) map[string]func(t *testing.T) storage.Driver {
	t.Helper()
	return map[string]func(t *testing.T) storage.Driver{
		"memory": func(t *testing.T) storage.Driver { return memory.NewDriver() },
		"redis": func(t *testing.T) storage.Driver {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return redisstore.NewDriverWithClient(client, "test")
		},
	}
}

// race runs exchange from n goroutines at once and counts successes and
// invalid_grant rejections.
func race(t *testing.T, n int, exchange func() error) (wins, rejected int64) {
	t.Helper()
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := exchange()
			if err == nil {
				atomic.AddInt64(&wins, 1)
				return
			}
			var oerr *oauthmodel.Error
			if errors.As(err, &oerr) && oerr.Code == oauthmodel.ErrCodeInvalidGrant {
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	close(start)
	wg.Wait()
	return wins, rejected
}

func TestConcurrentCodeExchange(t *testing.T) {
	for name, newDriver := range storageDrivers(t) {
		t.Run(name, func(t *testing.T) {
			f := newIssuerFixtureOn(t, newDriver(t))
			code := f.issueCode(t, "web", []string{"openid", "offline_access"}, "")

			const racers = 32
			wins, rejected := race(t, racers, func() error {
				_, err := f.issuer.Exchange(context.Background(), codeRequest(code))
				return err
			})
			require.EqualValues(t, 1, wins)
			require.EqualValues(t, racers-1, rejected)
		})
	}
}

func TestConcurrentRefreshRotation(t *testing.T) {
	for name, newDriver := range storageDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newIssuerFixtureOn(t, newDriver(t))
			code := f.issueCode(t, "web", []string{"openid", "offline_access"}, "")
			first, err := f.issuer.Exchange(ctx, codeRequest(code))
			require.NoError(t, err)

			refreshReq := oauthmodel.TokenRequest{
				GrantType:    oauthmodel.RefreshTokenGrant,
				ClientID:     "web",
				ClientSecret: "s3cret",
				RefreshToken: first.RefreshToken,
			}
			const racers = 32
			var (
				mu      sync.Mutex
				rotated []string
			)
			wins, rejected := race(t, racers, func() error {
				resp, err := f.issuer.Exchange(ctx, refreshReq)
				if err == nil {
					mu.Lock()
					rotated = append(rotated, resp.RefreshToken)
					mu.Unlock()
				}
				return err
			})
			require.EqualValues(t, 1, wins)
			require.EqualValues(t, racers-1, rejected)

			// only the single rotated token continues the chain
			refreshReq.RefreshToken = rotated[0]
			_, err = f.issuer.Exchange(ctx, refreshReq)
			require.NoError(t, err)
		})
	}
}

func TestFailedExchangeLeavesCodeRedeemable(t *testing.T) {
	for name, newDriver := range storageDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newIssuerFixtureOn(t, newDriver(t))
			code := f.issueCode(t, "web", []string{"openid"}, "")

			req := codeRequest(code)
			req.RedirectURI = "https://evil.example.com/cb"
			_, err := f.issuer.Exchange(ctx, req)
			requireOAuthError(t, err, oauthmodel.ErrCodeInvalidGrant)

			_, err = f.issuer.Exchange(ctx, codeRequest(code))
			require.NoError(t, err)
		})
	}
}
