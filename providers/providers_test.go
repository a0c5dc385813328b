package providers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/token/keys"
)

type fakeIDP struct {
	server      *httptest.Server
	signer      *keys.KeyPairSigner
	nonce       string
	discoveries atomic.Int32
}

func newFakeIDP(t *testing.T) *fakeIDP {
	t.Helper()
	kp, err := keys.GenerateRSAKeyPair("idp-key", 2048)
	require.NoError(t, err)
	idp := &fakeIDP{signer: keys.NewKeyPairSigner(kp)}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		idp.discoveries.Add(1)
		base := idp.server.URL
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                base,
			"authorization_endpoint":                base + "/authorize",
			"token_endpoint":                        base + "/token",
			"jwks_uri":                              base + "/jwks",
			"userinfo_endpoint":                     base + "/userinfo",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		jwks, err := idp.signer.GetJWKS()
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(jwks)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		idToken, err := idp.signer.Sign(jwt.MapClaims{
			"iss":   idp.server.URL,
			"aud":   "upstream-client",
			"sub":   "upstream-123",
			"email": "Ada@Example.com",
			"nonce": idp.nonce,
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"refresh_token": "upstream-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"id_token":      idToken,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer upstream-access" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 42, "email": "grace@example.com"})
	})
	idp.server = httptest.NewServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func TestOIDCProvider(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIDP(t)
	idp.nonce = "nonce-1"

	registry := providers.NewRegistry(providers.WithHTTPClient(idp.server.Client()))
	registry.Register("tenant-1", providers.Config{
		ID:           "corp",
		Issuer:       idp.server.URL,
		ClientID:     "upstream-client",
		ClientSecret: "upstream-secret",
	})

	p, err := registry.Get(ctx, "tenant-1", "corp")
	require.NoError(t, err)
	again, err := registry.Get(ctx, "tenant-1", "corp")
	require.NoError(t, err)
	require.Same(t, p, again)
	require.Equal(t, int32(1), idp.discoveries.Load())

	authURL, err := url.Parse(p.AuthCodeURL(providers.AuthRequest{
		State:        "state-1",
		Nonce:        "nonce-1",
		CodeVerifier: "verifier-verifier-verifier-verifier-verifier",
		RedirectURI:  "https://auth.example.com/oauth/callback",
	}))
	require.NoError(t, err)
	q := authURL.Query()
	require.Equal(t, "state-1", q.Get("state"))
	require.Equal(t, "nonce-1", q.Get("nonce"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	require.Equal(t, "https://auth.example.com/oauth/callback", q.Get("redirect_uri"))

	account, err := p.Exchange(ctx, "good-code", "verifier-verifier-verifier-verifier-verifier", "https://auth.example.com/oauth/callback", "nonce-1")
	require.NoError(t, err)
	require.Equal(t, "upstream-123", account.ID)
	require.Equal(t, "ada@example.com", account.Email)
	require.Equal(t, "upstream-access", account.Tokens.AccessToken)
	require.Equal(t, "upstream-refresh", account.Tokens.RefreshToken)

	_, err = p.Exchange(ctx, "good-code", "", "https://auth.example.com/oauth/callback", "other-nonce")
	require.ErrorIs(t, err, providers.ErrNonceMismatch)

	_, err = p.Exchange(ctx, "bad-code", "", "https://auth.example.com/oauth/callback", "nonce-1")
	require.Error(t, err)
}

func TestPlainOAuthProvider(t *testing.T) {
	ctx := context.Background()
	idp := newFakeIDP(t)

	registry := providers.NewRegistry(providers.WithHTTPClient(idp.server.Client()))
	registry.Register("tenant-1", providers.Config{
		ID:          "gh",
		ClientID:    "upstream-client",
		AuthURL:     idp.server.URL + "/authorize",
		TokenURL:    idp.server.URL + "/token",
		UserInfoURL: idp.server.URL + "/userinfo",
	})

	p, err := registry.Get(ctx, "tenant-1", "gh")
	require.NoError(t, err)
	require.Equal(t, "gh", p.ID())
	account, err := p.Exchange(ctx, "good-code", "", "https://auth.example.com/oauth/callback", "")
	require.NoError(t, err)
	require.Equal(t, "42", account.ID)
	require.Equal(t, "grace@example.com", account.Email)
	require.Equal(t, int32(0), idp.discoveries.Load())
}

func TestRegistryUnknownProvider(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Register("tenant-1", providers.Config{ID: "gh"})

	_, err := registry.Get(context.Background(), "tenant-2", "gh")
	require.ErrorIs(t, err, providers.ErrProviderNotFound)

	_, err = registry.Get(context.Background(), "tenant-1", "gh")
	require.Error(t, err)
	require.Len(t, registry.Configs("tenant-1"), 1)
	require.Empty(t, registry.Configs("tenant-2"))
}
