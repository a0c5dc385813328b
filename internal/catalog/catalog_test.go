package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/authflow/clients"
	"github.com/jrsteele09/authflow/internal/catalog"
	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/token/keys"
	"github.com/jrsteele09/authflow/users"
)

const catalogYAML = `
tenants:
  - id: t-main
    slug: main
    name: Main
    default: true
    default_redirect_uris: ["https://app.example.com/home"]
    user_fields:
      - name: age
        type: int
        default: "18"
    signing_key:
      id: main-1
      generate: ec
  - id: t-acme
    slug: acme
    name: Acme
    require_email_verification: true
    signing_key:
      id: acme-1
      file: acme.pem
    providers:
      - id: corp
        issuer: https://idp.acme.example.com
        client_id: up
        client_secret: up-secret
clients:
  - id: web
    tenant_id: t-main
    secret: s3cret
    redirect_uris: ["https://app.example.com/cb"]
    first_party: true
    access_token_ttl: 15m
  - id: spa
    tenant_id: t-acme
    type: public
    redirect_uris: ["http://localhost/cb"]
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	kp, err := keys.GenerateRSAKeyPair("acme-1", 2048)
	require.NoError(t, err)
	pem, err := kp.ExportPrivateKeyPEM()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "acme.pem"), []byte(pem), 0o600))
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	c, err := catalog.Load(writeCatalog(t), "")
	require.NoError(t, err)

	main, err := c.Tenants.Default(ctx)
	require.NoError(t, err)
	require.Equal(t, "t-main", main.ID)
	require.Equal(t, "", main.PathPrefix())
	require.Len(t, main.UserFields, 1)
	require.Equal(t, users.FieldInt, main.UserFields[0].Type)

	acme, err := c.Tenants.GetBySlug(ctx, "acme")
	require.NoError(t, err)
	require.True(t, acme.RequireEmailVerification)
	require.Equal(t, "/acme", acme.PathPrefix())

	signer, err := c.Tenants.SigningKey(ctx, "t-acme")
	require.NoError(t, err)
	require.Equal(t, "RS256", signer.GetSigningMethod().Alg())
	signer, err = c.Tenants.SigningKey(ctx, "t-main")
	require.NoError(t, err)
	require.Equal(t, "ES256", signer.GetSigningMethod().Alg())

	web, err := c.Clients.Get(ctx, "web")
	require.NoError(t, err)
	require.Equal(t, clients.ClientTypeConfidential, web.Type)
	require.Equal(t, 15*time.Minute, web.AccessTokenTTL)
	spa, err := c.Clients.Get(ctx, "spa")
	require.NoError(t, err)
	require.True(t, spa.IsPublic())

	_, err = c.Clients.Get(ctx, "nope")
	require.ErrorIs(t, err, clients.ErrClientNotFound)
	_, err = c.Tenants.Get(ctx, "nope")
	require.ErrorIs(t, err, tenants.ErrTenantNotFound)

	all, err := c.Tenants.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	reg := providers.NewRegistry()
	c.RegisterProviders(reg)
	require.Len(t, reg.Configs("t-acme"), 1)
	require.Empty(t, reg.Configs("t-main"))
}

func TestLoadDefaultOverride(t *testing.T) {
	c, err := catalog.Load(writeCatalog(t), "acme")
	require.NoError(t, err)
	dflt, err := c.Tenants.Default(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t-acme", dflt.ID)
}

func TestParseRejectsBadCatalogs(t *testing.T) {
	cases := map[string]string{
		"unknown tenant": `
tenants:
  - {id: a, slug: a}
clients:
  - {id: c, tenant_id: b}
`,
		"two defaults": `
tenants:
  - {id: a, slug: a, default: true}
  - {id: b, slug: b, default: true}
`,
		"missing slug": `
tenants:
  - {id: a}
`,
		"empty key": `
tenants:
  - id: a
    slug: a
    signing_key: {id: k}
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(raw), t.TempDir(), "")
			require.Error(t, err)
		})
	}
}
