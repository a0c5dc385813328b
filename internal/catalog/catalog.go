// Package catalog loads tenants, clients and upstream providers from a YAML
// file and serves them as a tenants.Directory and a clients.Registry.
package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/jrsteele09/authflow/clients"
	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/token/keys"
)

// File is the on-disk layout.
type File struct {
	Tenants []TenantEntry     `yaml:"tenants"`
	Clients []*clients.Client `yaml:"clients"`
}

type TenantEntry struct {
	tenants.Tenant `yaml:",inline"`
	SigningKey     *KeyEntry          `yaml:"signing_key,omitempty"`
	Providers      []providers.Config `yaml:"providers,omitempty"`
}

// KeyEntry holds a PEM private key inline or by path relative to the catalog file.
type KeyEntry struct {
	ID       string `yaml:"id"`
	PEM      string `yaml:"pem,omitempty"`
	File     string `yaml:"file,omitempty"`
	Generate string `yaml:"generate,omitempty"` // "rsa" or "ec" for an ephemeral key
}

type Catalog struct {
	Tenants   *Directory
	Clients   *Registry
	providers map[string][]providers.Config
}

// Directory is the tenants.Directory view of the catalog.
type Directory struct {
	tenants map[string]*tenants.Tenant
	bySlug  map[string]*tenants.Tenant
	signers map[string]keys.Signer
	dflt    *tenants.Tenant
}

// Registry is the clients.Registry view of the catalog.
type Registry struct {
	clients map[string]*clients.Client
}

var (
	_ tenants.Directory = (*Directory)(nil)
	_ clients.Registry  = (*Registry)(nil)
)

// Load reads the catalog at path. defaultSlug, when set, overrides the tenant
// marked default in the file.
func Load(path, defaultSlug string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "[catalog.Load] read")
	}
	return Parse(raw, filepath.Dir(path), defaultSlug)
}

func Parse(raw []byte, baseDir, defaultSlug string) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "[catalog.Parse] yaml")
	}
	d := &Directory{
		tenants: make(map[string]*tenants.Tenant),
		bySlug:  make(map[string]*tenants.Tenant),
		signers: make(map[string]keys.Signer),
	}
	r := &Registry{clients: make(map[string]*clients.Client)}
	c := &Catalog{Tenants: d, Clients: r, providers: make(map[string][]providers.Config)}

	for i := range f.Tenants {
		entry := f.Tenants[i]
		t := entry.Tenant
		if t.ID == "" || t.Slug == "" {
			return nil, errors.Errorf("[catalog.Parse] tenant %d needs an id and a slug", i)
		}
		if _, dup := d.tenants[t.ID]; dup {
			return nil, errors.Errorf("[catalog.Parse] duplicate tenant %s", t.ID)
		}
		if defaultSlug != "" {
			t.Default = t.Slug == defaultSlug
		}
		if t.Default {
			if d.dflt != nil {
				return nil, errors.Errorf("[catalog.Parse] tenants %s and %s are both default", d.dflt.ID, t.ID)
			}
			d.dflt = &t
		}
		d.tenants[t.ID] = &t
		d.bySlug[t.Slug] = &t
		c.providers[t.ID] = entry.Providers

		if entry.SigningKey != nil {
			kp, err := loadKey(entry.SigningKey, baseDir)
			if err != nil {
				return nil, errors.Wrapf(err, "[catalog.Parse] tenant %s signing key", t.ID)
			}
			d.signers[t.ID] = keys.NewKeyPairSigner(kp)
		}
	}

	for _, cl := range f.Clients {
		if cl.ID == "" {
			return nil, errors.New("[catalog.Parse] client without id")
		}
		if _, ok := d.tenants[cl.TenantID]; !ok {
			return nil, errors.Errorf("[catalog.Parse] client %s references unknown tenant %q", cl.ID, cl.TenantID)
		}
		if _, dup := r.clients[cl.ID]; dup {
			return nil, errors.Errorf("[catalog.Parse] duplicate client %s", cl.ID)
		}
		if cl.Type == "" {
			cl.Type = clients.ClientTypeConfidential
		}
		if _, err := cl.EncryptionKey(); err != nil {
			return nil, errors.Wrapf(err, "[catalog.Parse] client %s encryption key", cl.ID)
		}
		r.clients[cl.ID] = cl
	}
	return c, nil
}

func loadKey(k *KeyEntry, baseDir string) (*keys.KeyPair, error) {
	keyID := k.ID
	if keyID == "" {
		keyID = "default"
	}
	switch {
	case k.PEM != "":
		return keys.LoadKeyPairFromPEM(keyID, k.PEM)
	case k.File != "":
		path := k.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return keys.LoadKeyPairFromPEM(keyID, string(raw))
	case k.Generate == "ec":
		log.Warn().Str("kid", keyID).Msg("using an ephemeral EC signing key")
		return keys.GenerateECKeyPair(keyID)
	case k.Generate == "rsa":
		log.Warn().Str("kid", keyID).Msg("using an ephemeral RSA signing key")
		return keys.GenerateRSAKeyPair(keyID, 2048)
	}
	return nil, errors.New("signing key needs pem, file or generate")
}

// RegisterProviders adds every tenant's upstream providers to r.
func (c *Catalog) RegisterProviders(reg *providers.Registry) {
	for tenantID, cfgs := range c.providers {
		for _, cfg := range cfgs {
			reg.Register(tenantID, cfg)
		}
	}
}

func (d *Directory) Get(_ context.Context, tenantID string) (*tenants.Tenant, error) {
	t, ok := d.tenants[tenantID]
	if !ok {
		return nil, tenants.ErrTenantNotFound
	}
	return t, nil
}

func (d *Directory) GetBySlug(_ context.Context, slug string) (*tenants.Tenant, error) {
	t, ok := d.bySlug[slug]
	if !ok {
		return nil, tenants.ErrTenantNotFound
	}
	return t, nil
}

func (d *Directory) Default(_ context.Context) (*tenants.Tenant, error) {
	if d.dflt == nil {
		return nil, tenants.ErrTenantNotFound
	}
	return d.dflt, nil
}

func (d *Directory) List(_ context.Context) ([]*tenants.Tenant, error) {
	out := make([]*tenants.Tenant, 0, len(d.tenants))
	for _, t := range d.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *Directory) SigningKey(_ context.Context, tenantID string) (keys.Signer, error) {
	s, ok := d.signers[tenantID]
	if !ok {
		return nil, tenants.ErrNoSigningKey
	}
	return s, nil
}

func (r *Registry) Get(_ context.Context, clientID string) (*clients.Client, error) {
	cl, ok := r.clients[clientID]
	if !ok {
		return nil, clients.ErrClientNotFound
	}
	return cl, nil
}
