package tenants

import (
	"strings"

	"github.com/jrsteele09/authflow/users"
)

// Tenant is an isolation boundary with its own users, signing key and routes.
type Tenant struct {
	ID                       string                  `json:"id" yaml:"id"`
	Slug                     string                  `json:"slug" yaml:"slug"`
	Name                     string                  `json:"name" yaml:"name"`
	Default                  bool                    `json:"default" yaml:"default"` // served without a path prefix
	Issuer                   string                  `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	DefaultRedirectURIs      []string                `json:"default_redirect_uris,omitempty" yaml:"default_redirect_uris,omitempty"`
	RequireEmailVerification bool                    `json:"require_email_verification" yaml:"require_email_verification"`
	UserFields               []users.FieldDefinition `json:"user_fields,omitempty" yaml:"user_fields,omitempty"`
	PasswordAlgorithm        string                  `json:"password_algorithm,omitempty" yaml:"password_algorithm,omitempty"` // bcrypt (default) or argon2id
}

// PathPrefix is "" for the default tenant, else "/{slug}".
func (t *Tenant) PathPrefix() string {
	if t.Default {
		return ""
	}
	return "/" + t.Slug
}

// IssuerURL is the tenant's explicit issuer or baseURL joined with the path prefix.
func (t *Tenant) IssuerURL(baseURL string) string {
	if t.Issuer != "" {
		return t.Issuer
	}
	return strings.TrimRight(baseURL, "/") + t.PathPrefix()
}

// CookiePath scopes browser cookies to the tenant's routes.
func (t *Tenant) CookiePath() string {
	if p := t.PathPrefix(); p != "" {
		return p
	}
	return "/"
}
