package clients

import (
	"crypto"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/jrsteele09/authflow/token/keys"
)

type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential" // Can keep secrets (server-side apps)
	ClientTypePublic       ClientType = "public"       // Cannot keep secrets (SPAs, mobile apps)
)

var (
	ErrClientNotFound = errors.New("client not found")
	ErrInvalidScope   = errors.New("scope not allowed for client")
)

type Client struct {
	ID               string        `json:"id" yaml:"id"`
	TenantID         string        `json:"tenantId" yaml:"tenant_id"`
	Type             ClientType    `json:"type" yaml:"type"` // public or confidential
	Description      string        `json:"description" yaml:"description"`
	Secret           string        `json:"secret" yaml:"secret"`
	RedirectURIs     []string      `json:"redirectURIs" yaml:"redirect_uris"`
	Scopes           []string      `json:"scopes" yaml:"scopes"` // Allowed scopes; empty allows any
	FirstParty       bool          `json:"firstParty" yaml:"first_party"`
	AccessTokenTTL   time.Duration `json:"accessTokenTTL" yaml:"access_token_ttl"`
	IDTokenTTL       time.Duration `json:"idTokenTTL" yaml:"id_token_ttl"`
	RefreshTokenTTL  time.Duration `json:"refreshTokenTTL" yaml:"refresh_token_ttl"`
	EncryptionKeyPEM string        `json:"encryptionKey,omitempty" yaml:"encryption_key,omitempty"` // ID tokens are JWE-wrapped when set
}

// IsPublic returns true if the client is a public client
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// HasScope checks if the client has permission for a specific scope
func (c *Client) HasScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ValidateScopes checks if all requested scopes are allowed for this client
func (c *Client) ValidateScopes(scopes []string) error {
	for _, scope := range scopes {
		if !c.HasScope(scope) {
			return ErrInvalidScope
		}
	}
	return nil
}

// Authenticate compares a presented secret in constant time. Public clients
// authenticate by id alone and must not present a secret.
func (c *Client) Authenticate(secret string) bool {
	if c.IsPublic() {
		return secret == ""
	}
	if c.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(secret)) == 1
}

// EncryptionKey returns the client's public encryption key, or nil when ID tokens are sent signed only.
func (c *Client) EncryptionKey() (crypto.PublicKey, error) {
	if c.EncryptionKeyPEM == "" {
		return nil, nil
	}
	return keys.ParsePublicKeyPEM(c.EncryptionKeyPEM)
}

func lifetime(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func (c *Client) AccessTokenLifetime(fallback time.Duration) time.Duration {
	return lifetime(c.AccessTokenTTL, fallback)
}

func (c *Client) IDTokenLifetime(fallback time.Duration) time.Duration {
	return lifetime(c.IDTokenTTL, fallback)
}

func (c *Client) RefreshTokenLifetime(fallback time.Duration) time.Duration {
	return lifetime(c.RefreshTokenTTL, fallback)
}
