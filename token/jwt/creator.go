package jwt

import (
	"crypto"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jrsteele09/authflow/token/keys"
)

// IDTokenClaims are the identity claims placed in an OpenID Connect ID token.
type IDTokenClaims struct {
	Issuer        string
	ClientID      string
	Subject       string
	Email         string
	EmailVerified bool
	TenantID      string
	Fields        map[string]any
	AuthTime      time.Time
	ACR           string
	Nonce         string
	CHash         string // binds the token to the authorization code
	ATHash        string // binds the token to the access token
}

// AccessTokenClaims are the authorization claims placed in an access token.
type AccessTokenClaims struct {
	Issuer      string
	ClientID    string
	Subject     string
	TenantID    string
	Scope       string
	Permissions []string
	ACR         string
	AuthTime    time.Time
}

// Creator handles JWT token creation (ID tokens and access tokens)
type Creator struct {
	now func() time.Time
}

// NewCreator creates a new JWT creator. A nil clock uses time.Now.
func NewCreator(now func() time.Time) *Creator {
	if now == nil {
		now = time.Now
	}
	return &Creator{now: now}
}

// CreateIDToken signs an ID token and, when encryptTo is set, wraps it in a JWE for that key.
func (c *Creator) CreateIDToken(claims IDTokenClaims, lifetime time.Duration, signer keys.Signer, encryptTo crypto.PublicKey) (string, error) {
	now := c.now()
	mc := jwtlib.MapClaims{
		"iss":            claims.Issuer,
		"sub":            claims.Subject,
		"aud":            claims.ClientID,
		"azp":            claims.ClientID,
		"email":          claims.Email,
		"email_verified": claims.EmailVerified,
		"tenant_id":      claims.TenantID,
		"fields":         nonNilFields(claims.Fields),
		"auth_time":      claims.AuthTime.Unix(),
		"acr":            claims.ACR,
		"iat":            now.Unix(),
		"exp":            now.Add(lifetime).Unix(),
		"jti":            uuid.New().String(),
	}
	if claims.Nonce != "" {
		mc["nonce"] = claims.Nonce
	}
	if claims.CHash != "" {
		mc["c_hash"] = claims.CHash
	}
	if claims.ATHash != "" {
		mc["at_hash"] = claims.ATHash
	}

	signed, err := signer.Sign(mc)
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	if encryptTo == nil {
		return signed, nil
	}
	return Encrypt(signed, encryptTo)
}

// CreateAccessToken signs an access token.
func (c *Creator) CreateAccessToken(claims AccessTokenClaims, lifetime time.Duration, signer keys.Signer) (string, error) {
	now := c.now()
	permissions := claims.Permissions
	if permissions == nil {
		permissions = []string{}
	}
	mc := jwtlib.MapClaims{
		"iss":         claims.Issuer,  // The issuer of the token (tenant-specific)
		"aud":         claims.Issuer,  // Resource servers of the tenant accept their own issuer
		"azp":         claims.ClientID, // The OAuth2 client that requested the token
		"sub":         claims.Subject,
		"tenant_id":   claims.TenantID,
		"scope":       claims.Scope,
		"permissions": permissions,
		"acr":         claims.ACR,
		"auth_time":   claims.AuthTime.Unix(),
		"iat":         now.Unix(),
		"exp":         now.Add(lifetime).Unix(),
		"jti":         uuid.New().String(),
	}
	signed, err := signer.Sign(mc)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

func nonNilFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	return fields
}
