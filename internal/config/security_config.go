package config

import (
	"encoding/base64"

	"github.com/pkg/errors"
)

const (
	serverSecretVar  = "SERVER_SECRET"
	encryptionKeyVar = "ENCRYPTION_KEY"
	cookieSecureVar  = "COOKIE_SECURE"
)

type SecurityConfig interface {
	// GetServerSecret is the HMAC key used to hash opaque tokens at rest.
	GetServerSecret() []byte
	// GetEncryptionKey is the 32 byte AES key sealing provider tokens at rest.
	GetEncryptionKey() []byte
	GetCookieSecure() bool
}

type Security struct {
	ServerSecret  []byte
	EncryptionKey []byte
	CookieSecure  bool
}

var _ SecurityConfig = Security{}

func loadSecurity() (Security, error) {
	secret := GetEnv(serverSecretVar, "")
	if secret == "" {
		return Security{}, errors.Errorf("[config] %s is required", serverSecretVar)
	}
	var key []byte
	if raw := GetEnv(encryptionKeyVar, ""); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Security{}, errors.Wrapf(err, "[config] %s must be base64", encryptionKeyVar)
		}
		if len(decoded) != 32 {
			return Security{}, errors.Errorf("[config] %s must decode to 32 bytes", encryptionKeyVar)
		}
		key = decoded
	}
	secure, err := getEnvBool(cookieSecureVar, false)
	if err != nil {
		return Security{}, err
	}
	return Security{
		ServerSecret:  []byte(secret),
		EncryptionKey: key,
		CookieSecure:  secure,
	}, nil
}

func (s Security) GetServerSecret() []byte {
	return s.ServerSecret
}

func (s Security) GetEncryptionKey() []byte {
	return s.EncryptionKey
}

func (s Security) GetCookieSecure() bool {
	return s.CookieSecure
}
