package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/pkg/errors"
)

// opaqueTokenBytes is the entropy of every opaque token (256 bits).
const opaqueTokenBytes = 32

// GenerateOpaque returns a URL-safe random token.
func GenerateOpaque() (string, error) {
	b := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "[GenerateOpaque]")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the at-rest form of an opaque token: hex(HMAC-SHA256(secret, token)).
func HashToken(token string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Hasher binds the server secret so callers never handle it directly.
type Hasher struct {
	secret []byte
}

func NewHasher(secret []byte) (*Hasher, error) {
	if len(secret) == 0 {
		return nil, errors.New("[NewHasher] server secret is required")
	}
	return &Hasher{secret: secret}, nil
}

func (h *Hasher) Hash(token string) string {
	return HashToken(token, h.secret)
}

// Generate returns a new opaque token and its at-rest hash.
func (h *Hasher) Generate() (raw string, hash string, err error) {
	raw, err = GenerateOpaque()
	if err != nil {
		return "", "", err
	}
	return raw, h.Hash(raw), nil
}
