package keys

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs a tenant's tokens and verifies them on the way back in.
type Signer interface {
	Sign(claims jwt.MapClaims) (string, error)
	// GetVerificationKey is a jwt.Keyfunc.
	GetVerificationKey(token *jwt.Token) (any, error)
	GetSigningMethod() jwt.SigningMethod
}

// KeyPairSigner signs with one tenant key pair. Every token carries the
// pair's kid, and only tokens naming that kid and algorithm are verified.
type KeyPairSigner struct {
	pair *KeyPair
}

var _ Signer = (*KeyPairSigner)(nil)

func NewKeyPairSigner(pair *KeyPair) *KeyPairSigner {
	return &KeyPairSigner{pair: pair}
}

// KeyID is the kid stamped on every token this signer issues.
func (s *KeyPairSigner) KeyID() string {
	return s.pair.KeyID
}

func (s *KeyPairSigner) Sign(claims jwt.MapClaims) (string, error) {
	tok := jwt.NewWithClaims(s.pair.GetSigningMethod(), claims)
	tok.Header["kid"] = s.pair.KeyID
	signed, err := tok.SignedString(s.pair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign with key %q: %w", s.pair.KeyID, err)
	}
	return signed, nil
}

func (s *KeyPairSigner) GetVerificationKey(tok *jwt.Token) (any, error) {
	want := s.pair.GetSigningMethod().Alg()
	if alg := tok.Method.Alg(); alg != want {
		return nil, fmt.Errorf("token algorithm %s does not match key %q (%s)", alg, s.pair.KeyID, want)
	}
	if kid, ok := tok.Header["kid"].(string); ok && kid != s.pair.KeyID {
		return nil, fmt.Errorf("token was signed with key %q, expected %q", kid, s.pair.KeyID)
	}
	return s.pair.PublicKey, nil
}

func (s *KeyPairSigner) GetSigningMethod() jwt.SigningMethod {
	return s.pair.GetSigningMethod()
}

// GetJWKS publishes the public half of the tenant key pair.
func (s *KeyPairSigner) GetJWKS() (*JWKS, error) {
	jwk, err := s.pair.ToJWK()
	if err != nil {
		return nil, fmt.Errorf("publish key %q: %w", s.pair.KeyID, err)
	}
	return &JWKS{Keys: []JWK{*jwk}}, nil
}
