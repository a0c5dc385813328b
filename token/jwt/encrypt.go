package jwt

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

var (
	keyAlgorithms     = []jose.KeyAlgorithm{jose.RSA_OAEP_256, jose.ECDH_ES_A256KW}
	contentEncryption = []jose.ContentEncryption{jose.A256GCM}
)

// Encrypt wraps a signed JWT in a compact JWE addressed to the client's public key.
// RSA keys use RSA-OAEP-256 and EC keys use ECDH-ES+A256KW; content is A256GCM.
func Encrypt(signedJWT string, pub crypto.PublicKey) (string, error) {
	var alg jose.KeyAlgorithm
	switch pub.(type) {
	case *rsa.PublicKey:
		alg = jose.RSA_OAEP_256
	case *ecdsa.PublicKey:
		alg = jose.ECDH_ES_A256KW
	default:
		return "", fmt.Errorf("unsupported encryption key type %T", pub)
	}

	opts := (&jose.EncrypterOptions{}).WithContentType("JWT").WithType("JWT")
	encrypter, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: alg, Key: pub}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}
	obj, err := encrypter.Encrypt([]byte(signedJWT))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt token: %w", err)
	}
	return obj.CompactSerialize()
}

// Decrypt opens a compact JWE produced by Encrypt and returns the inner signed JWT.
func Decrypt(compact string, priv crypto.PrivateKey) (string, error) {
	obj, err := jose.ParseEncrypted(compact, keyAlgorithms, contentEncryption)
	if err != nil {
		return "", fmt.Errorf("failed to parse JWE: %w", err)
	}
	plaintext, err := obj.Decrypt(priv)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt JWE: %w", err)
	}
	return string(plaintext), nil
}
