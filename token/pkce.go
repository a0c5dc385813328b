package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"github.com/jrsteele09/authflow/oauthmodel"
)

// S256Challenge derives the S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE reports whether verifier satisfies the stored challenge.
// An empty method is treated as plain.
func VerifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	var computed string
	switch oauthmodel.CodeMethodType(method) {
	case oauthmodel.CodeMethodTypeS256:
		computed = S256Challenge(verifier)
	case oauthmodel.CodeMethodTypePlain, "":
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
