package token

import (
	"crypto/sha256"
	"encoding/base64"
)

// BindingHash computes c_hash / at_hash: the left half of sha256(value),
// base64url encoded without padding.
func BindingHash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
