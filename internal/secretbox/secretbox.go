// Package secretbox seals small values with AES-256-GCM.
// Sealed values have the form base64(nonce) + "|" + base64(ciphertext).
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidKey    = errors.New("secretbox key must be 32 bytes")
	ErrMalformed     = errors.New("malformed sealed value")
	ErrDecryptFailed = errors.New("sealed value failed authentication")
)

type Box struct {
	aead cipher.AEAD
}

func New(key []byte) (*Box, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "[secretbox.New] aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "[secretbox.New] gcm")
	}
	return &Box{aead: aead}, nil
}

func (b *Box) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "[secretbox.Seal] nonce")
	}
	ct := b.aead.Seal(nil, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(nonce) + "|" + base64.StdEncoding.EncodeToString(ct), nil
}

func (b *Box) Open(sealed string) ([]byte, error) {
	nonceB64, ctB64, ok := strings.Cut(sealed, "|")
	if !ok {
		return nil, ErrMalformed
	}
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonce) != b.aead.NonceSize() {
		return nil, ErrMalformed
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return nil, ErrMalformed
	}
	pt, err := b.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return pt, nil
}
