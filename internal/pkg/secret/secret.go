// Package secret encrypts account credentials at rest with XChaCha20-Poly1305.
// A missing or malformed key is a startup error; there is no plaintext mode.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
)

const prefix = "v1:"

var (
	ErrMissingKey    = errors.New("ACCOUNT_SECRET_KEY is not configured")
	ErrInvalidKey    = errors.New("ACCOUNT_SECRET_KEY must be 32 bytes, base64 encoded")
	ErrNotCiphertext = errors.New("value is not an encrypted secret")
)

// Box seals and opens credential strings.
type Box struct {
	key []byte
}

// NewBox builds a Box from a base64 encoded 32 byte key.
func NewBox(encodedKey string) (*Box, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return nil, ErrMissingKey
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Box{key: key}, nil
}

// LoadBox reads ACCOUNT_SECRET_KEY from the environment.
func LoadBox() (*Box, error) {
	return NewBox(env.GetEnv("ACCOUNT_SECRET_KEY", ""))
}

// Seal encrypts plaintext into a printable token.
func (b *Box) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a token produced by Seal. Values without the version prefix
// are rejected instead of being treated as plaintext.
func (b *Box) Open(token string) (string, error) {
	if !strings.HasPrefix(token, prefix) {
		return "", ErrNotCiphertext
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, prefix))
	if err != nil {
		return "", ErrNotCiphertext
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrNotCiphertext
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open secret: %w", err)
	}
	return string(plain), nil
}
