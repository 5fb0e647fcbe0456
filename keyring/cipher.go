// Package keyring provides the secrets plumbing of ocvpn: the cipher that
// protects passwords at rest in the credential store, the machine-bound
// key it is derived from, and a system-keyring cache for OIDC tokens.
package keyring

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/ocvpn/common"
)

const (
	keySalt = "ocvpn-store"
	keyInfo = "ocvpn credential store v1"
)

// Cipher encrypts individual secret fields with XChaCha20-Poly1305.
// Output is hex(nonce || ciphertext || tag).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from secret and returns a Cipher using it.
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty key material", common.ErrCipher)
	}

	seed := sha256.Sum256(secret)
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, seed[:], []byte(keySalt), []byte(keyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", common.ErrCipher, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCipher, err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonceSize := c.aead.NonceSize()
	buf := make([]byte, nonceSize, nonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", common.ErrCipher, err)
	}
	sealed := c.aead.Seal(buf, buf[:nonceSize], []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Malformed, truncated or tampered input is an
// ErrCipher.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid hex payload", common.ErrCipher)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", common.ErrCipher)
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", common.ErrCipher)
	}
	return string(plaintext), nil
}
