package sealer

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrMalformed = errors.New("sealed value is malformed or was sealed with a different key")

// Sealer encrypts small values at rest with XChaCha20-Poly1305. The key is
// derived from an operator-supplied passphrase.
type Sealer struct {
	aead cipher.AEAD
}

func New(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("sealer: empty encryption key")
	}
	key := sha256.Sum256([]byte(passphrase))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("sealer: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns base64(nonce || ciphertext). associated binds the value to a
// row, usually the connection id.
func (s *Sealer) Seal(plaintext []byte, associated string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, plaintext, []byte(associated))
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Sealer) Open(sealed string, associated string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrMalformed
	}
	ns := s.aead.NonceSize()
	if len(data) < ns+s.aead.Overhead() {
		return nil, ErrMalformed
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(associated))
	if err != nil {
		return nil, ErrMalformed
	}
	return plain, nil
}
