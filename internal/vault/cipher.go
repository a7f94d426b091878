package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"presencebot/internal/storage"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// Cipher seals secrets with AES-256-GCM under a process-wide key.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (storage.Sealed, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return storage.Sealed{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return storage.Sealed{
		Nonce:      nonce,
		Ciphertext: c.aead.Seal(nil, nonce, []byte(plaintext), nil),
	}, nil
}

// Decrypt opens a sealed value. Any tampering or key mismatch yields ErrDecryption.
func (c *Cipher) Decrypt(s storage.Sealed) (string, error) {
	if len(s.Nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce length %d", ErrDecryption, len(s.Nonce))
	}
	pt, err := c.aead.Open(nil, s.Nonce, s.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(pt), nil
}
