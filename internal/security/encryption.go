package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	sealedPrefix = "enc:"
	// SaltSize is the length of the key-derivation salt.
	SaltSize = 16
)

// RecordCipher seals stored documents with AES-256-GCM under a key derived
// from a passphrase and a persisted salt via Argon2id. The same passphrase
// and salt always yield the same key, so records survive restarts.
type RecordCipher struct {
	mu  sync.RWMutex
	gcm cipher.AEAD
	key []byte
}

// NewSalt returns a random salt for NewRecordCipher.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// NewRecordCipher derives the key. salt must be SaltSize bytes.
func NewRecordCipher(passphrase string, salt []byte) (*RecordCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &RecordCipher{gcm: gcm, key: key}, nil
}

// Seal encrypts plaintext to "enc:" + base64(nonce + ciphertext).
func (c *RecordCipher) Seal(plaintext []byte) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gcm == nil {
		return "", fmt.Errorf("cipher zeroized")
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.gcm.Seal(nonce, nonce, plaintext, nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Input without the "enc:" prefix is returned as-is so
// documents written before encryption was enabled stay readable.
func (c *RecordCipher) Open(s string) ([]byte, error) {
	raw, ok := strings.CutPrefix(s, sealedPrefix)
	if !ok {
		return []byte(s), nil
	}

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gcm == nil {
		return nil, fmt.Errorf("cipher zeroized")
	}
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether s was produced by Seal.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix)
}

// Zeroize clears the key. Seal and Open fail afterwards.
func (c *RecordCipher) Zeroize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.key)
	c.gcm = nil
}
