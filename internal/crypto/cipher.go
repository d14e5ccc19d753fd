package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	ivLen     = 16
	gcmTagLen = 16
	delimiter = ":"
)

// ErrCipherFailure is wrapped by every Decrypt error: malformed input,
// wrong key or tampered ciphertext.
var ErrCipherFailure = errors.New("token cipher failure")

// Cipher encrypts provider tokens at rest with AES-256-GCM.
// The key is SHA-256 of the configured secret and fixed for the Cipher's lifetime.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the 256-bit key from secret.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret is empty")
	}
	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns hex(iv) + ":" + hex(ciphertext+tag) under a fresh random IV.
// An empty plaintext yields an empty result: there is nothing to store.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate IV: %w", err)
	}

	ct := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	return hex.EncodeToString(iv) + delimiter + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. An empty input yields an empty result and no error;
// callers treat that as "no token stored".
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	ivHex, ctHex, ok := strings.Cut(ciphertext, delimiter)
	if !ok || ivHex == "" || ctHex == "" {
		return "", fmt.Errorf("%w: missing delimiter", ErrCipherFailure)
	}

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", ErrCipherFailure, err)
	}
	if len(iv) != ivLen {
		return "", fmt.Errorf("%w: iv is %d bytes", ErrCipherFailure, len(iv))
	}

	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrCipherFailure, err)
	}
	if len(ct) < gcmTagLen {
		return "", fmt.Errorf("%w: ciphertext too short", ErrCipherFailure)
	}

	plaintext, err := c.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt: %v", ErrCipherFailure, err)
	}
	return string(plaintext), nil
}
