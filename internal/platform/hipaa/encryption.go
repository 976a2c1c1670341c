package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the length of every AES-256 key handled by this package.
const KeySize = 32

// ErrOpen is returned when a ciphertext cannot be authenticated or decoded.
// Callers map it to a decryption failure without inspecting the cause.
var ErrOpen = errors.New("ciphertext could not be opened")

// PHIEncryptor encrypts PHI under a single fixed AES-256-GCM key. Output is
// the random nonce followed by the sealed data.
type PHIEncryptor struct {
	aead cipher.AEAD
}

func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("phi encryptor: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &PHIEncryptor{aead: aead}, nil
}

// Encrypt returns the base64 encoding of nonce||ciphertext.
func (e *PHIEncryptor) Encrypt(plaintext string) (string, error) {
	encrypted, err := e.EncryptBytes([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func (e *PHIEncryptor) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", ErrOpen)
	}

	plaintext, err := e.DecryptBytes(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (e *PHIEncryptor) EncryptBytes(data []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}

	// Seal appends to nonce, so the result is nonce + ciphertext.
	return e.aead.Seal(nonce, nonce, data, nil), nil
}

func (e *PHIEncryptor) DecryptBytes(data []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("phi decrypt: ciphertext too short: %w", ErrOpen)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %v: %w", err, ErrOpen)
	}
	return plaintext, nil
}

// AESGCM is a keyless cipher: every call names the key it seals or opens
// with. Records use it with their storage key and transfers with a one-time
// transmission key.
type AESGCM struct {
	rand io.Reader
}

func NewAESGCM() *AESGCM {
	return &AESGCM{rand: rand.Reader}
}

// NewKey returns a fresh random AES-256 key.
func (c *AESGCM) NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(c.rand, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

func (c *AESGCM) Seal(plaintext string, key []byte) (string, error) {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return "", err
	}
	return enc.Encrypt(plaintext)
}

func (c *AESGCM) Open(ciphertext string, key []byte) (string, error) {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrOpen)
	}
	return enc.Decrypt(ciphertext)
}

// KeyID derives a short non-reversible label for key. It identifies a key in
// logs and audit rows without revealing any of its bytes.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return "KEY-" + hex.EncodeToString(sum[:6])
}
