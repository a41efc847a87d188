package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// EncryptedPrefix marks a sealed value.
	EncryptedPrefix = "enc:v1:"
)

var (
	ErrInvalidKeySize    = errors.New("encryption key must be exactly 32 bytes")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrNoEncryptionKey   = errors.New("no encryption key configured")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
)

// FieldEncryptor seals and opens individual column values.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Encryptor seals values with AES-256-GCM. The nonce is stored in front of
// the ciphertext. Safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an Encryptor from a raw 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// NewEncryptorFromBase64Key decodes a standard base64 key (ENCRYPTION_KEY).
func NewEncryptorFromBase64Key(encoded string) (*Encryptor, error) {
	if encoded == "" {
		return nil, ErrNoEncryptionKey
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	return NewEncryptor(key)
}

// Encrypt seals plaintext. Empty input stays empty.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a sealed value. Values without EncryptedPrefix are returned
// unchanged so rows written before a key was configured stay readable.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext[len(EncryptedPrefix):])
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(data) < ns+e.aead.Overhead()+1 {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// IsEncrypted checks if a value has the encryption prefix.
func IsEncrypted(value string) bool {
	return len(value) > len(EncryptedPrefix) && strings.HasPrefix(value, EncryptedPrefix)
}

// GenerateKeyBase64 returns a fresh random key suitable for ENCRYPTION_KEY.
func GenerateKeyBase64() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// NullEncryptor stores values as-is. Used when no ENCRYPTION_KEY is set.
type NullEncryptor struct{}

func (NullEncryptor) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// Decrypt fails on sealed values; there is no key to open them.
func (NullEncryptor) Decrypt(ciphertext string) (string, error) {
	if IsEncrypted(ciphertext) {
		return "", ErrNoEncryptionKey
	}
	return ciphertext, nil
}

var (
	_ FieldEncryptor = (*Encryptor)(nil)
	_ FieldEncryptor = NullEncryptor{}
)
