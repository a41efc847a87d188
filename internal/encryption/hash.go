// Package encryption hashes API keys for storage and seals tenant secrets
// held in the admin store.
package encryption

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// HashPrefix marks a stored bcrypt key hash.
	HashPrefix = "hash:v1:"

	// DefaultBcryptCost is the bcrypt cost used for API keys.
	DefaultBcryptCost = 10

	bcryptMaxInput = 72
)

var (
	// ErrHashMismatch is returned when a key does not match a stored hash.
	ErrHashMismatch = errors.New("hash does not match")

	// ErrInvalidHash is returned when a stored value is not a recognised hash.
	ErrInvalidHash = errors.New("invalid hash format")
)

// Hasher is what the directory and authenticator need from a key hasher.
type Hasher interface {
	HashKey(key string) (string, error)
	VerifyKey(key, stored string) error
	LookupKey(key string) string
}

// KeyHasher hashes API keys with bcrypt and derives SHA-256 lookup keys
// for caching verified credentials.
type KeyHasher struct {
	bcryptCost int
}

// NewKeyHasher creates a KeyHasher with DefaultBcryptCost.
func NewKeyHasher() *KeyHasher {
	return &KeyHasher{bcryptCost: DefaultBcryptCost}
}

// NewKeyHasherWithCost creates a KeyHasher with a custom bcrypt cost.
func NewKeyHasherWithCost(cost int) (*KeyHasher, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &KeyHasher{bcryptCost: cost}, nil
}

// HashKey returns HashPrefix followed by the bcrypt hash of key.
func (h *KeyHasher) HashKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("key cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(bcryptInput(key), h.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}
	return HashPrefix + string(hash), nil
}

// VerifyKey returns nil when key matches stored. Plaintext stored values are
// rejected with ErrInvalidHash.
func (h *KeyHasher) VerifyKey(key, stored string) error {
	if key == "" || stored == "" {
		return ErrHashMismatch
	}
	if !IsHashed(stored) {
		return ErrInvalidHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(stored[len(HashPrefix):]), bcryptInput(key))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrHashMismatch
		}
		return fmt.Errorf("failed to verify key: %w", err)
	}
	return nil
}

// LookupKey is a deterministic SHA-256 digest of key, hex encoded.
func (h *KeyHasher) LookupKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// IsHashed checks if a value has the hash prefix.
func IsHashed(value string) bool {
	return len(value) > len(HashPrefix) && strings.HasPrefix(value, HashPrefix)
}

// bcrypt ignores input past 72 bytes, so longer keys are pre-hashed.
func bcryptInput(key string) []byte {
	input := []byte(key)
	if len(input) > bcryptMaxInput {
		sum := sha256.Sum256(input)
		input = sum[:]
	}
	return input
}

var _ Hasher = (*KeyHasher)(nil)
