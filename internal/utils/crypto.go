// Package utils provides common utility functions.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// randReader is swapped in tests to simulate entropy failure.
var randReader io.Reader = rand.Reader

// GenerateSecureToken returns length random bytes from crypto/rand, hex encoded.
func GenerateSecureToken(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}

	b := make([]byte, length)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GeneratePrefixedToken returns prefix followed by length random bytes in hex.
func GeneratePrefixedToken(prefix string, length int) (string, error) {
	secret, err := GenerateSecureToken(length)
	if err != nil {
		return "", err
	}
	return prefix + secret, nil
}

// IsHex reports whether s is a non-empty lower-case hex string of exactly n characters.
func IsHex(s string, n int) bool {
	if len(s) != n || n == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
