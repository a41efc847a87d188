// Package token holds the short-lived bearer strings that carry onboarding
// state between the gateway, installers and invitees.
package token

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Curve-Labs/egregore-site-sub000/internal/utils"
)

// Kind distinguishes setup tokens from invite tokens.
type Kind string

const (
	KindSetup  Kind = "st"
	KindInvite Kind = "inv"

	// SecretBytes is the entropy of every token (96 bits).
	SecretBytes = 12
)

var (
	// ErrInvalidTokenFormat is returned when the token format is invalid
	ErrInvalidTokenFormat = errors.New("invalid token format")

	// ErrTokenNotFound is returned for tokens that were never issued or are already claimed.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned the first time an expired token is looked up.
	ErrTokenExpired = errors.New("token expired")
)

// Prefix returns the literal every token of kind starts with.
func (k Kind) Prefix() string { return string(k) + "_" }

func (k Kind) valid() bool { return k == KindSetup || k == KindInvite }

// GenerateToken returns a new token of kind: prefix followed by 24 hex characters.
func GenerateToken(kind Kind) (string, error) {
	if !kind.valid() {
		return "", fmt.Errorf("unknown token kind %q", kind)
	}
	return utils.GeneratePrefixedToken(kind.Prefix(), SecretBytes)
}

// ValidateTokenFormat checks the shape of token and reports its kind. It
// does not check whether the token exists.
func ValidateTokenFormat(token string) (Kind, error) {
	for _, kind := range []Kind{KindSetup, KindInvite} {
		if secret, ok := strings.CutPrefix(token, kind.Prefix()); ok {
			if !utils.IsHex(secret, SecretBytes*2) {
				return "", ErrInvalidTokenFormat
			}
			return kind, nil
		}
	}
	return "", ErrInvalidTokenFormat
}
