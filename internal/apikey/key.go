// Package apikey defines the gateway's bearer credential format
// (ek_<slug>_<32 hex>) and maps presented credentials to tenants.
package apikey

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
	"github.com/Curve-Labs/egregore-site-sub000/internal/utils"
)

const (
	// Literal is the fixed first segment of every key.
	Literal = "ek"

	// SecretBytes is the entropy of the secret segment (128 bits).
	SecretBytes = 16

	displaySecretChars = 4
)

// Error is an authentication failure with a stable code. Callers only ever
// see "unauthorized"; the code is for logs and metrics.
type Error struct {
	Code string
}

func (e *Error) Error() string { return "apikey: " + e.Code }

var (
	ErrInvalidFormat      = &Error{Code: "invalid_format"}
	ErrUnknownTenant      = &Error{Code: "unknown_tenant"}
	ErrCredentialMismatch = &Error{Code: "credential_mismatch"}
)

// Code returns the failure code carried by err, or "" for other errors.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Parsed is a structurally valid key.
type Parsed struct {
	Slug   string
	Secret string
}

// Parse splits key into its three segments and checks their shape.
func Parse(key string) (Parsed, error) {
	parts := strings.Split(key, "_")
	if len(parts) != 3 || parts[0] != Literal || parts[1] == "" {
		return Parsed{}, ErrInvalidFormat
	}
	if !utils.IsHex(parts[2], SecretBytes*2) {
		return Parsed{}, ErrInvalidFormat
	}
	return Parsed{Slug: parts[1], Secret: parts[2]}, nil
}

// Generate mints a new key for slug.
func Generate(slug string) (string, error) {
	if slug == "" || strings.ContainsAny(slug, "_ ") {
		return "", fmt.Errorf("invalid slug %q for api key", slug)
	}
	secret, err := utils.GenerateSecureToken(SecretBytes)
	if err != nil {
		return "", err
	}
	return Literal + "_" + slug + "_" + secret, nil
}

// DisplayPrefix is the non-secret part of a key shown in listings.
func DisplayPrefix(key string) string {
	p, err := Parse(key)
	if err != nil {
		return ""
	}
	return Literal + "_" + p.Slug + "_" + p.Secret[:displaySecretChars]
}

// NewStoredKey hashes plaintext into a directory key record.
func NewStoredKey(hasher encryption.Hasher, plaintext string) (tenant.Key, error) {
	p, err := Parse(plaintext)
	if err != nil {
		return tenant.Key{}, err
	}
	hash, err := hasher.HashKey(plaintext)
	if err != nil {
		return tenant.Key{}, err
	}
	return tenant.Key{
		ID:        uuid.NewString(),
		Slug:      p.Slug,
		Prefix:    DisplayPrefix(plaintext),
		Hash:      hash,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Issue generates a key for slug and returns the plaintext with its stored form.
// The plaintext must be handed to the caller once and then discarded.
func Issue(hasher encryption.Hasher, slug string) (string, tenant.Key, error) {
	plaintext, err := Generate(slug)
	if err != nil {
		return "", tenant.Key{}, err
	}
	k, err := NewStoredKey(hasher, plaintext)
	if err != nil {
		return "", tenant.Key{}, err
	}
	return plaintext, k, nil
}

// EntriesFromOptions converts environment tenants into directory entries.
// Plaintext keys are hashed here and not retained. A key whose slug segment
// differs from its tenant is rejected.
func EntriesFromOptions(opts []config.TenantOptions, hasher encryption.Hasher) ([]tenant.Entry, error) {
	entries := make([]tenant.Entry, 0, len(opts))
	for _, o := range opts {
		e := tenant.Entry{Tenant: tenant.Tenant{
			Slug:             o.Slug,
			OrgName:          o.OrgName,
			GitHubOrg:        o.GitHubOrg,
			MemoryRepo:       o.MemoryRepo,
			Neo4jHost:        o.Neo4jHost,
			Neo4jUser:        o.Neo4jUser,
			Neo4jPassword:    o.Neo4jPassword,
			TelegramBotToken: o.TelegramBotToken,
			TelegramChatID:   o.TelegramChatID,
		}}
		if o.APIKey != "" {
			k, err := NewStoredKey(hasher, o.APIKey)
			if err != nil {
				return nil, fmt.Errorf("tenant %s: api_key: %w", o.Slug, err)
			}
			if k.Slug != o.Slug {
				return nil, fmt.Errorf("tenant %s: api_key belongs to %q", o.Slug, k.Slug)
			}
			e.Keys = []tenant.Key{k}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
