// Package tenant holds the tenant directory: the read-mostly mapping from
// slug to graph connection and messaging settings, plus the API key hashes
// that unlock each tenant.
package tenant

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no tenant has the requested slug.
	ErrNotFound = errors.New("tenant not found")

	// ErrSlugTaken is returned when installing a tenant whose slug already exists.
	ErrSlugTaken = errors.New("tenant slug already taken")
)

// Tenant is one organisation with isolated data in the shared graph store.
type Tenant struct {
	Slug             string    `json:"slug"`
	OrgName          string    `json:"org_name"`
	GitHubOrg        string    `json:"github_org"`
	MemoryRepo       string    `json:"memory_repo,omitempty"`
	Neo4jHost        string    `json:"neo4j_host"`
	Neo4jUser        string    `json:"neo4j_user"`
	Neo4jPassword    string    `json:"-"`
	TelegramBotToken string    `json:"-"`
	TelegramChatID   string    `json:"telegram_chat_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// HasMessaging reports whether group notifications can be delivered.
func (t Tenant) HasMessaging() bool {
	return t.TelegramBotToken != "" && t.TelegramChatID != ""
}

// MatchesOrg compares the code-hosting org case-insensitively.
func (t Tenant) MatchesOrg(org string) bool {
	return org != "" && strings.EqualFold(t.GitHubOrg, org)
}

// Key is a stored API key credential. The plaintext is never kept.
type Key struct {
	ID        string     `json:"id"`
	Slug      string     `json:"slug"`
	Prefix    string     `json:"prefix"`
	Hash      string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the key may still authenticate.
func (k Key) Active() bool { return k.RevokedAt == nil }

// Entry is a tenant with its keys, as produced by a Source.
type Entry struct {
	Tenant Tenant
	Keys   []Key
}

// Source supplies directory entries on (re)load.
type Source interface {
	Entries(ctx context.Context) ([]Entry, error)
}

// Store persists tenants and key hashes written through the directory.
// CreateTenant writes the tenant and its keys atomically and returns
// ErrSlugTaken when the slug exists.
type Store interface {
	Source
	CreateTenant(ctx context.Context, t Tenant, keys []Key) error
	CreateAPIKey(ctx context.Context, k Key) error
}

// StaticSource serves a fixed set of entries, e.g. those parsed from the environment.
type StaticSource []Entry

func (s StaticSource) Entries(context.Context) ([]Entry, error) {
	out := make([]Entry, len(s))
	copy(out, s)
	return out, nil
}
