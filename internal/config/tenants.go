package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// TenantsEnvVar carries the whole tenant directory as a JSON object keyed by slug.
const TenantsEnvVar = "TENANTS"

// TenantOptions are the per-tenant settings recognised in the environment.
type TenantOptions struct {
	Slug             string `json:"slug"`
	OrgName          string `json:"org_name"`
	GitHubOrg        string `json:"github_org"`
	MemoryRepo       string `json:"memory_repo,omitempty"`
	APIKey           string `json:"api_key"`
	Neo4jHost        string `json:"neo4j_host"`
	Neo4jUser        string `json:"neo4j_user"`
	Neo4jPassword    string `json:"neo4j_password"`
	TelegramBotToken string `json:"telegram_bot_token,omitempty"`
	TelegramChatID   string `json:"telegram_chat_id,omitempty"`
}

// TenantsFileEnvVar names a file holding the same JSON object as TENANTS.
// The file is read again on every directory reload.
const TenantsFileEnvVar = "TENANTS_FILE"

// LoadTenants reads the tenant directory from TENANTS_FILE, then TENANTS,
// then the single-tenant variables.
func LoadTenants() ([]TenantOptions, error) {
	if path := strings.TrimSpace(os.Getenv(TenantsFileEnvVar)); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", TenantsFileEnvVar, err)
		}
		return ParseTenants(string(raw))
	}
	if raw := strings.TrimSpace(os.Getenv(TenantsEnvVar)); raw != "" {
		return ParseTenants(raw)
	}
	return legacyTenant(), nil
}

// ParseTenants decodes a JSON object of slug → options. The map key wins
// when the embedded slug is empty; a conflicting embedded slug is an error.
// Results are sorted by slug.
func ParseTenants(raw string) ([]TenantOptions, error) {
	var m map[string]TenantOptions
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", TenantsEnvVar, err)
	}

	out := make([]TenantOptions, 0, len(m))
	for key, opts := range m {
		key = strings.TrimSpace(key)
		if opts.Slug == "" {
			opts.Slug = key
		}
		if opts.Slug != key {
			return nil, fmt.Errorf("%s: entry %q declares slug %q", TenantsEnvVar, key, opts.Slug)
		}
		if err := opts.validate(); err != nil {
			return nil, err
		}
		out = append(out, opts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

// legacyTenant builds a single tenant from the pre-TENANTS variables.
func legacyTenant() []TenantOptions {
	host := os.Getenv("NEO4J_HOST")
	if host == "" {
		return nil
	}
	opts := TenantOptions{
		Slug:             getEnvString("TENANT_SLUG", "default"),
		OrgName:          os.Getenv("ORG_NAME"),
		GitHubOrg:        os.Getenv("GITHUB_ORG"),
		MemoryRepo:       os.Getenv("MEMORY_REPO"),
		APIKey:           os.Getenv("API_KEY"),
		Neo4jHost:        host,
		Neo4jUser:        getEnvString("NEO4J_USER", "neo4j"),
		Neo4jPassword:    os.Getenv("NEO4J_PASSWORD"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
	}
	return []TenantOptions{opts}
}

func (o TenantOptions) validate() error {
	if o.Slug == "" {
		return fmt.Errorf("tenant slug cannot be empty")
	}
	if strings.ContainsAny(o.Slug, "_ /") {
		return fmt.Errorf("tenant slug %q must not contain underscores, spaces or slashes", o.Slug)
	}
	if o.Neo4jHost == "" {
		return fmt.Errorf("tenant %q: neo4j_host is required", o.Slug)
	}
	return nil
}
