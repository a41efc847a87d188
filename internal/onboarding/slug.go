package onboarding

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// DefaultInstance is the canonical instance name. It adds no suffix
	// to the slug.
	DefaultInstance = "egregore"

	// ConfigPath is the tenant configuration document inside a memory repository.
	ConfigPath = "egregore.json"

	memorySuffix = "-memory"
)

// Slug derives a tenant slug from a code-hosting org and instance name:
// each part is lower-cased with everything but letters and digits removed,
// and the parts are joined with a hyphen. The default instance contributes
// nothing, so AlphaOrg/egregore is "alphaorg" and AlphaOrg/research is
// "alphaorg-research".
func Slug(org, instance string) string {
	base := squash(org)
	inst := squash(instance)
	if inst == "" || inst == DefaultInstance {
		return base
	}
	if base == "" {
		return inst
	}
	return base + "-" + inst
}

// MemoryRepoName is the repository generated for slug.
func MemoryRepoName(slug string) string {
	return slug + memorySuffix
}

func squash(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ConfigDocument is committed to a tenant's memory repository so that
// members can find their tenant. It never carries credentials.
type ConfigDocument struct {
	OrgName    string `json:"org_name"`
	GitHubOrg  string `json:"github_org"`
	MemoryRepo string `json:"memory_repo"`
	APIURL     string `json:"api_url"`
}

func (d ConfigDocument) encode() ([]byte, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decodeConfigDocument(data []byte) (ConfigDocument, error) {
	var d ConfigDocument
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("invalid %s: %w", ConfigPath, err)
	}
	if d.GitHubOrg == "" {
		return d, fmt.Errorf("invalid %s: github_org is empty", ConfigPath)
	}
	return d, nil
}
