package guard

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// TenantProperty is the node property that carries the owning tenant.
	TenantProperty = "org"
	// TenantParam is the parameter the gateway binds to the caller's slug.
	TenantParam = "_org"
	// DefaultMaxStatementBytes bounds a single statement.
	DefaultMaxStatementBytes = 10240
)

var (
	defaultForbiddenTokens = []string{"DELETE", "DETACH", "DROP", "REMOVE"}

	defaultForbiddenPairs = [][2]string{
		{"CREATE", "INDEX"},
		{"CREATE", "CONSTRAINT"},
	}

	defaultAllowedProcedures = []string{
		"db.schema.visualization",
		"db.labels",
		"db.relationshipTypes",
		"db.propertyKeys",
		"dbms.components",
	}

	// Labels of globally shared nodes. Org is the tenant entity itself.
	defaultSystemLabels = []string{"Org"}

	defaultReservedParams = []string{TenantParam, TenantProperty}
)

// Policy is the complete rule set applied to client statements. It is
// immutable once built and safe for concurrent use.
type Policy struct {
	MaxStatementBytes int

	forbiddenTokens   map[string]struct{}
	forbiddenPairs    [][2]string
	allowedProcedures map[string]string // lower-cased → as configured
	systemLabels      map[string]struct{}
	reservedParams    map[string]struct{}
}

// PolicyFile is the on-disk form of policy extensions. Entries add to the
// built-in sets; they never remove from them.
type PolicyFile struct {
	AllowedProcedures []string `yaml:"allowed_procedures"`
	SystemLabels      []string `yaml:"system_labels"`
	MaxStatementBytes int      `yaml:"max_statement_bytes"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *Policy {
	p := &Policy{
		MaxStatementBytes: DefaultMaxStatementBytes,
		forbiddenTokens:   toSet(defaultForbiddenTokens, strings.ToUpper),
		forbiddenPairs:    defaultForbiddenPairs,
		allowedProcedures: procedureSet(defaultAllowedProcedures),
		systemLabels:      toSet(defaultSystemLabels, nil),
		reservedParams:    toSet(defaultReservedParams, nil),
	}
	return p
}

// LoadPolicy reads a YAML policy file and applies it on top of the defaults.
// An empty path returns DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guard policy: %w", err)
	}
	var f PolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse guard policy %s: %w", path, err)
	}
	return p.Extend(f)
}

// Extend returns a copy of p with f applied.
func (p *Policy) Extend(f PolicyFile) (*Policy, error) {
	next := &Policy{
		MaxStatementBytes: p.MaxStatementBytes,
		forbiddenTokens:   p.forbiddenTokens,
		forbiddenPairs:    p.forbiddenPairs,
		allowedProcedures: procedureSet(nil),
		systemLabels:      cloneSet(p.systemLabels),
		reservedParams:    p.reservedParams,
	}
	for k, v := range p.allowedProcedures {
		next.allowedProcedures[k] = v
	}
	for _, proc := range f.AllowedProcedures {
		proc = strings.TrimSpace(proc)
		if proc == "" || strings.ContainsAny(proc, " \t(") {
			return nil, fmt.Errorf("invalid procedure name %q", proc)
		}
		next.allowedProcedures[strings.ToLower(proc)] = proc
	}
	for _, label := range f.SystemLabels {
		label = strings.TrimSpace(label)
		if label == "" {
			return nil, fmt.Errorf("system label cannot be empty")
		}
		next.systemLabels[label] = struct{}{}
	}
	if f.MaxStatementBytes > 0 {
		next.MaxStatementBytes = f.MaxStatementBytes
	}
	return next, nil
}

// WithMaxStatementBytes returns a copy of p with a different size limit.
func (p *Policy) WithMaxStatementBytes(n int) *Policy {
	next := *p
	if n > 0 {
		next.MaxStatementBytes = n
	}
	return &next
}

// IsSystemLabel reports whether nodes with label are shared across tenants.
func (p *Policy) IsSystemLabel(label string) bool {
	_, ok := p.systemLabels[label]
	return ok
}

// ProcedureAllowed reports whether name may follow CALL.
func (p *Policy) ProcedureAllowed(name string) bool {
	_, ok := p.allowedProcedures[strings.ToLower(name)]
	return ok
}

// SystemLabels lists the unscoped labels, sorted.
func (p *Policy) SystemLabels() []string { return sortedKeys(p.systemLabels) }

// AllowedProcedures lists the allowlist, sorted.
func (p *Policy) AllowedProcedures() []string {
	out := make([]string, 0, len(p.allowedProcedures))
	for _, name := range p.allowedProcedures {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func toSet(items []string, norm func(string) string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		if norm != nil {
			it = norm(it)
		}
		m[it] = struct{}{}
	}
	return m
}

func procedureSet(names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, n := range names {
		m[strings.ToLower(n)] = n
	}
	return m
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
