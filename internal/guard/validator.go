package guard

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Code identifies why a statement was rejected.
type Code string

const (
	CodeOversize    Code = "oversize_query"
	CodeDestructive Code = "destructive_operation"
	CodeSchema      Code = "schema_modification"
	CodeProcedure   Code = "procedure_not_allowed"
	CodeReserved    Code = "reserved_name"
	// CodeUnscopable rejects a parenthesised term in pattern position that
	// cannot be read as a node pattern, so the tenant key cannot be added.
	CodeUnscopable Code = "unscopable_pattern"
)

// Violation is a policy rejection. Tokens name only the offending keywords,
// procedures or reserved names; never statement content.
type Violation struct {
	Code   Code
	Tokens []string
}

func (v *Violation) Error() string {
	if len(v.Tokens) == 0 {
		return string(v.Code)
	}
	return fmt.Sprintf("%s: %s", v.Code, strings.Join(v.Tokens, ", "))
}

var (
	assignOrgRe = regexp.MustCompile("\\.\\s*`?" + TenantProperty + "`?\\s*\\+?=")
)

// Validate checks statement and the client's parameters against the policy.
// Rules are applied in a fixed order and the first failing rule decides the
// code. The lexed form is returned for classification.
func (p *Policy) Validate(statement string, params map[string]any) (Lexed, error) {
	if len(statement) > p.MaxStatementBytes {
		return Lexed{}, &Violation{Code: CodeOversize, Tokens: []string{fmt.Sprintf("%d>%d", len(statement), p.MaxStatementBytes)}}
	}

	lx := Lex(statement)

	var bad []string
	for _, tok := range lx.Tokens {
		if _, ok := p.forbiddenTokens[tok]; ok {
			bad = append(bad, tok)
		}
	}
	if len(bad) > 0 {
		return lx, &Violation{Code: CodeDestructive, Tokens: dedupe(bad)}
	}

	for i := 0; i+1 < len(lx.Tokens); i++ {
		for _, pair := range p.forbiddenPairs {
			if lx.Tokens[i] == pair[0] && lx.Tokens[i+1] == pair[1] {
				bad = append(bad, pair[0]+" "+pair[1])
			}
		}
	}
	if len(bad) > 0 {
		return lx, &Violation{Code: CodeSchema, Tokens: dedupe(bad)}
	}

	for _, proc := range lx.Procedures {
		switch {
		case proc == "":
			bad = append(bad, "CALL")
		case !p.ProcedureAllowed(proc):
			bad = append(bad, proc)
		}
	}
	if len(bad) > 0 {
		return lx, &Violation{Code: CodeProcedure, Tokens: dedupe(bad)}
	}
	// A CALL-led statement is never rewritten, so it must not reach tenant data.
	if leadsWithCall(lx) && p.hasScopablePattern(maskLiterals(statement)) {
		return lx, &Violation{Code: CodeProcedure, Tokens: []string{"CALL"}}
	}

	if name := p.reservedUse(statement, params); name != "" {
		return lx, &Violation{Code: CodeReserved, Tokens: []string{name}}
	}

	if _, malformed := findNodePatterns(maskLiterals(statement)); len(malformed) > 0 {
		return lx, &Violation{Code: CodeUnscopable, Tokens: []string{fmt.Sprintf("offset %d", malformed[0])}}
	}
	return lx, nil
}

func (p *Policy) reservedUse(statement string, params map[string]any) string {
	masked := maskLiterals(statement)
	if orgKeyRe.MatchString(masked) {
		return TenantProperty
	}
	if assignsTenantProperty(masked) {
		return TenantProperty
	}
	names := make([]string, 0, len(params))
	for name := range params {
		if _, ok := p.reservedParams[strings.ToLower(name)]; ok {
			names = append(names, name)
		}
	}
	if len(names) > 0 {
		sort.Strings(names)
		return names[0]
	}
	return ""
}

// assignsTenantProperty finds "x.org =" or "x.org +=" inside a SET clause.
// The same text after WHERE is a comparison and is left alone.
func assignsTenantProperty(masked string) bool {
	clauses := clauseRe.FindAllStringSubmatchIndex(masked, -1)
	for _, m := range assignOrgRe.FindAllStringIndex(masked, -1) {
		clause := ""
		for _, c := range clauses {
			if c[0] >= m[0] {
				break
			}
			clause = strings.ToUpper(masked[c[2]:c[3]])
		}
		if clause == "SET" {
			return true
		}
	}
	return false
}

func (p *Policy) hasScopablePattern(masked string) bool {
	found, malformed := findNodePatterns(masked)
	if len(malformed) > 0 {
		return true
	}
	for _, np := range found {
		if !p.exempt(np) {
			return true
		}
	}
	return false
}

// exempt reports whether np is a system pattern: a plain conjunction of
// labels that are all system labels.
func (p *Policy) exempt(np nodePattern) bool {
	if !np.plainLabels || len(np.labels) == 0 {
		return false
	}
	for _, l := range np.labels {
		if !p.IsSystemLabel(l) {
			return false
		}
	}
	return true
}

func leadsWithCall(lx Lexed) bool {
	return len(lx.Tokens) > 0 && lx.Tokens[0] == "CALL" &&
		strings.HasPrefix(strings.ToUpper(strings.TrimLeft(lx.Erased, " \t\r\n\f\v")), "CALL")
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
