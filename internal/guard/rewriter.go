package guard

import (
	"sort"
	"strings"
)

const (
	scopeEntry = TenantProperty + ": $" + TenantParam
	scopeMap   = "{" + scopeEntry + "}"
)

type insertion struct {
	at   int
	text string
}

// Rewrite scopes every non-system node pattern in statement to the tenant
// bound to $_org. A pattern is a system pattern only when its labels are a
// plain conjunction of system labels. Statements led by CALL, and statements
// without node patterns, come back unchanged. Rewrite(Rewrite(s)) == Rewrite(s).
// Statements must pass Validate first; patterns it rejects as unscopable are
// not rewritten.
func (p *Policy) Rewrite(statement string) string {
	masked := maskLiterals(statement)
	if hasWordAt(strings.TrimLeft(masked, " \t\r\n\f\v"), 0, "CALL") {
		return statement
	}

	var ins []insertion
	found, _ := findNodePatterns(masked)
	for _, np := range found {
		if p.exempt(np) || np.scopedMap {
			continue
		}
		switch {
		case np.mapOpen >= 0:
			last := np.mapClose - 1
			for last > np.mapOpen && isSpace(masked[last]) {
				last--
			}
			if last == np.mapOpen {
				ins = append(ins, insertion{at: np.mapOpen + 1, text: scopeEntry})
			} else {
				ins = append(ins, insertion{at: last + 1, text: ", " + scopeEntry})
			}
		case np.variable == "" && len(np.labels) == 0 && np.plainLabels:
			ins = append(ins, insertion{at: np.insertAt, text: scopeMap})
		default:
			ins = append(ins, insertion{at: np.insertAt, text: " " + scopeMap})
		}
	}
	if len(ins) == 0 {
		return statement
	}

	sort.Slice(ins, func(i, j int) bool { return ins[i].at > ins[j].at })
	out := statement
	for _, in := range ins {
		out = out[:in.at] + in.text + out[in.at:]
	}
	return out
}

// BindTenant returns a copy of params with the tenant parameter set to slug.
// Any client value under the same name is overwritten.
func BindTenant(params map[string]any, slug string) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out[TenantParam] = slug
	return out
}
