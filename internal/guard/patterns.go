package guard

import (
	"regexp"
	"strings"
)

// nodePattern is one node pattern located in a masked statement. Offsets
// index both the mask and the original statement.
type nodePattern struct {
	open     int // '('
	variable string
	labels   []string
	// plainLabels is true when the label expression is absent or a plain
	// conjunction (":A:B", ":A&B", "IS A&B"). Disjunction, negation,
	// wildcards and grouping make it false.
	plainLabels bool
	insertAt    int // where a bare pattern receives its property map
	mapOpen     int // '{', or -1
	mapClose    int // '}', or -1
	scopedMap   bool
}

var (
	orgKeyRe = regexp.MustCompile("(?:^|[{,])\\s*`?" + TenantProperty + "`?\\s*:")
	clauseRe = regexp.MustCompile(`(?i)\b(MATCH|MERGE|CREATE|WHERE|RETURN|WITH|SET|UNWIND|ORDER|CALL|YIELD|FOREACH|LIMIT|SKIP|DELETE|REMOVE)\b`)
	scopeRe  = regexp.MustCompile(`(?i)\b(WITH|UNION|CALL\s*\{)`)
	// projectionEndRe ends the item list of a WITH clause.
	projectionEndRe = regexp.MustCompile(`(?i)\b(WHERE|ORDER|SKIP|LIMIT|OPTIONAL|MATCH|MERGE|CREATE|SET|UNWIND|RETURN|WITH|CALL|FOREACH|UNION|DELETE|REMOVE)\b`)
	aliasRe         = regexp.MustCompile(`(?i)\s+AS\s+`)
)

// patternClauses are the clauses in which a comma-separated parenthesised
// term is a node pattern.
var patternClauses = map[string]bool{"MATCH": true, "MERGE": true, "CREATE": true}

// findNodePatterns locates node patterns in masked. Labelled patterns are
// always reported. Unlabelled ones are reported only in pattern position
// (opening a MATCH, MERGE or CREATE clause, continuing its comma list or
// path assignment, or attached to a relationship) and only when their
// variable is still bound to a labelled pattern in the current query part.
// Parenthesised terms in pattern position that cannot be read as a node
// pattern are returned as malformed offsets.
func findNodePatterns(masked string) (found []nodePattern, malformed []int) {
	clauses := clauseRe.FindAllStringSubmatchIndex(masked, -1)
	bounds := scopeRe.FindAllStringSubmatchIndex(masked, -1)
	depths := parenDepths(masked)
	// labelled maps a variable to the brace depth it was bound at.
	labelled := make(map[string]int)
	braces := 0

	next := 0
	for i := 0; i < len(masked); i++ {
		switch masked[i] {
		case '{':
			braces++
			continue
		case '}':
			braces--
			for v, d := range labelled {
				if d > braces {
					delete(labelled, v)
				}
			}
			continue
		case '(':
		default:
			continue
		}
		for next < len(bounds) && bounds[next][0] < i {
			labelled = narrowScope(masked, bounds[next], labelled, braces)
			next++
		}
		if i > 0 && isWordChar(masked[i-1]) {
			continue // function call
		}
		np, ok := parseNodePattern(masked, i)
		if !ok {
			if inPatternPosition(masked, i, matchingParen(masked, i), clauses, depths) {
				malformed = append(malformed, i)
			}
			continue
		}
		if len(np.labels) > 0 || !np.plainLabels {
			if np.variable != "" {
				labelled[np.variable] = braces
			}
			found = append(found, np)
			continue
		}
		if _, bound := labelled[np.variable]; np.variable != "" && bound {
			continue
		}
		if inPatternPosition(masked, i, closeOf(masked, np), clauses, depths) {
			found = append(found, np)
		}
	}
	return found, malformed
}

// narrowScope applies the boundary m to the variables bound to labelled
// patterns. UNION and CALL subqueries start empty; WITH keeps the variables
// it projects unchanged, under their new alias.
func narrowScope(s string, m []int, labelled map[string]int, depth int) map[string]int {
	kw := strings.ToUpper(s[m[2]:m[3]])
	if kw != "WITH" {
		return map[string]int{}
	}
	if w := wordBefore(s, m[0]); strings.EqualFold(w, "STARTS") || strings.EqualFold(w, "ENDS") {
		return labelled
	}
	items := s[m[1]:]
	if loc := projectionEndRe.FindStringIndex(items); loc != nil {
		items = items[:loc[0]]
	}
	items = strings.TrimSpace(items)
	if hasWordAt(items, 0, "DISTINCT") {
		items = strings.TrimSpace(items[len("DISTINCT"):])
	}

	kept := make(map[string]int)
	for _, item := range splitTopLevel(items) {
		item = strings.TrimSpace(item)
		if item == "*" {
			for v, d := range labelled {
				kept[v] = d
			}
			continue
		}
		src, alias := item, item
		if loc := aliasRe.FindStringIndex(item); loc != nil {
			src, alias = strings.TrimSpace(item[:loc[0]]), strings.TrimSpace(item[loc[1]:])
		}
		if _, ok := labelled[src]; ok && alias != "" && identEnd(alias, 0) == len(alias) {
			kept[alias] = depth
		}
	}
	return kept
}

// wordBefore returns the word that ends just before s[i], skipping spaces.
func wordBefore(s string, i int) string {
	j := i
	for j > 0 && isSpace(s[j-1]) {
		j--
	}
	end := j
	for j > 0 && isWordChar(s[j-1]) {
		j--
	}
	return s[j:end]
}

// splitTopLevel splits s on commas outside brackets.
func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

// parseNodePattern reads "(" [var] [label expression] [map] [WHERE …] ")" at
// s[open]. The label expression starts with ':' or the keyword IS.
func parseNodePattern(s string, open int) (nodePattern, bool) {
	np := nodePattern{open: open, mapOpen: -1, mapClose: -1, plainLabels: true}
	j := skipSpace(s, open+1)

	if end := identEnd(s, j); end > j && !(hasWordAt(s, j, "IS") && labelFollows(s, end)) {
		np.variable = s[j:end]
		j = end
	}
	np.insertAt = j
	j = skipSpace(s, j)

	switch {
	case j < len(s) && s[j] == ':':
		end, labels, plain, ok := scanLabelExpr(s, j+1)
		if !ok {
			return np, false
		}
		np.labels, np.plainLabels, np.insertAt = labels, plain, end
		j = skipSpace(s, end)
	case hasWordAt(s, j, "IS"):
		end, labels, plain, ok := scanLabelExpr(s, j+len("IS"))
		if !ok {
			return np, false
		}
		np.labels, np.plainLabels, np.insertAt = labels, plain, end
		j = skipSpace(s, end)
	}

	if j >= len(s) {
		return np, false
	}
	switch {
	case s[j] == '{':
		closeIdx := matchingBrace(s, j)
		if closeIdx < 0 {
			return np, false
		}
		np.mapOpen, np.mapClose = j, closeIdx
		np.scopedMap = orgKeyRe.MatchString(s[j+1 : closeIdx])
		return np, true
	case s[j] == ')':
		return np, true
	case (len(np.labels) > 0 || np.variable != "") && hasWordAt(s, j, "WHERE"):
		return np, true
	}
	return np, false
}

// labelFollows reports whether a label expression operand follows s[i:].
func labelFollows(s string, i int) bool {
	i = skipSpace(s, i)
	if i >= len(s) {
		return false
	}
	return s[i] == '%' || s[i] == '!' || s[i] == '(' || s[i] == '`' || isWordStart(s[i])
}

// scanLabelExpr reads a label expression starting at s[i], just after ':' or
// IS. It returns the offset after the last operand, the label names, and
// whether the expression is a plain conjunction.
func scanLabelExpr(s string, i int) (end int, labels []string, plain bool, ok bool) {
	plain = true
	depth := 0
	operand := true // an operand is expected next
	j := i
	for {
		j = skipSpace(s, j)
		if j >= len(s) {
			return 0, nil, false, false
		}
		c := s[j]
		switch {
		case c == '&' || c == ':':
			j++
			operand = true
		case operand && c == '(':
			plain = false
			depth++
			j++
		case operand && c == '!':
			plain = false
			j++
		case operand && c == '%':
			plain = false
			j++
			end, operand = j, false
		case operand:
			e := identEnd(s, j)
			if e == j {
				return 0, nil, false, false
			}
			labels = append(labels, strings.Trim(s[j:e], "`"))
			j = e
			end, operand = j, false
		case c == ')' && depth > 0:
			depth--
			j++
			end = j
		case c == '|':
			plain = false
			j++
			operand = true
		default:
			if depth > 0 {
				return 0, nil, false, false
			}
			return end, labels, plain, true
		}
	}
}

// identEnd returns the end of a plain or backtick-quoted identifier at s[i],
// or i when there is none.
func identEnd(s string, i int) int {
	if i >= len(s) {
		return i
	}
	if s[i] == '`' {
		end := strings.IndexByte(s[i+1:], '`')
		if end < 0 {
			return i
		}
		return i + end + 2
	}
	if !isWordStart(s[i]) {
		return i
	}
	j := i
	for j < len(s) && isWordChar(s[j]) {
		j++
	}
	return j
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

func hasWordAt(s string, i int, word string) bool {
	end := i + len(word)
	if end > len(s) || !strings.EqualFold(s[i:end], word) {
		return false
	}
	return end == len(s) || !isWordChar(s[end])
}

func matchingBrace(s string, open int) int {
	depth := 0
	for k := open; k < len(s); k++ {
		switch s[k] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return -1
}

// closeOf finds the ')' that ends np.
func closeOf(s string, np nodePattern) int {
	from := np.insertAt
	if np.mapClose >= 0 {
		from = np.mapClose + 1
	}
	depth := 0
	for k := from; k < len(s); k++ {
		switch s[k] {
		case '(':
			depth++
		case ')':
			if depth == 0 {
				return k
			}
			depth--
		}
	}
	return len(s) - 1
}

func inPatternPosition(s string, open, closeIdx int, clauses [][]int, depths []int) bool {
	prev := open - 1
	for prev >= 0 && isSpace(s[prev]) {
		prev--
	}
	if arrowBefore(s, prev) || arrowAfter(s, skipSpace(s, closeIdx+1)) {
		return true
	}

	clause := ""
	clauseEnd := -1
	for _, m := range clauses {
		if m[0] >= open {
			break
		}
		if depths[m[0]] > depths[open] {
			continue // inside an earlier pattern's inline WHERE
		}
		clause = strings.ToUpper(s[m[2]:m[3]])
		clauseEnd = m[1]
	}
	if !patternClauses[clause] {
		return false
	}
	if prev == clauseEnd-1 {
		return true // directly after the keyword
	}
	return prev >= 0 && (s[prev] == ',' || s[prev] == '=' || s[prev] == '(')
}

// arrowBefore reports whether s[i] ends a relationship: "--", "]-" or "->".
func arrowBefore(s string, i int) bool {
	if i < 1 {
		return false
	}
	switch s[i] {
	case '-':
		return s[i-1] == '-' || s[i-1] == ']'
	case '>':
		return s[i-1] == '-'
	}
	return false
}

// arrowAfter reports whether a relationship starts at s[i]: "--", "-[",
// "->" or "<-".
func arrowAfter(s string, i int) bool {
	if i+1 >= len(s) {
		return false
	}
	switch s[i] {
	case '-':
		return s[i+1] == '-' || s[i+1] == '[' || s[i+1] == '>'
	case '<':
		return s[i+1] == '-'
	}
	return false
}

// matchingParen returns the ')' closing the '(' at s[open], or len(s)-1.
func matchingParen(s string, open int) int {
	depth := 0
	for k := open; k < len(s); k++ {
		switch s[k] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return len(s) - 1
}

// parenDepths records the parenthesis nesting depth in front of each byte.
func parenDepths(s string) []int {
	out := make([]int, len(s))
	depth := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ')' && depth > 0 {
			depth--
		}
		out[i] = depth
		if s[i] == '(' {
			depth++
		}
	}
	return out
}
