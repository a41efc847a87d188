// Package guard enforces the graph query policy: it lexes statements just
// far enough to reject destructive or non-allowlisted operations, blocks
// tampering with the tenant property, scopes node patterns to the caller's
// tenant, and classifies what reaches the database.
package guard

import (
	"strings"
)

// Lexed is the policy-relevant view of a statement.
type Lexed struct {
	// Erased is the statement with every quoted literal reduced to an empty
	// pair of quotes.
	Erased string
	// Tokens are the upper-cased word tokens of Erased, in order.
	Tokens []string
	// Procedures holds, for each CALL keyword, the dotted identifier that
	// follows it. A CALL not followed by an identifier yields "".
	Procedures []string
}

// Lex erases literal contents and tokenises what remains.
func Lex(statement string) Lexed {
	erased := eraseLiterals(statement)
	tokens, procs := scanWords(erased)
	return Lexed{Erased: erased, Tokens: tokens, Procedures: procs}
}

// eraseLiterals replaces the contents of '...' and "..." with nothing and
// each comment with a single space, honouring backslash escapes. Backtick-quoted
// identifiers are copied through so that quotes inside them do not open a
// literal. An unterminated literal is erased to the end of the input and
// closed; an unterminated block comment swallows the rest of the input.
func eraseLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if end, ok := commentEnd(s, i); ok {
			b.WriteByte(' ')
			i = end
			continue
		}
		switch c {
		case '\'', '"':
			end := literalEnd(s, i)
			b.WriteByte(c)
			b.WriteByte(c)
			i = end
		case '`':
			end := strings.IndexByte(s[i+1:], '`')
			if end < 0 {
				b.WriteString(s[i:])
				return b.String()
			}
			b.WriteString(s[i : i+end+2])
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// commentEnd reports whether a comment starts at s[i] and returns the index
// of its last byte. A line comment stops before its newline.
func commentEnd(s string, i int) (int, bool) {
	if s[i] != '/' || i+1 >= len(s) {
		return 0, false
	}
	switch s[i+1] {
	case '/':
		nl := strings.IndexByte(s[i:], '\n')
		if nl < 0 {
			return len(s) - 1, true
		}
		return i + nl - 1, true
	case '*':
		end := strings.Index(s[i+2:], "*/")
		if end < 0 {
			return len(s) - 1, true
		}
		return i + 2 + end + 1, true
	}
	return 0, false
}

// literalEnd returns the index of the quote closing the literal opened at
// s[start], or len(s)-1 when the literal is unterminated.
func literalEnd(s string, start int) int {
	quote := s[start]
	for j := start + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case quote:
			return j
		}
	}
	return len(s) - 1
}

// maskLiterals keeps the statement's length and layout but overwrites
// literal contents with 'x' and comments with spaces, so byte offsets in the
// mask are valid offsets into the original.
func maskLiterals(s string) string {
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if end, ok := commentEnd(s, i); ok {
			for k := i; k <= end; k++ {
				b[k] = ' '
			}
			i = end
			continue
		}
		switch b[i] {
		case '\'', '"':
			end := literalEnd(s, i)
			for k := i + 1; k < end; k++ {
				b[k] = 'x'
			}
			if end == len(s)-1 && s[end] != b[i] {
				b[end] = 'x'
			}
			i = end
		case '`':
			end := strings.IndexByte(s[i+1:], '`')
			if end < 0 {
				return string(b)
			}
			i += end + 1
		}
	}
	return string(b)
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isWordChar(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v'
}

// scanWords collects word tokens and the procedure names after CALL.
func scanWords(s string) ([]string, []string) {
	var tokens, procs []string
	for i := 0; i < len(s); {
		if !isWordChar(s[i]) {
			i++
			continue
		}
		start := i
		for i < len(s) && isWordChar(s[i]) {
			i++
		}
		if !isWordStart(s[start]) {
			continue
		}
		word := strings.ToUpper(s[start:i])
		tokens = append(tokens, word)
		if word == "CALL" {
			procs = append(procs, dottedIdentAt(s, i))
		}
	}
	return tokens, procs
}

// dottedIdentAt reads an identifier such as db.schema.visualization starting
// after optional whitespace at s[i:].
func dottedIdentAt(s string, i int) string {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	start := i
	for i < len(s) {
		if !isWordStart(s[i]) {
			break
		}
		for i < len(s) && isWordChar(s[i]) {
			i++
		}
		if i+1 < len(s) && s[i] == '.' && isWordStart(s[i+1]) {
			i++
			continue
		}
		break
	}
	return s[start:i]
}
