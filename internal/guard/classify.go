package guard

// Classification is the coarse kind of a statement, recorded in audit logs
// and metrics.
type Classification string

const (
	ClassRead   Classification = "read"
	ClassWrite  Classification = "write"
	ClassSchema Classification = "schema"
)

var writeTokens = map[string]struct{}{"CREATE": {}, "MERGE": {}, "SET": {}}

// Classify derives the classification from a lexed statement.
func Classify(lx Lexed) Classification {
	if len(lx.Tokens) == 0 {
		return ClassRead
	}
	if lx.Tokens[0] == "CALL" {
		return ClassSchema
	}
	for _, tok := range lx.Tokens {
		if _, ok := writeTokens[tok]; ok {
			return ClassWrite
		}
	}
	return ClassRead
}
