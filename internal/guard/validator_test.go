package guard

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		statement string
		params    map[string]any
		code      Code
		tokens    []string
	}{
		{name: "plain read", statement: `MATCH (n:Person) RETURN n`},
		{name: "keyword inside a literal", statement: `SET s.summary = "DELETE the row"`},
		{name: "keyword as property suffix", statement: `MATCH (n) RETURN n.deleted, n.dropped_at`},
		{name: "allowlisted procedure", statement: `CALL db.labels()`},
		{name: "allowlisted procedure, any case", statement: `CALL DB.LABELS() YIELD label RETURN label`},
		{name: "procedure text inside a literal", statement: `RETURN 'CALL apoc.do.it()' AS s`},
		{name: "comparison on tenant property", statement: `MATCH (n:Person) WHERE n.org = $x RETURN n`},
		{name: "variable named org", statement: `MATCH (org:Org) RETURN org`},

		{name: "delete", statement: `MATCH (n) DELETE n`, code: CodeDestructive, tokens: []string{"DELETE"}},
		{name: "detach delete", statement: `MATCH (n) DETACH DELETE n`, code: CodeDestructive, tokens: []string{"DETACH", "DELETE"}},
		{name: "lower-case remove", statement: `match (n) remove n.x`, code: CodeDestructive, tokens: []string{"REMOVE"}},
		{name: "repeated token named once", statement: `MATCH (a), (b) DELETE a DELETE b`, code: CodeDestructive, tokens: []string{"DELETE"}},
		{name: "drop wins over schema pair", statement: `CREATE INDEX i FOR (n:P) ON (n.x) DROP INDEX j`, code: CodeDestructive, tokens: []string{"DROP"}},
		{name: "create index", statement: `CREATE INDEX i FOR (n:Person) ON (n.name)`, code: CodeSchema, tokens: []string{"CREATE INDEX"}},
		{name: "create constraint", statement: `create constraint c for (n:P) require n.id is unique`, code: CodeSchema, tokens: []string{"CREATE CONSTRAINT"}},
		{name: "unknown procedure", statement: `CALL apoc.periodic.iterate("a", "b", {})`, code: CodeProcedure, tokens: []string{"apoc.periodic.iterate"}},
		{name: "subquery call", statement: `CALL { MATCH (n:Person) RETURN n } RETURN n`, code: CodeProcedure, tokens: []string{"CALL"}},
		{name: "call-led statement touching tenant data", statement: `CALL db.labels() YIELD label MATCH (n:Person) RETURN n`, code: CodeProcedure, tokens: []string{"CALL"}},
		{name: "org key in map", statement: `MATCH (n:Person {name: "x", org: "beta"}) RETURN n`, code: CodeReserved, tokens: []string{"org"}},
		{name: "org key without space", statement: `CREATE (n:Person {org:"beta"})`, code: CodeReserved, tokens: []string{"org"}},
		{name: "org key in backticks", statement: "MERGE (n:Person {`org` : 'beta'})", code: CodeReserved, tokens: []string{"org"}},
		{name: "set tenant property", statement: `MATCH (n:Person) SET n.org = "beta"`, code: CodeReserved, tokens: []string{"org"}},
		{name: "tenant parameter", statement: `MATCH (n:Person) RETURN n`, params: map[string]any{"_org": "beta"}, code: CodeReserved, tokens: []string{"_org"}},
		{name: "destructive keyword after a quoted line comment", statement: "MATCH (n:Person) // don't\nDETACH DELETE n", code: CodeDestructive, tokens: []string{"DETACH", "DELETE"}},
		{name: "destructive keyword after a quoted block comment", statement: `/* it's */ DETACH DELETE n`, code: CodeDestructive, tokens: []string{"DETACH", "DELETE"}},
		{name: "destructive keyword after a url literal", statement: `MATCH (n) SET n.url = "http://a" DELETE n`, code: CodeDestructive, tokens: []string{"DELETE"}},
		{name: "keyword inside a comment", statement: "MATCH (n) /* DELETE */ RETURN n // DROP"},
		{name: "org key inside a comment", statement: "MATCH (n:Person) /* {org: 1} */ RETURN n"},
		{name: "parameter map pattern", statement: `CREATE (n $props)`, code: CodeUnscopable, tokens: []string{"offset 7"}},
		{name: "quantified path pattern", statement: `MATCH ((a)-->(b)){1,3} RETURN a`, code: CodeUnscopable, tokens: []string{"offset 6"}},
		{name: "call-led statement with an unscopable pattern", statement: `CALL db.labels() YIELD label CREATE (n $p)`, code: CodeProcedure, tokens: []string{"CALL"}},
		{name: "org parameter", statement: `MATCH (n:Person) RETURN n`, params: map[string]any{"org": "beta", "x": 1}, code: CodeReserved, tokens: []string{"org"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Validate(tt.statement, tt.params)
			if tt.code == "" {
				require.NoError(t, err)
				return
			}
			var v *Violation
			require.True(t, errors.As(err, &v), "expected a Violation, got %v", err)
			assert.Equal(t, tt.code, v.Code)
			assert.Equal(t, tt.tokens, v.Tokens)
		})
	}
}

func TestValidate_Oversize(t *testing.T) {
	p := DefaultPolicy().WithMaxStatementBytes(32)

	_, err := p.Validate("RETURN 1", nil)
	require.NoError(t, err)

	_, err = p.Validate("MATCH (n) DELETE n "+strings.Repeat("x", 32), nil)
	var v *Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, CodeOversize, v.Code, "size is checked before anything else")
}

func TestValidate_ErrorMessageNamesOnlyTokens(t *testing.T) {
	_, err := DefaultPolicy().Validate(`MATCH (n {secret: "hunter2"}) DELETE n`, nil)
	require.Error(t, err)
	assert.Equal(t, "destructive_operation: DELETE", err.Error())
	assert.NotContains(t, err.Error(), "hunter2")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		statement string
		want      Classification
	}{
		{`CALL db.labels()`, ClassSchema},
		{`MATCH (n) RETURN n`, ClassRead},
		{`MATCH (n) SET n.x = 1`, ClassWrite},
		{`MERGE (n:Person {id: 1})`, ClassWrite},
		{`create (n:Person)`, ClassWrite},
		{`RETURN 'CREATE'`, ClassRead},
		{``, ClassRead},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(Lex(tt.statement)), tt.statement)
	}
}
