package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Shell is the line-oriented state behind the interactive query prompt.
// Statements may span lines and end with ';'. Lines starting with ':' are
// directives and are only recognised between statements.
type Shell struct {
	client *QueryClient
	out    io.Writer
	params map[string]any
	buf    strings.Builder
}

// NewShell writes query results to out.
func NewShell(c *QueryClient, out io.Writer) *Shell {
	return &Shell{client: c, out: out, params: map[string]any{}}
}

// Pending reports whether a statement is partially entered.
func (s *Shell) Pending() bool {
	return s.buf.Len() > 0
}

// Handle consumes one input line. It returns quit=true on :quit or :exit.
// Query failures are returned; the shell stays usable.
func (s *Shell) Handle(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !s.Pending() && strings.HasPrefix(line, ":") {
		return s.directive(line)
	}

	if s.Pending() {
		s.buf.WriteByte('\n')
	}
	s.buf.WriteString(line)
	if !strings.HasSuffix(line, ";") {
		return false, nil
	}

	stmt := strings.TrimSpace(strings.TrimSuffix(s.buf.String(), ";"))
	s.buf.Reset()
	if stmt == "" {
		return false, nil
	}
	data, err := s.client.Query(ctx, Statement{Statement: stmt, Parameters: s.snapshotParams()})
	if err != nil {
		return false, err
	}
	return false, s.print(data)
}

// Reset drops a partially entered statement.
func (s *Shell) Reset() {
	s.buf.Reset()
}

func (s *Shell) directive(line string) (bool, error) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case ":quit", ":exit":
		return true, nil
	case ":param":
		key, raw, ok := strings.Cut(rest, " ")
		if !ok || key == "" {
			return false, fmt.Errorf("usage: :param <name> <json value>")
		}
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &v); err != nil {
			return false, fmt.Errorf("parameter %s: %w", key, err)
		}
		s.params[key] = v
		return false, nil
	case ":params":
		keys := make([]string, 0, len(s.params))
		for k := range s.params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, _ := json.Marshal(s.params[k])
			fmt.Fprintf(s.out, "%s = %s\n", k, v)
		}
		return false, nil
	case ":clear":
		s.params = map[string]any{}
		return false, nil
	default:
		return false, fmt.Errorf("unknown directive %s", name)
	}
}

func (s *Shell) snapshotParams() map[string]any {
	if len(s.params) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

func (s *Shell) print(data json.RawMessage) error {
	if len(data) == 0 {
		_, err := fmt.Fprintln(s.out, "null")
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		_, err = fmt.Fprintln(s.out, string(data))
		return err
	}
	_, err := fmt.Fprintln(s.out, pretty.String())
	return err
}
