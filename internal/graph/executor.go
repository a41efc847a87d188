// Package graph dispatches scoped statements to a tenant's graph database
// over its HTTP query API.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Curve-Labs/egregore-site-sub000/internal/guard"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

const (
	// QueryPath is the query API route on the tenant's host.
	QueryPath = "/db/neo4j/query/v2"

	DefaultTimeout = 30 * time.Second

	maxResponseBytes = 32 << 20
)

// Message is one entry of the upstream errors field.
type Message struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UpstreamError is returned when the graph endpoint cannot be reached or
// answers with errors.
type UpstreamError struct {
	Status   int
	Messages []Message
	Err      error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("upstream_error: %v", e.Err)
	case len(e.Messages) > 0:
		return fmt.Sprintf("upstream_error: status %d: %s", e.Status, e.Messages[0].Code)
	default:
		return fmt.Sprintf("upstream_error: status %d", e.Status)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Codes lists the upstream error codes, without messages.
func (e *UpstreamError) Codes() []string {
	out := make([]string, 0, len(e.Messages))
	for _, m := range e.Messages {
		out = append(out, m.Code)
	}
	return out
}

type queryRequest struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters"`
}

type queryResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []Message       `json:"errors"`
}

// Executor posts statements to tenant graph endpoints.
type Executor struct {
	client *http.Client
}

// NewExecutor creates an executor whose calls are bounded by timeout.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{client: &http.Client{Timeout: timeout}}
}

// NewExecutorWithClient uses client as is.
func NewExecutorWithClient(client *http.Client) *Executor {
	return &Executor{client: client}
}

// Execute sends statement to t's graph endpoint with the tenant parameter
// bound to t.Slug, replacing any value the caller put there. It returns the
// upstream data field unchanged.
func (e *Executor) Execute(ctx context.Context, t *tenant.Tenant, statement string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(queryRequest{
		Statement:  statement,
		Parameters: guard.BindTenant(params, t.Slug),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, Endpoint(t.Neo4jHost), bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(t.Neo4jUser, t.Neo4jPassword)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Err: err}
	}

	var out queryResponse
	decodeErr := json.Unmarshal(raw, &out)
	if len(out.Errors) > 0 {
		return nil, &UpstreamError{Status: resp.StatusCode, Messages: out.Errors}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}
	if decodeErr != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", decodeErr)}
	}
	return out.Data, nil
}

// Endpoint builds the query URL for host. A host without a scheme is
// reached over https.
func Endpoint(host string) string {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	return host + QueryPath
}
