// Package client provides HTTP client functionality for talking to the
// gateway's graph query API with a tenant key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Statement is one graph statement with its parameters.
type Statement struct {
	Statement  string         `json:"statement"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// BatchItem is one entry of a batch response. Exactly one of Data and
// Error is set.
type BatchItem struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Tokens []string        `json:"tokens,omitempty"`
}

// APIError is a rejection returned by the gateway.
type APIError struct {
	Status      int
	Code        string   `json:"error"`
	Description string   `json:"description"`
	Tokens      []string `json:"tokens"`
	Index       *int     `json:"index"`
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gateway error %d: %s", e.Status, e.Code)
	if len(e.Tokens) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Tokens, ", "))
	}
	if e.Index != nil {
		fmt.Fprintf(&b, " (query %d)", *e.Index)
	}
	if e.Description != "" {
		b.WriteString(": " + e.Description)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, ", retry after %s", e.RetryAfter)
	}
	return b.String()
}

// QueryClient handles communication with the gateway query API.
type QueryClient struct {
	BaseURL    string
	Key        string
	HTTPClient *http.Client
}

// NewQueryClient creates a new query client.
func NewQueryClient(baseURL, key string) *QueryClient {
	return &QueryClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Key:     key,
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Query runs one statement and returns the graph data field.
func (c *QueryClient) Query(ctx context.Context, stmt Statement) (json.RawMessage, error) {
	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.post(ctx, "/api/graph/query", stmt, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Batch runs several statements in one request.
func (c *QueryClient) Batch(ctx context.Context, stmts []Statement) ([]BatchItem, error) {
	var out struct {
		Results []BatchItem `json:"results"`
	}
	if err := c.post(ctx, "/api/graph/batch", map[string]any{"queries": stmts}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *QueryClient) post(ctx context.Context, path string, body, result any) error {
	if c.Key == "" {
		return errors.New("api key is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid gateway URL: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Key)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
