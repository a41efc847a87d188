package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIClient talks to a running operator API. The CLI uses it.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewAPIClient creates a new operator API client.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ReloadResult is the body of POST /admin/tenants/reload.
type ReloadResult struct {
	Version uint64 `json:"version"`
	Tenants int    `json:"tenants"`
}

// ListTenants fetches the live directory.
func (c *APIClient) ListTenants(ctx context.Context) (*TenantList, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/tenants", nil)
	if err != nil {
		return nil, err
	}
	var out TenantList
	if err := c.doRequest(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reload asks the gateway to rebuild its directory from all sources.
func (c *APIClient) Reload(ctx context.Context) (*ReloadResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/admin/tenants/reload", nil)
	if err != nil {
		return nil, err
	}
	var out ReloadResult
	if err := c.doRequest(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// IssueKey mints a new key for slug. The plaintext is only in the result.
func (c *APIClient) IssueKey(ctx context.Context, slug string) (*IssuedKey, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/admin/tenants/"+url.PathEscape(slug)+"/keys", nil)
	if err != nil {
		return nil, err
	}
	var out IssuedKey
	if err := c.doRequest(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RateLimit reports slug's current limiter window.
func (c *APIClient) RateLimit(ctx context.Context, slug string) (*RateLimitView, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/admin/ratelimit/"+url.PathEscape(slug), nil)
	if err != nil {
		return nil, err
	}
	var out RateLimitView
	if err := c.doRequest(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// newRequest creates a new HTTP request with authentication
func (c *APIClient) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reqBody []byte
	var err error

	if body != nil {
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doRequest executes an HTTP request and handles the response
func (c *APIClient) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var errorResp map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
			if msg, ok := errorResp["error"].(string); ok {
				return fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
			}
		}
		return fmt.Errorf("API error: %d %s", resp.StatusCode, resp.Status)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
