// Package github is a small client for the parts of the GitHub REST API the
// onboarding flows need. Every call acts with the end user's OAuth token.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultAPIURL       = "https://api.github.com"
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second

	apiVersion       = "2022-11-28"
	maxResponseBytes = 4 << 20
)

var (
	// ErrNotFound matches any 404 response.
	ErrNotFound = errors.New("github: not found")
	// ErrUnauthorized matches 401 responses (bad or expired token).
	ErrUnauthorized = errors.New("github: unauthorized")
)

// APIError is a non-success response.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("github %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Is lets callers test with errors.Is(err, ErrNotFound).
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RetryDelay   time.Duration
	HTTPClient   *http.Client
	UserAgent    string
}

// Client talks to one GitHub API base URL.
type Client struct {
	baseURL      string
	http         *http.Client
	readTimeout  time.Duration
	writeTimeout time.Duration
	retryDelay   time.Duration
	userAgent    string
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultAPIURL
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "egregore-gateway"
	}
	return &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		http:         opts.HTTPClient,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		retryDelay:   opts.RetryDelay,
		userAgent:    opts.UserAgent,
	}
}

// call describes one API request.
type call struct {
	op      string
	method  string
	path    string
	body    any
	timeout time.Duration
	// retry once on transport errors and 5xx; only for idempotent reads.
	retry bool
	// accept lists non-2xx statuses handed back to the caller without an error.
	accept []int
}

// do performs c and decodes a 2xx JSON body into out (when non-nil). It
// returns the final status code.
func (cl *Client) do(ctx context.Context, token string, c call, out any) (int, error) {
	var payload []byte
	if c.body != nil {
		var err error
		if payload, err = json.Marshal(c.body); err != nil {
			return 0, fmt.Errorf("github %s: failed to marshal request: %w", c.op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	attempts := 1
	if c.retry {
		attempts = 2
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, fmt.Errorf("github %s: %w", c.op, ctx.Err())
			case <-time.After(cl.retryDelay):
			}
		}

		status, body, err := cl.roundTrip(ctx, token, c, payload)
		if err != nil {
			lastErr = fmt.Errorf("github %s: %w", c.op, err)
			continue
		}
		if status >= 500 {
			lastErr = &APIError{Op: c.op, Status: status, Message: errorMessage(body)}
			continue
		}
		for _, s := range c.accept {
			if status == s {
				return status, nil
			}
		}
		if status < 200 || status >= 300 {
			return status, &APIError{Op: c.op, Status: status, Message: errorMessage(body)}
		}
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return status, fmt.Errorf("github %s: failed to decode response: %w", c.op, err)
			}
		}
		return status, nil
	}
	return 0, lastErr
}

func (cl *Client) roundTrip(ctx context.Context, token string, c call, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, c.method, cl.baseURL+c.path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", cl.userAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := cl.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil {
		return e.Message
	}
	return ""
}

func esc(s string) string { return url.PathEscape(s) }
