package github

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// User is the subset of a GitHub user the gateway reads.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Membership is a user's membership in an organisation.
type Membership struct {
	State string `json:"state"`
	Role  string `json:"role"`
}

// IsActiveAdmin reports an active membership with the admin role.
func (m Membership) IsActiveAdmin() bool { return m.State == "active" && m.Role == "admin" }

// Repository is the subset of a repository the gateway reads.
type Repository struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
	SSHURL   string `json:"ssh_url"`
	HTMLURL  string `json:"html_url"`
	Private  bool   `json:"private"`
}

// GetAuthenticatedUser returns the owner of token.
func (c *Client) GetAuthenticatedUser(ctx context.Context, token string) (User, error) {
	var u User
	_, err := c.do(ctx, token, call{op: "get user", method: http.MethodGet, path: "/user", timeout: c.readTimeout, retry: true}, &u)
	return u, err
}

// GetUser looks up a user by login.
func (c *Client) GetUser(ctx context.Context, token, login string) (User, error) {
	var u User
	_, err := c.do(ctx, token, call{op: "get user by login", method: http.MethodGet, path: "/users/" + esc(login), timeout: c.readTimeout, retry: true}, &u)
	return u, err
}

// GetOrgMembership returns user's membership in org. A user who is not a
// member yields ErrNotFound.
func (c *Client) GetOrgMembership(ctx context.Context, token, org, user string) (Membership, error) {
	var m Membership
	_, err := c.do(ctx, token, call{
		op:      "get org membership",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/orgs/%s/memberships/%s", esc(org), esc(user)),
		timeout: c.readTimeout,
		retry:   true,
	}, &m)
	return m, err
}

// IsCollaborator reports whether user can access owner/repo.
func (c *Client) IsCollaborator(ctx context.Context, token, owner, repo, user string) (bool, error) {
	status, err := c.do(ctx, token, call{
		op:      "check collaborator",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/repos/%s/%s/collaborators/%s", esc(owner), esc(repo), esc(user)),
		timeout: c.readTimeout,
		retry:   true,
		accept:  []int{http.StatusNotFound},
	}, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusNoContent, nil
}

// RepoExists reports whether owner/repo is visible to token.
func (c *Client) RepoExists(ctx context.Context, token, owner, repo string) (bool, error) {
	status, err := c.do(ctx, token, call{
		op:      "get repository",
		method:  http.MethodGet,
		path:    fmt.Sprintf("/repos/%s/%s", esc(owner), esc(repo)),
		timeout: c.readTimeout,
		retry:   true,
		accept:  []int{http.StatusNotFound},
	}, nil)
	if err != nil {
		return false, err
	}
	return status == http.StatusOK, nil
}

// GenerateRequest describes a repository created from a template.
type GenerateRequest struct {
	TemplateOwner string
	TemplateRepo  string
	Owner         string
	Name          string
	Description   string
	Private       bool
}

// GenerateFromTemplate creates Owner/Name from the template. GitHub
// returns before the repository's contents are ready; poll RepoExists.
func (c *Client) GenerateFromTemplate(ctx context.Context, token string, r GenerateRequest) (Repository, error) {
	var repo Repository
	_, err := c.do(ctx, token, call{
		op:     "generate from template",
		method: http.MethodPost,
		path:   fmt.Sprintf("/repos/%s/%s/generate", esc(r.TemplateOwner), esc(r.TemplateRepo)),
		body: map[string]any{
			"owner":                r.Owner,
			"name":                 r.Name,
			"description":          r.Description,
			"private":              r.Private,
			"include_all_branches": false,
		},
		timeout: c.writeTimeout,
	}, &repo)
	return repo, err
}

type contentFile struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
}

// GetFile returns the decoded content and blob SHA of path.
func (c *Client) GetFile(ctx context.Context, token, owner, repo, path string) ([]byte, string, error) {
	var f contentFile
	_, err := c.do(ctx, token, call{
		op:      "get file",
		method:  http.MethodGet,
		path:    contentsPath(owner, repo, path),
		timeout: c.readTimeout,
		retry:   true,
	}, &f)
	if err != nil {
		return nil, "", err
	}
	if f.Encoding != "base64" {
		return nil, "", fmt.Errorf("github get file: unsupported encoding %q", f.Encoding)
	}
	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(f.Content, "\n", ""))
	if err != nil {
		return nil, "", fmt.Errorf("github get file: %w", err)
	}
	return data, f.SHA, nil
}

// PutFile creates or replaces path with content in one commit.
func (c *Client) PutFile(ctx context.Context, token, owner, repo, path, message string, content []byte) error {
	_, sha, err := c.GetFile(ctx, token, owner, repo, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	body := map[string]any{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	if sha != "" {
		body["sha"] = sha
	}
	_, err = c.do(ctx, token, call{
		op:      "put file",
		method:  http.MethodPut,
		path:    contentsPath(owner, repo, path),
		body:    body,
		timeout: c.writeTimeout,
	}, nil)
	return err
}

// CreateOrgInvitation invites the user with inviteeID to org as a member.
func (c *Client) CreateOrgInvitation(ctx context.Context, token, org string, inviteeID int64) error {
	_, err := c.do(ctx, token, call{
		op:      "create org invitation",
		method:  http.MethodPost,
		path:    fmt.Sprintf("/orgs/%s/invitations", esc(org)),
		body:    map[string]any{"invitee_id": inviteeID, "role": "direct_member"},
		timeout: c.readTimeout,
	}, nil)
	return err
}

// AddCollaborator grants user push access to owner/repo. For users outside
// the org this sends a repository invitation.
func (c *Client) AddCollaborator(ctx context.Context, token, owner, repo, user string) error {
	_, err := c.do(ctx, token, call{
		op:      "add collaborator",
		method:  http.MethodPut,
		path:    fmt.Sprintf("/repos/%s/%s/collaborators/%s", esc(owner), esc(repo), esc(user)),
		body:    map[string]any{"permission": "push"},
		timeout: c.readTimeout,
	}, nil)
	return err
}

// AcceptOrgInvitation activates the token owner's pending membership in org.
func (c *Client) AcceptOrgInvitation(ctx context.Context, token, org string) error {
	_, err := c.do(ctx, token, call{
		op:      "accept org invitation",
		method:  http.MethodPatch,
		path:    fmt.Sprintf("/user/memberships/orgs/%s", esc(org)),
		body:    map[string]any{"state": "active"},
		timeout: c.readTimeout,
	}, nil)
	return err
}

// CloneURL is the https clone URL of owner/repo.
func CloneURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

func contentsPath(owner, repo, path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		segs[i] = esc(s)
	}
	return fmt.Sprintf("/repos/%s/%s/contents/%s", esc(owner), esc(repo), strings.Join(segs, "/"))
}
