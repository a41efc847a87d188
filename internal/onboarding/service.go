// Package onboarding turns a code-hosting identity into a provisioned or
// joined tenant. Each flow ends by minting a token: a short-lived setup
// token for the caller's installer, or a longer-lived invite token.
//
// Steps are not atomic across external systems. A failure after the memory
// repository was generated leaves it in place for an operator; nothing is
// ever deleted on the way out.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/apikey"
	"github.com/Curve-Labs/egregore-site-sub000/internal/audit"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/eventbus"
	"github.com/Curve-Labs/egregore-site-sub000/internal/github"
	"github.com/Curve-Labs/egregore-site-sub000/internal/logging"
	"github.com/Curve-Labs/egregore-site-sub000/internal/metrics"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
	"github.com/Curve-Labs/egregore-site-sub000/internal/token"
)

// Operation names used in metrics and logs.
const (
	OpSetup  = "setup"
	OpJoin   = "join"
	OpInvite = "invite"
	OpAccept = "accept"
	OpClaim  = "claim"
)

// Roles recorded in bootstrap payloads.
const (
	RoleFounder = "founder"
	RoleMember  = "member"
)

// GitHub is the code-hosting API surface the flows use.
type GitHub interface {
	GetAuthenticatedUser(ctx context.Context, token string) (github.User, error)
	GetUser(ctx context.Context, token, login string) (github.User, error)
	GetOrgMembership(ctx context.Context, token, org, user string) (github.Membership, error)
	IsCollaborator(ctx context.Context, token, owner, repo, user string) (bool, error)
	GenerateFromTemplate(ctx context.Context, token string, r github.GenerateRequest) (github.Repository, error)
	RepoExists(ctx context.Context, token, owner, repo string) (bool, error)
	GetFile(ctx context.Context, token, owner, repo, path string) ([]byte, string, error)
	PutFile(ctx context.Context, token, owner, repo, path, message string, content []byte) error
	CreateOrgInvitation(ctx context.Context, token, org string, inviteeID int64) error
	AddCollaborator(ctx context.Context, token, owner, repo, user string) error
	AcceptOrgInvitation(ctx context.Context, token, org string) error
}

// Directory is the tenant directory's write path.
type Directory interface {
	Snapshot() *tenant.Snapshot
	Install(ctx context.Context, e tenant.Entry) error
	AddKey(ctx context.Context, k tenant.Key) error
}

// Options configures a Service. Zero durations take defaults.
type Options struct {
	TemplateOwner string
	TemplateRepo  string
	PublicAPIURL  string
	InviteBaseURL string

	SetupTTL         time.Duration
	InviteTTL        time.Duration
	RepoReadyTimeout time.Duration
	RepoPollInterval time.Duration

	// Shared backend settings given to tenants created by Setup.
	Neo4jHost        string
	Neo4jUser        string
	Neo4jPassword    string
	TelegramBotToken string

	Audit   audit.Sink
	Events  eventbus.EventBus
	Metrics *metrics.Metrics
}

// Service runs the onboarding flows.
type Service struct {
	gh     GitHub
	dir    Directory
	tokens *token.Store
	hasher encryption.Hasher
	opts   Options
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(gh GitHub, dir Directory, tokens *token.Store, hasher encryption.Hasher, opts Options, logger *zap.Logger) *Service {
	if opts.SetupTTL <= 0 {
		opts.SetupTTL = token.DefaultSetupTTL
	}
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = token.DefaultInviteTTL
	}
	if opts.RepoReadyTimeout <= 0 {
		opts.RepoReadyTimeout = 30 * time.Second
	}
	if opts.RepoPollInterval <= 0 {
		opts.RepoPollInterval = 2 * time.Second
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewNullLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gh:     gh,
		dir:    dir,
		tokens: tokens,
		hasher: hasher,
		opts:   opts,
		logger: logger.With(zap.String(logging.FieldComponent, "onboarding")),
	}
}

// Setup provisions a new tenant for the caller: memory repository from the
// template, configuration document, directory entry and API key. The key is
// only ever delivered inside the returned setup token.
func (s *Service) Setup(ctx context.Context, req SetupRequest) (res *SetupTokenResult, err error) {
	var actor, slug string
	defer func() { s.finish(ctx, OpSetup, audit.ActionTenantProvision, actor, slug, err) }()

	if err := checkRequest(req); err != nil {
		return nil, err
	}

	user, err := s.authenticate(ctx, req.GitHubToken)
	if err != nil {
		return nil, err
	}
	actor = user.Login

	slug = Slug(req.Org, req.Instance)
	if slug == "" {
		return nil, &Error{Code: CodeInvalidRequest, Fields: []string{"org"}}
	}
	if _, exists := s.dir.Snapshot().Lookup(slug); exists {
		return nil, fail(CodeSlugTaken, fmt.Errorf("tenant %s exists", slug))
	}

	apiKey, key, err := apikey.Issue(s.hasher, slug)
	if err != nil {
		return nil, fail(CodeInternal, err)
	}

	repoName := MemoryRepoName(slug)
	if err := s.provisionRepo(ctx, req.GitHubToken, req.Org, repoName); err != nil {
		return nil, fail(CodeProvisionFailed, err)
	}

	orgName := req.OrgName
	if orgName == "" {
		orgName = req.Org
	}
	doc, err := ConfigDocument{
		OrgName:    orgName,
		GitHubOrg:  req.Org,
		MemoryRepo: repoName,
		APIURL:     s.opts.PublicAPIURL,
	}.encode()
	if err != nil {
		return nil, fail(CodeConfigFailed, err)
	}
	if err := s.gh.PutFile(ctx, req.GitHubToken, req.Org, repoName, ConfigPath, "Add egregore configuration", doc); err != nil {
		return nil, fail(CodeConfigFailed, err)
	}

	t := tenant.Tenant{
		Slug:          slug,
		OrgName:       orgName,
		GitHubOrg:     req.Org,
		MemoryRepo:    repoName,
		Neo4jHost:     s.opts.Neo4jHost,
		Neo4jUser:     s.opts.Neo4jUser,
		Neo4jPassword: s.opts.Neo4jPassword,
	}
	if req.TelegramChatID != "" {
		t.TelegramBotToken = s.opts.TelegramBotToken
		t.TelegramChatID = req.TelegramChatID
	}
	if err := s.dir.Install(ctx, tenant.Entry{Tenant: t, Keys: []tenant.Key{key}}); err != nil {
		if errors.Is(err, tenant.ErrSlugTaken) {
			return nil, fail(CodeSlugTaken, err)
		}
		return nil, fail(CodeDirectoryFailed, err)
	}

	res, err = s.mintSetup(s.bootstrap(RoleFounder, t, user, apiKey, req.Repos))
	if err != nil {
		return nil, err
	}
	res.MemoryRepo = repoName
	s.publish(ctx, eventbus.TypeTenantProvisioned, slug, actor)
	return res, nil
}

// Join hands a setup token for an existing tenant to a collaborator of its
// memory repository. It provisions nothing: no repositories, no tenant, no
// graph data. The one write is intentional: a fresh API key for the member is
// hashed and persisted through the directory (and its store) so the member
// never shares the founder's key. A failed key write fails the join.
func (s *Service) Join(ctx context.Context, req JoinRequest) (res *SetupTokenResult, err error) {
	var actor, slug string
	defer func() { s.finish(ctx, OpJoin, audit.ActionTenantJoin, actor, slug, err) }()

	if err := checkRequest(req); err != nil {
		return nil, err
	}

	user, err := s.authenticate(ctx, req.GitHubToken)
	if err != nil {
		return nil, err
	}
	actor = user.Login

	ok, err := s.gh.IsCollaborator(ctx, req.GitHubToken, req.Org, req.Repo, user.Login)
	if err != nil && !isAccessDenied(err) {
		return nil, fail(CodeUpstream, err)
	}
	if !ok {
		return nil, fail(CodeNotCollaborator, fmt.Errorf("%s cannot access %s/%s", user.Login, req.Org, req.Repo))
	}

	t, err := s.locateTenant(ctx, req.GitHubToken, req.Org, req.Repo)
	if err != nil {
		return nil, err
	}
	slug = t.Slug

	apiKey, err := s.issueMemberKey(ctx, t.Slug)
	if err != nil {
		return nil, err
	}

	res, err = s.mintSetup(s.bootstrap(RoleMember, t, user, apiKey, nil))
	if err != nil {
		return nil, err
	}
	res.MemoryRepo = t.MemoryRepo
	s.publish(ctx, eventbus.TypeTenantJoined, slug, actor)
	return res, nil
}

// Invite lets an org admin invite a user into the org and the tenant's
// memory repository.
func (s *Service) Invite(ctx context.Context, req InviteRequest) (res *InviteResult, err error) {
	var actor, slug string
	defer func() { s.finish(ctx, OpInvite, audit.ActionInviteCreate, actor, slug, err) }()

	if err := checkRequest(req); err != nil {
		return nil, err
	}

	user, err := s.authenticate(ctx, req.GitHubToken)
	if err != nil {
		return nil, err
	}
	actor = user.Login

	m, err := s.gh.GetOrgMembership(ctx, req.GitHubToken, req.Org, user.Login)
	if err != nil && !isAccessDenied(err) {
		return nil, fail(CodeUpstream, err)
	}
	if err != nil || !m.IsActiveAdmin() {
		return nil, fail(CodeNotAdmin, fmt.Errorf("%s is not an admin of %s", user.Login, req.Org))
	}

	t, err := s.locateTenant(ctx, req.GitHubToken, req.Org, req.Repo)
	if err != nil {
		return nil, err
	}
	slug = t.Slug

	invitee, err := s.gh.GetUser(ctx, req.GitHubToken, req.Username)
	if err != nil {
		if errors.Is(err, github.ErrNotFound) {
			return nil, &Error{Code: CodeInvalidRequest, Fields: []string{"username"}, Err: err}
		}
		return nil, fail(CodeUpstream, err)
	}

	if err := s.gh.CreateOrgInvitation(ctx, req.GitHubToken, req.Org, invitee.ID); err != nil && !isUnprocessable(err) {
		return nil, fail(CodeProvisionFailed, err)
	}
	if err := s.gh.AddCollaborator(ctx, req.GitHubToken, req.Org, req.Repo, invitee.Login); err != nil {
		return nil, fail(CodeProvisionFailed, err)
	}

	tok, expiresAt, err := s.tokens.Create(token.KindInvite, token.Payload{
		"org":     req.Org,
		"repo":    req.Repo,
		"slug":    t.Slug,
		"inviter": user.Login,
		"invitee": invitee.Login,
	}, s.opts.InviteTTL)
	if err != nil {
		return nil, fail(CodeInternal, err)
	}

	return &InviteResult{
		InviteToken: tok,
		InviteURL:   strings.TrimRight(s.opts.InviteBaseURL, "/") + "/" + tok,
		ExpiresAt:   expiresAt,
	}, nil
}

// PeekInvite describes a pending invite without consuming it.
func (s *Service) PeekInvite(_ context.Context, inviteToken string) (*InviteInfo, error) {
	payload, expiresAt, err := s.peekInvite(inviteToken)
	if err != nil {
		return nil, err
	}
	return &InviteInfo{
		Org:       payload.String("org"),
		Repo:      payload.String("repo"),
		Inviter:   payload.String("inviter"),
		Invitee:   payload.String("invitee"),
		ExpiresAt: expiresAt,
	}, nil
}

// Accept joins the invited user to the org and exchanges the invite token
// for a setup token. The invite is consumed only after the org invitation
// has been accepted, so a failed attempt can be retried.
func (s *Service) Accept(ctx context.Context, req AcceptRequest) (res *SetupTokenResult, err error) {
	var actor, slug string
	defer func() { s.finish(ctx, OpAccept, audit.ActionInviteAccept, actor, slug, err) }()

	if err := checkRequest(req); err != nil {
		return nil, err
	}

	invite, _, err := s.peekInvite(req.InviteToken)
	if err != nil {
		return nil, err
	}
	slug = invite.String("slug")
	org := invite.String("org")

	user, err := s.authenticate(ctx, req.GitHubToken)
	if err != nil {
		return nil, err
	}
	actor = user.Login
	if want := invite.String("invitee"); want != "" && !strings.EqualFold(want, user.Login) {
		return nil, fail(CodeUnauthorized, fmt.Errorf("invite is for %s, not %s", want, user.Login))
	}

	if err := s.gh.AcceptOrgInvitation(ctx, req.GitHubToken, org); err != nil {
		// Already active members have nothing to accept.
		m, merr := s.gh.GetOrgMembership(ctx, req.GitHubToken, org, user.Login)
		if merr != nil || m.State != "active" {
			return nil, fail(CodeProvisionFailed, err)
		}
	}

	invite, err = s.tokens.Claim(req.InviteToken)
	if err != nil {
		return nil, tokenError(err)
	}

	t, ok := s.dir.Snapshot().Lookup(invite.String("slug"))
	if !ok {
		return nil, fail(CodeUnknownTenant, tenant.ErrNotFound)
	}

	apiKey, err := s.issueMemberKey(ctx, t.Slug)
	if err != nil {
		return nil, err
	}

	res, err = s.mintSetup(s.bootstrap(RoleMember, t, user, apiKey, nil))
	if err != nil {
		return nil, err
	}
	res.MemoryRepo = t.MemoryRepo
	s.publish(ctx, eventbus.TypeInviteAccepted, t.Slug, actor)
	return res, nil
}

// Claim redeems a setup token exactly once and returns its bootstrap payload.
func (s *Service) Claim(ctx context.Context, req ClaimRequest) (payload token.Payload, err error) {
	var slug string
	defer func() { s.finish(ctx, OpClaim, audit.ActionTokenClaim, audit.ActorAnonymous, slug, err) }()

	if err := checkRequest(req); err != nil {
		return nil, err
	}
	if kind, err := token.ValidateTokenFormat(req.Token); err != nil || kind != token.KindSetup {
		return nil, fail(CodeUnknownToken, token.ErrTokenNotFound)
	}

	payload, err = s.tokens.Claim(req.Token)
	if err != nil {
		return nil, tokenError(err)
	}
	slug = payload.String("slug")
	return payload, nil
}

func (s *Service) authenticate(ctx context.Context, ghToken string) (github.User, error) {
	user, err := s.gh.GetAuthenticatedUser(ctx, ghToken)
	if err != nil {
		return github.User{}, fail(CodeUnauthorized, err)
	}
	if user.Login == "" {
		return github.User{}, fail(CodeUnauthorized, errors.New("token owner has no login"))
	}
	return user, nil
}

// provisionRepo generates the memory repository and waits until the API
// reports it, polling at a fixed interval.
func (s *Service) provisionRepo(ctx context.Context, ghToken, owner, name string) error {
	_, err := s.gh.GenerateFromTemplate(ctx, ghToken, github.GenerateRequest{
		TemplateOwner: s.opts.TemplateOwner,
		TemplateRepo:  s.opts.TemplateRepo,
		Owner:         owner,
		Name:          name,
		Description:   "egregore memory",
		Private:       true,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RepoReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(s.opts.RepoPollInterval)
	defer ticker.Stop()
	for {
		ok, err := s.gh.RepoExists(ctx, ghToken, owner, name)
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("repository %s/%s not ready: %w", owner, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// locateTenant reads the configuration document from org/repo and finds
// the tenant it names.
func (s *Service) locateTenant(ctx context.Context, ghToken, org, repo string) (tenant.Tenant, error) {
	data, _, err := s.gh.GetFile(ctx, ghToken, org, repo, ConfigPath)
	if err != nil {
		if isAccessDenied(err) {
			return tenant.Tenant{}, fail(CodeUnknownTenant, err)
		}
		return tenant.Tenant{}, fail(CodeUpstream, err)
	}
	doc, err := decodeConfigDocument(data)
	if err != nil {
		return tenant.Tenant{}, fail(CodeUnknownTenant, err)
	}
	if !strings.EqualFold(doc.GitHubOrg, org) {
		return tenant.Tenant{}, fail(CodeUnknownTenant, fmt.Errorf("%s/%s belongs to %s", org, repo, doc.GitHubOrg))
	}

	candidates := s.dir.Snapshot().ByGitHubOrg(doc.GitHubOrg)
	if doc.MemoryRepo == "" {
		doc.MemoryRepo = repo
	}
	for _, t := range candidates {
		if strings.EqualFold(t.MemoryRepo, doc.MemoryRepo) {
			return t, nil
		}
	}
	// Tenants loaded from the environment may not record their repository.
	var unbound []tenant.Tenant
	for _, t := range candidates {
		if t.MemoryRepo == "" {
			unbound = append(unbound, t)
		}
	}
	if len(unbound) == 1 {
		return unbound[0], nil
	}
	return tenant.Tenant{}, fail(CodeUnknownTenant, fmt.Errorf("no tenant for %s/%s", org, doc.MemoryRepo))
}

func (s *Service) issueMemberKey(ctx context.Context, slug string) (string, error) {
	apiKey, key, err := apikey.Issue(s.hasher, slug)
	if err != nil {
		return "", fail(CodeInternal, err)
	}
	if err := s.dir.AddKey(ctx, key); err != nil {
		return "", fail(CodeDirectoryFailed, err)
	}
	return apiKey, nil
}

func (s *Service) bootstrap(role string, t tenant.Tenant, user github.User, apiKey string, repos []string) token.Payload {
	p := token.Payload{
		"role":        role,
		"slug":        t.Slug,
		"api_key":     apiKey,
		"api_url":     s.opts.PublicAPIURL,
		"org_name":    t.OrgName,
		"github_org":  t.GitHubOrg,
		"github_user": user.Login,
	}
	if t.MemoryRepo != "" {
		p["memory_repo"] = t.MemoryRepo
		p["memory_clone_url"] = github.CloneURL(t.GitHubOrg, t.MemoryRepo)
	}
	if len(repos) > 0 {
		urls := make([]string, 0, len(repos))
		for _, r := range repos {
			urls = append(urls, github.CloneURL(t.GitHubOrg, r))
		}
		p["repos"] = urls
	}
	return p
}

func (s *Service) mintSetup(p token.Payload) (*SetupTokenResult, error) {
	tok, expiresAt, err := s.tokens.Create(token.KindSetup, p, s.opts.SetupTTL)
	if err != nil {
		return nil, fail(CodeInternal, err)
	}
	return &SetupTokenResult{SetupToken: tok, ExpiresAt: expiresAt, Slug: p.String("slug")}, nil
}

func (s *Service) peekInvite(inviteToken string) (token.Payload, time.Time, error) {
	if kind, err := token.ValidateTokenFormat(inviteToken); err != nil || kind != token.KindInvite {
		return nil, time.Time{}, fail(CodeUnknownToken, token.ErrTokenNotFound)
	}
	payload, expiresAt, err := s.tokens.Peek(inviteToken)
	if err != nil {
		return nil, time.Time{}, tokenError(err)
	}
	return payload, expiresAt, nil
}

func (s *Service) publish(ctx context.Context, typ, slug, actor string) {
	if s.opts.Events == nil {
		return
	}
	s.opts.Events.Publish(ctx, eventbus.Event{Type: typ, Tenant: slug, Actor: actor})
}

// finish records the outcome of one operation in metrics, the audit sink
// and the log.
func (s *Service) finish(ctx context.Context, op, action, actor, slug string, err error) {
	outcome := "success"
	result := audit.ResultSuccess
	if err != nil {
		outcome = string(CodeOf(err))
		result = audit.ResultFailure
	}
	s.opts.Metrics.RecordOnboarding(op, outcome)

	if actor == "" {
		actor = audit.ActorAnonymous
	}
	evt := audit.NewEvent(action, actor, result).
		WithTenant(slug).
		WithRequestID(logging.GetRequestID(ctx)).
		WithDetail("operation", op)
	if err != nil {
		evt.WithDetail("error", outcome)
	}
	logger := logging.WithContext(ctx, s.logger)
	if aerr := s.opts.Audit.Log(evt); aerr != nil {
		logger.Error("failed to write audit event", zap.String("action", action), zap.Error(aerr))
	}

	fields := []zap.Field{
		zap.String(logging.FieldOperation, op),
		zap.String(logging.FieldActor, actor),
		zap.String(logging.FieldOutcome, outcome),
	}
	if slug != "" {
		fields = append(fields, zap.String(logging.FieldTenant, slug))
	}
	switch {
	case err == nil:
		logger.Info("onboarding step completed", fields...)
	case serverSide[CodeOf(err)]:
		logger.Error("onboarding step failed", append(fields, zap.Error(err))...)
	default:
		logger.Info("onboarding step rejected", fields...)
	}
}

// serverSide marks codes caused by a failing dependency rather than by the caller.
var serverSide = map[Code]bool{
	CodeInternal:        true,
	CodeUpstream:        true,
	CodeProvisionFailed: true,
	CodeConfigFailed:    true,
	CodeDirectoryFailed: true,
}

func tokenError(err error) error {
	if errors.Is(err, token.ErrTokenExpired) {
		return fail(CodeExpiredToken, err)
	}
	return fail(CodeUnknownToken, err)
}

// isAccessDenied reports the API answers GitHub gives for resources the
// caller cannot see.
func isAccessDenied(err error) bool {
	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusForbidden
	}
	return false
}

func isUnprocessable(err error) bool {
	var apiErr *github.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity
}
