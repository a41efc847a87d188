// Package admin provides the operator API. It listens separately from the
// public gateway and is guarded by the management token.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/apikey"
	"github.com/Curve-Labs/egregore-site-sub000/internal/audit"
	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/logging"
	"github.com/Curve-Labs/egregore-site-sub000/internal/obfuscate"
	"github.com/Curve-Labs/egregore-site-sub000/internal/ratelimit"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

// KeyRevoker revokes every stored key of a tenant. It is backed by the
// admin store.
type KeyRevoker interface {
	RevokeAPIKeysForTenant(ctx context.Context, slug string) (int64, error)
}

// Deps are the collaborators of the operator API. Keys and Audit are
// optional.
type Deps struct {
	Directory *tenant.Directory
	Limiter   ratelimit.Limiter
	Hasher    encryption.Hasher
	Keys      KeyRevoker
	Audit     *audit.Logger
}

// Server represents the operator API HTTP server.
type Server struct {
	server *http.Server
	config *config.Config
	engine *gin.Engine
	deps   Deps
	logger *zap.Logger
}

// NewServer creates the gin engine and registers the routes. The management
// token must be set.
func NewServer(cfg *config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if cfg.ManagementToken == "" {
		return nil, errors.New("admin: MANAGEMENT_TOKEN is required")
	}
	if deps.Directory == nil {
		return nil, errors.New("admin: tenant directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNullLogger()
	}

	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(accessLog(logger))

	s := &Server{
		config: cfg,
		engine: engine,
		deps:   deps,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.AdminListenAddr,
			Handler:      engine,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.setupRoutes()
	return s, nil
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks until the server is shut down or fails.
func (s *Server) Start() error {
	s.logger.Info("operator API listening", zap.String("addr", s.config.AdminListenAddr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server without interrupting active connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.engine.GET("/admin/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.engine.Group("/admin")
	api.Use(s.authMiddleware())
	{
		api.GET("/tenants", s.handleTenantsList)
		api.GET("/tenants/:slug", s.handleTenantsShow)
		api.POST("/tenants/reload", s.handleReload)
		api.POST("/tenants/:slug/keys", s.handleKeysIssue)
		api.DELETE("/tenants/:slug/keys", s.handleKeysRevoke)
		api.GET("/ratelimit/:slug", s.handleRateLimitShow)
		api.DELETE("/ratelimit/:slug", s.handleRateLimitReset)
	}
}

// authMiddleware checks the bearer credential against the management token.
func (s *Server) authMiddleware() gin.HandlerFunc {
	want := []byte(s.config.ManagementToken)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		got, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			s.logger.Debug("operator API rejected credential",
				zap.String("credential", obfuscate.Token(got)),
				zap.String(logging.FieldClientIP, c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("admin request",
			zap.String(logging.FieldMethod, c.Request.Method),
			zap.String(logging.FieldPath, c.FullPath()),
			zap.Int(logging.FieldStatusCode, c.Writer.Status()),
			zap.Int64(logging.FieldDurationMs, time.Since(start).Milliseconds()),
			zap.String(logging.FieldClientIP, c.ClientIP()))
	}
}

// TenantView is a tenant as the operator API shows it. Secrets are
// obfuscated.
type TenantView struct {
	Slug             string    `json:"slug"`
	OrgName          string    `json:"org_name"`
	GitHubOrg        string    `json:"github_org"`
	MemoryRepo       string    `json:"memory_repo,omitempty"`
	Neo4jHost        string    `json:"neo4j_host"`
	Neo4jUser        string    `json:"neo4j_user"`
	Neo4jPassword    string    `json:"neo4j_password"`
	TelegramBotToken string    `json:"telegram_bot_token,omitempty"`
	TelegramChatID   string    `json:"telegram_chat_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	Keys             []KeyView `json:"keys"`
}

// KeyView is the public part of a stored key.
type KeyView struct {
	ID        string     `json:"id"`
	Prefix    string     `json:"prefix"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// TenantList is the body of GET /admin/tenants.
type TenantList struct {
	Version  uint64       `json:"version"`
	LoadedAt time.Time    `json:"loaded_at"`
	Tenants  []TenantView `json:"tenants"`
}

func viewOf(t tenant.Tenant, keys []tenant.Key) TenantView {
	v := TenantView{
		Slug:           t.Slug,
		OrgName:        t.OrgName,
		GitHubOrg:      t.GitHubOrg,
		MemoryRepo:     t.MemoryRepo,
		Neo4jHost:      t.Neo4jHost,
		Neo4jUser:      t.Neo4jUser,
		Neo4jPassword:  obfuscate.Secret(t.Neo4jPassword),
		TelegramChatID: t.TelegramChatID,
		CreatedAt:      t.CreatedAt,
		Keys:           make([]KeyView, 0, len(keys)),
	}
	if t.TelegramBotToken != "" {
		v.TelegramBotToken = obfuscate.Token(t.TelegramBotToken)
	}
	for _, k := range keys {
		v.Keys = append(v.Keys, KeyView{ID: k.ID, Prefix: k.Prefix, CreatedAt: k.CreatedAt, RevokedAt: k.RevokedAt})
	}
	return v
}

func (s *Server) handleTenantsList(c *gin.Context) {
	snap := s.deps.Directory.Snapshot()
	tenants := snap.List()
	out := TenantList{
		Version:  snap.Version(),
		LoadedAt: snap.LoadedAt(),
		Tenants:  make([]TenantView, 0, len(tenants)),
	}
	for _, t := range tenants {
		out.Tenants = append(out.Tenants, viewOf(t, snap.Keys(t.Slug)))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleTenantsShow(c *gin.Context) {
	slug := c.Param("slug")
	snap := s.deps.Directory.Snapshot()
	t, ok := snap.Lookup(slug)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_tenant"})
		return
	}
	c.JSON(http.StatusOK, viewOf(t, snap.Keys(slug)))
}

func (s *Server) handleReload(c *gin.Context) {
	start := time.Now()
	err := s.deps.Directory.Reload(c.Request.Context())
	s.auditEvent(c, audit.ActionDirectoryReload, "", err, func(e *audit.Event) {
		e.WithDuration(time.Since(start))
	})
	if err != nil {
		s.logger.Error("directory reload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "directory_failed", "description": err.Error()})
		return
	}
	snap := s.deps.Directory.Snapshot()
	c.JSON(http.StatusOK, gin.H{"version": snap.Version(), "tenants": snap.Len()})
}

// IssuedKey is returned once when a key is issued. The plaintext is not
// kept anywhere.
type IssuedKey struct {
	Slug   string `json:"slug"`
	APIKey string `json:"api_key"`
	ID     string `json:"id"`
	Prefix string `json:"prefix"`
}

func (s *Server) handleKeysIssue(c *gin.Context) {
	slug := c.Param("slug")
	if s.deps.Hasher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key_issue_disabled"})
		return
	}
	plaintext, key, err := apikey.Issue(s.deps.Hasher, slug)
	if err == nil {
		err = s.deps.Directory.AddKey(c.Request.Context(), key)
	}
	s.auditEvent(c, audit.ActionKeyIssue, slug, err, func(e *audit.Event) {
		e.WithDetail("key_prefix", key.Prefix)
	})
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_tenant"})
	case err != nil:
		s.logger.Error("key issue failed", zap.String(logging.FieldTenant, slug), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	default:
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusCreated, IssuedKey{Slug: slug, APIKey: plaintext, ID: key.ID, Prefix: key.Prefix})
	}
}

// handleKeysRevoke revokes the tenant's stored keys and reloads the
// directory so the revocation takes effect.
func (s *Server) handleKeysRevoke(c *gin.Context) {
	slug := c.Param("slug")
	if s.deps.Keys == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_disabled"})
		return
	}
	if _, ok := s.deps.Directory.Lookup(slug); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_tenant"})
		return
	}
	n, err := s.deps.Keys.RevokeAPIKeysForTenant(c.Request.Context(), slug)
	if err == nil {
		err = s.deps.Directory.Reload(c.Request.Context())
	}
	s.auditEvent(c, audit.ActionKeyRevoke, slug, err, func(e *audit.Event) {
		e.WithDetail("revoked", n)
	})
	if err != nil {
		s.logger.Error("key revocation failed", zap.String(logging.FieldTenant, slug), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"slug": slug, "revoked": n})
}

// RateLimitView is a tenant's current limiter window.
type RateLimitView struct {
	Slug          string `json:"slug"`
	Count         int    `json:"count"`
	Max           int    `json:"max"`
	Remaining     int    `json:"remaining"`
	WindowSeconds int    `json:"window"`
}

func (s *Server) handleRateLimitShow(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := s.deps.Directory.Lookup(slug); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_tenant"})
		return
	}
	u, err := s.deps.Limiter.Usage(c.Request.Context(), slug)
	if err != nil {
		s.logger.Warn("rate limit usage unavailable", zap.String(logging.FieldTenant, slug), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate_limiter_unavailable"})
		return
	}
	c.JSON(http.StatusOK, RateLimitView{
		Slug:          slug,
		Count:         u.Count,
		Max:           u.Max,
		Remaining:     u.Remaining,
		WindowSeconds: int(u.Window.Seconds()),
	})
}

func (s *Server) handleRateLimitReset(c *gin.Context) {
	slug := c.Param("slug")
	if _, ok := s.deps.Directory.Lookup(slug); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_tenant"})
		return
	}
	if err := s.deps.Limiter.Reset(c.Request.Context(), slug); err != nil {
		s.logger.Warn("rate limit reset failed", zap.String(logging.FieldTenant, slug), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate_limiter_unavailable"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) auditEvent(c *gin.Context, action, slug string, err error, decorate func(*audit.Event)) {
	result := audit.ResultSuccess
	if err != nil {
		result = audit.ResultFailure
	}
	e := audit.NewEvent(action, audit.ActorManagement, result).
		WithClientIP(c.ClientIP()).
		WithError(err)
	if slug != "" {
		e.WithTenant(slug)
	}
	if decorate != nil {
		decorate(e)
	}
	if logErr := s.deps.Audit.Log(e); logErr != nil {
		s.logger.Error("failed to write audit event", zap.String("action", action), zap.Error(logErr))
	}
}
