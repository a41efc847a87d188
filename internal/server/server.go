// Package server implements the public HTTP listener: graph queries,
// onboarding, health checks and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Curve-Labs/egregore-site-sub000/internal/apikey"
	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/gateway"
	"github.com/Curve-Labs/egregore-site-sub000/internal/metrics"
	"github.com/Curve-Labs/egregore-site-sub000/internal/middleware"
	"github.com/Curve-Labs/egregore-site-sub000/internal/onboarding"
	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
	"github.com/Curve-Labs/egregore-site-sub000/internal/token"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// Authenticator maps a bearer credential to a tenant.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (apikey.Identity, error)
}

// QueryService runs the guarded query pipeline.
type QueryService interface {
	Execute(ctx context.Context, t *tenant.Tenant, q gateway.Query) (json.RawMessage, error)
	ExecuteBatch(ctx context.Context, t *tenant.Tenant, queries []gateway.Query) ([]gateway.Result, error)
}

// Onboarding runs the onboarding flows.
type Onboarding interface {
	Setup(ctx context.Context, req onboarding.SetupRequest) (*onboarding.SetupTokenResult, error)
	Join(ctx context.Context, req onboarding.JoinRequest) (*onboarding.SetupTokenResult, error)
	Invite(ctx context.Context, req onboarding.InviteRequest) (*onboarding.InviteResult, error)
	PeekInvite(ctx context.Context, inviteToken string) (*onboarding.InviteInfo, error)
	Accept(ctx context.Context, req onboarding.AcceptRequest) (*onboarding.SetupTokenResult, error)
	Claim(ctx context.Context, req onboarding.ClaimRequest) (token.Payload, error)
}

// ReadyCheck is one dependency consulted by /ready.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators the handlers call into. Onboarding may be nil
// when the code-hosting integration is not configured.
type Deps struct {
	Auth       Authenticator
	Queries    QueryService
	Onboarding Onboarding
	Metrics    *metrics.Metrics
	Checks     []ReadyCheck
}

// Server wraps the http.Server with the gateway's routes.
type Server struct {
	server    *http.Server
	config    *config.Config
	deps      Deps
	logger    *zap.Logger
	startedAt time.Time
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
}

// New registers all routes. The server is not started until Start is called.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:    cfg,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /live", s.handleLive)

	mux.HandleFunc("POST /api/graph/query", s.authenticated(s.handleQuery))
	mux.HandleFunc("POST /api/graph/batch", s.authenticated(s.handleBatch))

	mux.HandleFunc("POST /api/onboarding/setup", s.onboardingRoute(s.handleSetup))
	mux.HandleFunc("POST /api/onboarding/join", s.onboardingRoute(s.handleJoin))
	mux.HandleFunc("POST /api/onboarding/invite", s.onboardingRoute(s.handleInvite))
	mux.HandleFunc("POST /api/onboarding/invite/accept", s.onboardingRoute(s.handleAccept))
	mux.HandleFunc("GET /api/onboarding/invite/{token}", s.onboardingRoute(s.handlePeekInvite))
	mux.HandleFunc("POST /api/onboarding/claim", s.onboardingRoute(s.handleClaim))

	if cfg.EnableMetrics && deps.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, deps.Metrics.Handler())
	}

	mux.HandleFunc("/", s.handleNotFound)

	handler := middleware.Chain(mux,
		middleware.Recover(logger),
		middleware.RequestID(),
		middleware.AccessLog(logger),
		middleware.CORS(cfg.AllowedOrigins),
	)

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler returns the root handler including middlewares.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("public API listening", zap.String("addr", s.config.ListenAddr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server without interrupting
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   Version,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleReady reports 503 while any dependency check fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for _, c := range s.deps.Checks {
		if err := c.Check(ctx); err != nil {
			failed[c.Name] = err.Error()
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, errorBody{Error: "not_found"})
}
