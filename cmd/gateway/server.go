package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/Curve-Labs/egregore-site-sub000/internal/admin"
	"github.com/Curve-Labs/egregore-site-sub000/internal/apikey"
	"github.com/Curve-Labs/egregore-site-sub000/internal/audit"
	"github.com/Curve-Labs/egregore-site-sub000/internal/config"
	"github.com/Curve-Labs/egregore-site-sub000/internal/database"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
	"github.com/Curve-Labs/egregore-site-sub000/internal/gateway"
	"github.com/Curve-Labs/egregore-site-sub000/internal/github"
	"github.com/Curve-Labs/egregore-site-sub000/internal/graph"
	"github.com/Curve-Labs/egregore-site-sub000/internal/guard"
	"github.com/Curve-Labs/egregore-site-sub000/internal/logging"
	"github.com/Curve-Labs/egregore-site-sub000/internal/messaging"
	"github.com/Curve-Labs/egregore-site-sub000/internal/metrics"
	"github.com/Curve-Labs/egregore-site-sub000/internal/onboarding"
	"github.com/Curve-Labs/egregore-site-sub000/internal/server"
	"github.com/Curve-Labs/egregore-site-sub000/internal/token"
)

// Server command flags
var (
	serverListenAddr string
	serverLogLevel   string
	serverLogFile    string
	debugMode        bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway",
	Long:  `Start the public API and, when MANAGEMENT_TOKEN is set, the operator API.`,
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().StringVar(&serverListenAddr, "addr", "", "Address to listen on (overrides LISTEN_ADDR)")
	serverCmd.Flags().StringVar(&serverLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	serverCmd.Flags().StringVar(&serverLogFile, "log-file", "", "Path to log file (overrides LOG_FILE, default: stdout)")
	serverCmd.Flags().BoolVarP(&debugMode, "debug", "v", false, "Enable debug logging (overrides log-level)")
}

// applyServerOverrides copies command line flags into the environment
// before the configuration is read.
func applyServerOverrides() error {
	overrides := map[string]string{
		"LISTEN_ADDR": serverListenAddr,
		"LOG_LEVEL":   serverLogLevel,
		"LOG_FILE":    serverLogFile,
	}
	if debugMode {
		overrides["LOG_LEVEL"] = "debug"
	}
	for key, value := range overrides {
		if value == "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// app is every long-lived component of a running gateway.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	store   *database.DB
	redis   *redis.Client
	public  *server.Server
	admin   *admin.Server
	stopBus func()
	audit   *audit.Logger
}

func runServer(cmd *cobra.Command, args []string) error {
	loadEnv()
	if err := applyServerOverrides(); err != nil {
		return err
	}

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	zapLogger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := zapLogger.Sync(); err != nil && !strings.Contains(err.Error(), "inappropriate ioctl for device") {
			log.Printf("Error syncing zap logger: %v", err)
		}
	}()

	// Fail fast if the configured address is already in use
	if ln, err := net.Listen("tcp", cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address unavailable (already in use?): %s: %w", cfg.ListenAddr, err)
	} else {
		_ = ln.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, zapLogger)
	if err != nil {
		return err
	}
	defer a.close()

	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Println("Press Ctrl+C to stop")
	}
	return a.run(ctx)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error
	a.store, err = openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	hasher := encryption.NewKeyHasher()
	dir, err := buildDirectory(ctx, a.store, hasher, logging.NewComponentLogger(logger, "directory"))
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant directory: %w", err)
	}
	if dir.Snapshot().Len() == 0 {
		logger.Warn("Tenant directory is empty; every query will be rejected until tenants are onboarded")
	}
	if a.store == nil {
		logger.Warn("No DB_DRIVER configured; onboarded tenants and issued keys are kept in memory until restart")
	}

	if cfg.AuditEnabled && cfg.AuditLogFile != "" {
		a.audit, err = audit.NewLogger(audit.LoggerConfig{FilePath: cfg.AuditLogFile, CreateDir: cfg.AuditCreateDir})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
		}
	} else {
		a.audit = audit.NewNullLogger()
	}

	var m *metrics.Metrics
	if cfg.EnableMetrics {
		m = metrics.New()
	}

	if cfg.RateLimitBackend == "redis" || cfg.EventBusBackend == "redis" {
		a.redis = newRedisClient(cfg)
	}
	limiter, checks := buildLimiter(cfg, a.redis, logger)
	if a.store != nil {
		checks = append(checks, server.ReadyCheck{Name: "database", Check: a.store.Ping})
	}

	policy, err := guard.LoadPolicy(cfg.GuardPolicyPath)
	if err != nil {
		return nil, err
	}
	policy.MaxStatementBytes = cfg.MaxQueryBytes

	queries := gateway.NewService(policy, limiter,
		logging.NewQueryAuditor(logging.NewComponentLogger(logger, "query_audit"), logger),
		graph.NewExecutor(cfg.GraphTimeout),
		logging.NewComponentLogger(logger, "gateway"),
		gateway.Options{MaxBatchSize: cfg.MaxBatchSize, BatchConcurrency: cfg.BatchConcurrency, Metrics: m})

	auth := apikey.NewAuthenticator(dir, hasher,
		apikey.CacheOptions{TTL: cfg.KeyCacheTTL, MaxSize: cfg.KeyCacheMax},
		logging.NewComponentLogger(logger, "auth"))

	deps := server.Deps{Auth: auth, Queries: queries, Metrics: m, Checks: checks}
	if a.store != nil {
		deps.Auth = newTouchingAuthenticator(auth, a.store, time.Minute, logger)
	}

	bus := buildEventBus(ctx, cfg, a.redis, logger)
	notifier := messaging.NewNotifier(messaging.NewClient(cfg.TelegramAPIURL, cfg.TelegramTimeout), dir, logger)
	busCtx, cancelBus := context.WithCancel(context.WithoutCancel(ctx))
	go notifier.Run(busCtx, bus.Subscribe())
	a.stopBus = func() {
		cancelBus()
		bus.Stop()
	}

	if cfg.GitHubTemplateOwner != "" && cfg.GitHubTemplateRepo != "" {
		gh := github.NewClient(github.Options{
			BaseURL:      cfg.GitHubAPIURL,
			ReadTimeout:  cfg.GitHubReadTimeout,
			WriteTimeout: cfg.GitHubWriteTimeout,
			UserAgent:    "egregore-gateway/" + server.Version,
		})
		deps.Onboarding = onboarding.NewService(gh, dir, token.NewStore(), hasher, onboarding.Options{
			TemplateOwner:    cfg.GitHubTemplateOwner,
			TemplateRepo:     cfg.GitHubTemplateRepo,
			PublicAPIURL:     cfg.PublicAPIURL,
			InviteBaseURL:    cfg.InviteBaseURL,
			SetupTTL:         cfg.SetupTokenTTL,
			InviteTTL:        cfg.InviteTokenTTL,
			RepoReadyTimeout: cfg.RepoReadyTimeout,
			RepoPollInterval: cfg.RepoPollInterval,
			Neo4jHost:        cfg.SharedNeo4jHost,
			Neo4jUser:        cfg.SharedNeo4jUser,
			Neo4jPassword:    cfg.SharedNeo4jPassword,
			TelegramBotToken: cfg.SharedTelegramBotToken,
			Audit:            a.audit,
			Events:           bus,
			Metrics:          m,
		}, logging.NewComponentLogger(logger, "onboarding"))
	} else {
		logger.Info("Onboarding disabled: GITHUB_TEMPLATE_OWNER and GITHUB_TEMPLATE_REPO are not set")
	}

	a.public = server.New(cfg, deps, logger)

	if cfg.AdminEnabled() {
		adminDeps := admin.Deps{Directory: dir, Limiter: limiter, Hasher: hasher, Audit: a.audit}
		if a.store != nil {
			adminDeps.Keys = a.store
		}
		a.admin, err = admin.NewServer(cfg, adminDeps, logging.NewComponentLogger(logger, "admin"))
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

// run serves until ctx is cancelled or a listener fails, then shuts both
// listeners down within the configured grace period.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.public.Start)
	if a.admin != nil {
		g.Go(a.admin.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Server shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		err := a.public.Shutdown(sctx)
		if a.admin != nil {
			if aerr := a.admin.Shutdown(sctx); err == nil {
				err = aerr
			}
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	a.logger.Info("Server exited gracefully")
	return nil
}

func (a *app) close() {
	if a.stopBus != nil {
		a.stopBus()
	}
	if a.audit != nil {
		_ = a.audit.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close admin store", zap.Error(err))
		}
	}
}
