// Package config handles application configuration loading and validation
// from environment variables, providing a type-safe configuration structure.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gateway configuration values loaded from environment variables.
type Config struct {
	// Server configuration
	ListenAddr      string        // Address for the public API (e.g., ":8080")
	AdminListenAddr string        // Address for the operator API (empty disables it)
	MaxRequestSize  int64         // Maximum size of incoming request bodies in bytes
	ShutdownTimeout time.Duration // Grace period for in-flight requests on shutdown

	// Environment
	APIEnv string // 'production', 'development', 'test'

	// Authentication
	ManagementToken string // Bearer token for the operator API

	// Tenant directory
	Tenants     []TenantOptions // Tenants defined in the environment
	KeyCacheTTL time.Duration   // How long a verified API key stays cached
	KeyCacheMax int             // Maximum entries in the API key cache

	// Admin store
	DatabaseDriver   string // sqlite, postgres or mysql; empty disables the store
	DatabasePath     string // SQLite database file
	DatabaseURL      string // DSN for postgres or mysql
	DatabasePoolSize int
	EncryptionKey    string // base64 AES-256 key sealing tenant secrets in the store

	// Query guard
	MaxQueryBytes    int    // Largest accepted statement in bytes
	MaxBatchSize     int    // Most statements accepted in one batch request
	BatchConcurrency int    // Statements of one batch dispatched in parallel
	GuardPolicyPath  string // Optional YAML file extending the guard policy
	GraphTimeout     time.Duration

	// Rate limiting
	RateLimitMax       int           // Maximum requests per window per tenant
	RateLimitWindow    time.Duration // Sliding window length
	RateLimitBackend   string        // "memory" or "redis"
	RateLimitPrefix    string        // Redis key prefix for limiter entries
	RateLimitKeySecret string        // HMAC secret for hashing slugs in Redis keys
	RateLimitFallback  bool          // Fall back to memory when Redis is unavailable
	RedisAddr          string
	RedisDB            int

	// Onboarding
	GitHubAPIURL        string
	GitHubTemplateOwner string
	GitHubTemplateRepo  string
	GitHubReadTimeout   time.Duration
	GitHubWriteTimeout  time.Duration
	RepoReadyTimeout    time.Duration
	RepoPollInterval    time.Duration
	PublicAPIURL        string // Written into tenant configuration documents
	InviteBaseURL       string // Base of shareable invite links
	DefaultInstanceName string
	SetupTokenTTL       time.Duration
	InviteTokenTTL      time.Duration

	// Shared backend handed to tenants created by onboarding
	SharedNeo4jHost        string
	SharedNeo4jUser        string
	SharedNeo4jPassword    string
	SharedTelegramBotToken string

	// Messaging
	TelegramAPIURL  string
	TelegramTimeout time.Duration

	// CORS
	AllowedOrigins []string // Browser origins allowed to call the API

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // Path to log file (empty for stdout)

	// Audit logging
	AuditEnabled   bool
	AuditLogFile   string
	AuditCreateDir bool

	// Event bus
	EventBusBackend    string // "in-memory" or "redis"
	EventBusBufferSize int
	EventBusStream     string

	// Monitoring
	EnableMetrics bool
	MetricsPath   string
}

// New creates a new configuration with values from environment variables.
// It applies default values where environment variables are not set,
// and validates the result.
func New() (*Config, error) {
	tenants, err := LoadTenants()
	if err != nil {
		return nil, err
	}

	config := &Config{
		ListenAddr:      getEnvString("LISTEN_ADDR", ":8080"),
		AdminListenAddr: getEnvString("ADMIN_LISTEN_ADDR", ":8081"),
		MaxRequestSize:  getEnvInt64("MAX_REQUEST_SIZE", 1024*1024), // 1MB
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		APIEnv: getEnvString("API_ENV", "development"),

		ManagementToken: getEnvString("MANAGEMENT_TOKEN", ""),

		Tenants:     tenants,
		KeyCacheTTL: getEnvDuration("KEY_CACHE_TTL", 5*time.Minute),
		KeyCacheMax: getEnvInt("KEY_CACHE_MAX", 10000),

		DatabaseDriver:   getEnvString("DB_DRIVER", ""),
		DatabasePath:     getEnvString("DATABASE_PATH", "./data/egregore.db"),
		DatabaseURL:      getEnvString("DATABASE_URL", ""),
		DatabasePoolSize: getEnvInt("DATABASE_POOL_SIZE", 10),
		EncryptionKey:    getEnvString("ENCRYPTION_KEY", ""),

		MaxQueryBytes:    getEnvInt("MAX_QUERY_BYTES", 10240),
		MaxBatchSize:     getEnvInt("MAX_BATCH_SIZE", 20),
		BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 4),
		GuardPolicyPath:  getEnvString("GUARD_POLICY_PATH", ""),
		GraphTimeout:     getEnvDuration("GRAPH_TIMEOUT", 30*time.Second),

		RateLimitMax:       getEnvInt("RATE_LIMIT_MAX", 120),
		RateLimitWindow:    getEnvDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitBackend:   getEnvString("RATE_LIMIT_BACKEND", "memory"),
		RateLimitPrefix:    getEnvString("RATE_LIMIT_PREFIX", "egregore:ratelimit:"),
		RateLimitKeySecret: getEnvString("RATE_LIMIT_KEY_SECRET", ""),
		RateLimitFallback:  getEnvBool("RATE_LIMIT_FALLBACK", true),
		RedisAddr:          getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisDB:            getEnvInt("REDIS_DB", 0),

		GitHubAPIURL:        getEnvString("GITHUB_API_URL", "https://api.github.com"),
		GitHubTemplateOwner: getEnvString("GITHUB_TEMPLATE_OWNER", "egregore-labs"),
		GitHubTemplateRepo:  getEnvString("GITHUB_TEMPLATE_REPO", "egregore-memory-template"),
		GitHubReadTimeout:   getEnvDuration("GITHUB_READ_TIMEOUT", 10*time.Second),
		GitHubWriteTimeout:  getEnvDuration("GITHUB_WRITE_TIMEOUT", 30*time.Second),
		RepoReadyTimeout:    getEnvDuration("REPO_READY_TIMEOUT", 30*time.Second),
		RepoPollInterval:    getEnvDuration("REPO_POLL_INTERVAL", 2*time.Second),
		PublicAPIURL:        getEnvString("PUBLIC_API_URL", "http://localhost:8080"),
		InviteBaseURL:       getEnvString("INVITE_BASE_URL", "http://localhost:8080/invite"),
		DefaultInstanceName: getEnvString("DEFAULT_INSTANCE_NAME", "egregore"),
		SetupTokenTTL:       getEnvDuration("SETUP_TOKEN_TTL", 10*time.Minute),
		InviteTokenTTL:      getEnvDuration("INVITE_TOKEN_TTL", 7*24*time.Hour),

		SharedNeo4jHost:        getEnvString("SHARED_NEO4J_HOST", os.Getenv("NEO4J_HOST")),
		SharedNeo4jUser:        getEnvString("SHARED_NEO4J_USER", getEnvString("NEO4J_USER", "neo4j")),
		SharedNeo4jPassword:    getEnvString("SHARED_NEO4J_PASSWORD", os.Getenv("NEO4J_PASSWORD")),
		SharedTelegramBotToken: getEnvString("SHARED_TELEGRAM_BOT_TOKEN", os.Getenv("TELEGRAM_BOT_TOKEN")),

		TelegramAPIURL:  getEnvString("TELEGRAM_API_URL", "https://api.telegram.org"),
		TelegramTimeout: getEnvDuration("TELEGRAM_TIMEOUT", 10*time.Second),

		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", nil),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),
		LogFile:   getEnvString("LOG_FILE", ""),

		AuditEnabled:   getEnvBool("AUDIT_ENABLED", true),
		AuditLogFile:   getEnvString("AUDIT_LOG_FILE", "./data/audit.log"),
		AuditCreateDir: getEnvBool("AUDIT_CREATE_DIR", true),

		EventBusBackend:    getEnvString("EVENT_BUS", "in-memory"),
		EventBusBufferSize: getEnvInt("EVENT_BUS_BUFFER_SIZE", 256),
		EventBusStream:     getEnvString("EVENT_BUS_STREAM", "egregore:events"),

		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		MetricsPath:   getEnvString("METRICS_PATH", "/metrics"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks invariants that the defaults cannot guarantee.
func (c *Config) Validate() error {
	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive, got %d", c.RateLimitMax)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow)
	}
	if c.MaxQueryBytes <= 0 {
		return fmt.Errorf("MAX_QUERY_BYTES must be positive, got %d", c.MaxQueryBytes)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive, got %d", c.MaxBatchSize)
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	switch c.DatabaseDriver {
	case "", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DatabaseDriver)
	}
	if (c.DatabaseDriver == "postgres" || c.DatabaseDriver == "mysql") && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=%s", c.DatabaseDriver)
	}
	seen := make(map[string]struct{}, len(c.Tenants))
	for _, t := range c.Tenants {
		if _, dup := seen[t.Slug]; dup {
			return fmt.Errorf("tenant %q defined more than once", t.Slug)
		}
		seen[t.Slug] = struct{}{}
	}
	return nil
}

// AdminEnabled reports whether the operator API should be served.
func (c *Config) AdminEnabled() bool {
	return c.AdminListenAddr != "" && c.ManagementToken != ""
}

// EnvOrDefault is getEnvString for command flag defaults. Unlike
// getEnvString, an empty value selects the fallback.
func EnvOrDefault(key, fallback string) string {
	if v := getEnvString(key, ""); v != "" {
		return v
	}
	return fallback
}

// getEnvString retrieves a string value from an environment variable,
// falling back to the provided default value if the variable is not set.
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves a boolean value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as a boolean.
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseBool(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvInt retrieves an integer value from an environment variable,
// falling back to the provided default value if the variable is not set
// or cannot be parsed as an integer.
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.Atoi(value)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		parsedValue, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsedValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration value from an environment variable.
// Bare integers are read as seconds so RATE_LIMIT_WINDOW=60 keeps working.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if parsedValue, err := time.ParseDuration(value); err == nil {
			return parsedValue
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getEnvStringSlice retrieves a comma-separated string value from an environment variable
// and splits it into a slice of strings, dropping empty elements.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

// DefaultConfig returns a configuration with default values and no tenants.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		AdminListenAddr: ":8081",
		MaxRequestSize:  1024 * 1024,
		ShutdownTimeout: 15 * time.Second,
		APIEnv:          "development",

		KeyCacheTTL: 5 * time.Minute,
		KeyCacheMax: 10000,

		DatabasePath:     "./data/egregore.db",
		DatabasePoolSize: 10,

		MaxQueryBytes:    10240,
		MaxBatchSize:     20,
		BatchConcurrency: 4,
		GraphTimeout:     30 * time.Second,

		RateLimitMax:      120,
		RateLimitWindow:   60 * time.Second,
		RateLimitBackend:  "memory",
		RateLimitPrefix:   "egregore:ratelimit:",
		RateLimitFallback: true,
		RedisAddr:         "localhost:6379",

		GitHubAPIURL:        "https://api.github.com",
		GitHubTemplateOwner: "egregore-labs",
		GitHubTemplateRepo:  "egregore-memory-template",
		GitHubReadTimeout:   10 * time.Second,
		GitHubWriteTimeout:  30 * time.Second,
		RepoReadyTimeout:    30 * time.Second,
		RepoPollInterval:    2 * time.Second,
		PublicAPIURL:        "http://localhost:8080",
		InviteBaseURL:       "http://localhost:8080/invite",
		DefaultInstanceName: "egregore",
		SetupTokenTTL:       10 * time.Minute,
		InviteTokenTTL:      7 * 24 * time.Hour,

		SharedNeo4jUser: "neo4j",

		TelegramAPIURL:  "https://api.telegram.org",
		TelegramTimeout: 10 * time.Second,

		LogLevel:  "info",
		LogFormat: "json",

		AuditEnabled:   true,
		AuditLogFile:   "./data/audit.log",
		AuditCreateDir: true,

		EventBusBackend:    "in-memory",
		EventBusBufferSize: 256,
		EventBusStream:     "egregore:events",

		EnableMetrics: true,
		MetricsPath:   "/metrics",
	}
}
