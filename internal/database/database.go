// Package database persists tenants created at runtime and their API key
// hashes. SQLite, PostgreSQL and MySQL are supported.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3"    // SQLite driver

	"github.com/Curve-Labs/egregore-site-sub000/internal/database/migrations"
	"github.com/Curve-Labs/egregore-site-sub000/internal/encryption"
)

// DriverType represents the database driver type.
type DriverType string

const (
	DriverSQLite   DriverType = "sqlite"
	DriverPostgres DriverType = "postgres"
	DriverMySQL    DriverType = "mysql"
)

// Config contains the database configuration for all drivers.
type Config struct {
	Driver DriverType
	// Path is the SQLite database file.
	Path string
	// DatabaseURL is the PostgreSQL or MySQL connection string.
	DatabaseURL string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Encryptor seals tenant secrets at rest. Nil stores them as-is.
	Encryptor encryption.FieldEncryptor
}

// DefaultConfig returns a SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "data/egregore.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

// DB is the admin store connection.
type DB struct {
	db     *sql.DB
	driver DriverType
	enc    encryption.FieldEncryptor
}

// New opens the database, checks connectivity and applies pending migrations.
func New(ctx context.Context, config Config) (*DB, error) {
	d, err := Open(config)
	if err != nil {
		return nil, err
	}
	if err := d.Migrator().Up(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Open connects without touching the schema.
func Open(config Config) (*DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch config.Driver {
	case DriverSQLite, "":
		config.Driver = DriverSQLite
		db, err = openSQLite(config)
	case DriverPostgres:
		if config.DatabaseURL == "" {
			return nil, errors.New("database URL is required for postgres")
		}
		db, err = sql.Open("pgx", config.DatabaseURL)
	case DriverMySQL:
		var dsn string
		dsn, err = mysqlDSN(config.DatabaseURL)
		if err == nil {
			db, err = sql.Open("mysql", dsn)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", config.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.Driver, err)
	}

	if config.Driver != DriverSQLite || config.Path != ":memory:" {
		if config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.MaxIdleConns > 0 {
			db.SetMaxIdleConns(config.MaxIdleConns)
		}
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", config.Driver, err)
	}

	enc := config.Encryptor
	if enc == nil {
		enc = encryption.NullEncryptor{}
	}
	return &DB{db: db, driver: config.Driver, enc: enc}, nil
}

// openSQLite stores timestamps in UTC; _loc=UTC parses them back as UTC.
func openSQLite(config Config) (*sql.DB, error) {
	if config.Path != ":memory:" {
		if err := ensureDirExists(filepath.Dir(config.Path)); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", config.Path+"?_journal=WAL&_foreign_keys=on&_loc=UTC")
	if err != nil {
		return nil, err
	}
	// An in-memory database exists per connection.
	if config.Path == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return db, nil
}

// mysqlDSN forces parseTime so DATETIME columns scan into time.Time.
func mysqlDSN(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("database URL is required for mysql")
	}
	cfg, err := mysql.ParseDSN(strings.TrimPrefix(raw, "mysql://"))
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func ensureDirExists(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(dir, 0o755)
	} else if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s exists and is not a directory", dir)
	}
	return nil
}

// Migrator returns a migration runner bound to this connection.
func (d *DB) Migrator() *migrations.Runner {
	return migrations.NewRunner(d.db, d.dialect())
}

func (d *DB) dialect() string {
	switch d.driver {
	case DriverPostgres:
		return "postgres"
	case DriverMySQL:
		return "mysql"
	default:
		return "sqlite3"
	}
}

// Driver returns the configured driver.
func (d *DB) Driver() DriverType { return d.driver }

// Ping checks connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Transaction executes fn within a transaction, rolling back on error or panic.
func (d *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if d == nil || d.db == nil {
		return fmt.Errorf("database is nil")
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DB returns the underlying sql.DB instance.
func (d *DB) DB() *sql.DB {
	return d.db
}
