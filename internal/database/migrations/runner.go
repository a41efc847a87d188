// Package migrations applies the admin store schema using goose.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql
var migrationFS embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

const (
	lockRetries    = 10
	lockRetryDelay = 100 * time.Millisecond

	// postgresLockID identifies this application's migration lock.
	postgresLockID = 7305271049
	mysqlLockName  = "egregore_migrations"
)

// Runner manages schema migrations for one database handle.
type Runner struct {
	db      *sql.DB
	dialect string
}

// NewRunner creates a runner. dialect is the goose dialect: sqlite3,
// postgres or mysql.
func NewRunner(db *sql.DB, dialect string) *Runner {
	return &Runner{db: db, dialect: dialect}
}

// Dir returns the embedded migration directory for the runner's dialect.
func (m *Runner) Dir() string {
	return "sql/" + m.dialect
}

// Up applies all pending migrations under a cross-process lock.
func (m *Runner) Up(ctx context.Context) error {
	return m.locked(ctx, func() error {
		if err := goose.UpContext(ctx, m.db, m.Dir()); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Runner) Down(ctx context.Context) error {
	return m.locked(ctx, func() error {
		if err := goose.DownContext(ctx, m.db, m.Dir()); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	})
}

// Status reports the applied version and the newest embedded version.
func (m *Runner) Status(ctx context.Context) (current, latest int64, err error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := m.prepare(); err != nil {
		return 0, 0, err
	}

	current, err = goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	all, err := goose.CollectMigrations(m.Dir(), 0, goose.MaxVersion)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to collect migrations: %w", err)
	}
	if last, err := all.Last(); err == nil {
		latest = last.Version
	}
	return current, latest, nil
}

func (m *Runner) prepare() error {
	if m.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(m.dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return nil
}

func (m *Runner) locked(ctx context.Context, fn func() error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := m.prepare(); err != nil {
		return err
	}

	release, err := m.acquireLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer release()
	return fn()
}

func (m *Runner) acquireLock(ctx context.Context) (func(), error) {
	switch m.dialect {
	case "postgres":
		return m.acquireSessionLock(ctx, "SELECT pg_try_advisory_lock($1)", "SELECT pg_advisory_unlock($1)", int64(postgresLockID))
	case "mysql":
		return m.acquireSessionLock(ctx, "SELECT GET_LOCK(?, 0) = 1", "SELECT RELEASE_LOCK(?)", mysqlLockName)
	default:
		return m.acquireSQLiteLock(ctx)
	}
}

// acquireSessionLock pins one connection for the lifetime of the lock since
// advisory locks belong to the session that took them.
func (m *Runner) acquireSessionLock(ctx context.Context, tryQuery, unlockQuery string, arg any) (func(), error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	for i := 0; i < lockRetries; i++ {
		var acquired bool
		if err := conn.QueryRowContext(ctx, tryQuery, arg).Scan(&acquired); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to try advisory lock: %w", err)
		}
		if acquired {
			return func() {
				_, _ = conn.ExecContext(context.Background(), unlockQuery, arg)
				_ = conn.Close()
			}, nil
		}
		if err := sleepCtx(ctx, lockRetryDelay); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	_ = conn.Close()
	return nil, fmt.Errorf("lock held by another process after %d attempts", lockRetries)
}

// acquireSQLiteLock flips a row in a lock table. SQLite has no advisory locks.
func (m *Runner) acquireSQLiteLock(ctx context.Context) (func(), error) {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migration_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			locked BOOLEAN NOT NULL DEFAULT 0,
			locked_at DATETIME,
			locked_by TEXT
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create lock table: %w", err)
	}
	if _, err := m.db.ExecContext(ctx, `INSERT OR IGNORE INTO migration_lock (id, locked) VALUES (1, 0)`); err != nil {
		return nil, fmt.Errorf("failed to seed lock table: %w", err)
	}

	owner := fmt.Sprintf("pid-%d", os.Getpid())
	for i := 0; i < lockRetries; i++ {
		res, err := m.db.ExecContext(ctx,
			`UPDATE migration_lock SET locked = 1, locked_at = CURRENT_TIMESTAMP, locked_by = ? WHERE id = 1 AND locked = 0`,
			owner)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return func() {
				_, _ = m.db.ExecContext(context.Background(), `UPDATE migration_lock SET locked = 0, locked_by = NULL WHERE id = 1`)
			}, nil
		}
		if err := sleepCtx(ctx, lockRetryDelay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("lock held by another process after %d attempts", lockRetries)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
