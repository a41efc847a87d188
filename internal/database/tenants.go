package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Curve-Labs/egregore-site-sub000/internal/tenant"
)

var (
	// ErrTenantExists is returned when a slug is already stored.
	ErrTenantExists = fmt.Errorf("database: %w", tenant.ErrSlugTaken)
	// ErrTenantNotFound is returned when no stored tenant has the slug.
	ErrTenantNotFound = fmt.Errorf("database: %w", tenant.ErrNotFound)
	// ErrAPIKeyNotFound is returned when no stored key has the id.
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// APIKeyRecord is a stored key row including usage bookkeeping.
type APIKeyRecord struct {
	tenant.Key
	LastUsedAt *time.Time
}

const tenantColumns = `slug, org_name, github_org, memory_repo, neo4j_host, neo4j_user,
	neo4j_password, telegram_bot_token, telegram_chat_id, created_at, updated_at`

const keyColumns = `id, tenant_slug, key_prefix, key_hash, created_at, last_used_at, revoked_at`

// Entries implements tenant.Source. Keys whose tenant lives in another
// source (the environment) are returned as key-only entries.
func (d *DB) Entries(ctx context.Context) ([]tenant.Entry, error) {
	tenants, err := d.ListTenants(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := d.query(ctx, d.db, `SELECT `+keyColumns+` FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	keys, err := d.scanKeys(rows)
	if err != nil {
		return nil, err
	}

	bySlug := make(map[string][]tenant.Key)
	for _, k := range keys {
		bySlug[k.Slug] = append(bySlug[k.Slug], k.Key)
	}

	entries := make([]tenant.Entry, 0, len(tenants))
	for _, t := range tenants {
		entries = append(entries, tenant.Entry{Tenant: t, Keys: bySlug[t.Slug]})
		delete(bySlug, t.Slug)
	}
	for _, k := range keys {
		if orphan, ok := bySlug[k.Slug]; ok {
			entries = append(entries, tenant.Entry{Keys: orphan})
			delete(bySlug, k.Slug)
		}
	}
	return entries, nil
}

// CreateTenant stores a tenant and its initial keys in one transaction.
func (d *DB) CreateTenant(ctx context.Context, t tenant.Tenant, keys []tenant.Key) error {
	if t.Slug == "" {
		return errors.New("tenant slug cannot be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	password, err := d.enc.Encrypt(t.Neo4jPassword)
	if err != nil {
		return fmt.Errorf("failed to encrypt neo4j password: %w", err)
	}
	botToken, err := d.enc.Encrypt(t.TelegramBotToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt bot token: %w", err)
	}

	return d.Transaction(ctx, func(tx *sql.Tx) error {
		created := t.CreatedAt.UTC()
		_, err := d.exec(ctx, tx, `INSERT INTO tenants (`+tenantColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.Slug, t.OrgName, t.GitHubOrg, t.MemoryRepo, t.Neo4jHost, t.Neo4jUser,
			password, botToken, t.TelegramChatID, created, created)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrTenantExists
			}
			return fmt.Errorf("failed to insert tenant: %w", err)
		}
		for _, k := range keys {
			if k.Slug == "" {
				k.Slug = t.Slug
			}
			if err := d.insertKey(ctx, tx, k); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTenant reads one stored tenant.
func (d *DB) GetTenant(ctx context.Context, slug string) (tenant.Tenant, error) {
	row := d.queryRow(ctx, d.db, `SELECT `+tenantColumns+` FROM tenants WHERE slug = ?`, slug)
	t, err := d.scanTenant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Tenant{}, ErrTenantNotFound
	}
	return t, err
}

// ListTenants returns every stored tenant ordered by slug.
func (d *DB) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := d.query(ctx, d.db, `SELECT `+tenantColumns+` FROM tenants ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := d.scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenants: %w", err)
	}
	return out, nil
}

// UpdateTenant overwrites the mutable fields of a stored tenant.
func (d *DB) UpdateTenant(ctx context.Context, t tenant.Tenant) error {
	password, err := d.enc.Encrypt(t.Neo4jPassword)
	if err != nil {
		return fmt.Errorf("failed to encrypt neo4j password: %w", err)
	}
	botToken, err := d.enc.Encrypt(t.TelegramBotToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt bot token: %w", err)
	}

	res, err := d.exec(ctx, d.db, `UPDATE tenants SET org_name = ?, github_org = ?, memory_repo = ?,
		neo4j_host = ?, neo4j_user = ?, neo4j_password = ?, telegram_bot_token = ?, telegram_chat_id = ?,
		updated_at = ? WHERE slug = ?`,
		t.OrgName, t.GitHubOrg, t.MemoryRepo, t.Neo4jHost, t.Neo4jUser, password, botToken,
		t.TelegramChatID, time.Now().UTC(), t.Slug)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// CreateAPIKey stores an additional key hash.
func (d *DB) CreateAPIKey(ctx context.Context, k tenant.Key) error {
	return d.insertKey(ctx, d.db, k)
}

// ListAPIKeysForTenant returns every key of a tenant, revoked ones included.
func (d *DB) ListAPIKeysForTenant(ctx context.Context, slug string) ([]APIKeyRecord, error) {
	rows, err := d.query(ctx, d.db, `SELECT `+keyColumns+` FROM api_keys WHERE tenant_slug = ? ORDER BY created_at`, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return d.scanKeys(rows)
}

// TouchAPIKey records a successful authentication.
func (d *DB) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := d.exec(ctx, d.db, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

// RevokeAPIKeysForTenant revokes every active key of a tenant and returns
// how many were revoked.
func (d *DB) RevokeAPIKeysForTenant(ctx context.Context, slug string) (int64, error) {
	res, err := d.exec(ctx, d.db, `UPDATE api_keys SET revoked_at = ? WHERE tenant_slug = ? AND revoked_at IS NULL`,
		time.Now().UTC(), slug)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke api keys: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) insertKey(ctx context.Context, q queryer, k tenant.Key) error {
	if k.Slug == "" || k.Hash == "" {
		return errors.New("api key requires a tenant slug and a hash")
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	_, err := d.exec(ctx, q, `INSERT INTO api_keys (id, tenant_slug, key_prefix, key_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`, k.ID, k.Slug, k.Prefix, k.Hash, k.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (d *DB) scanTenant(row scanner) (tenant.Tenant, error) {
	var (
		t                  tenant.Tenant
		password, botToken string
		updated            time.Time
	)
	err := row.Scan(&t.Slug, &t.OrgName, &t.GitHubOrg, &t.MemoryRepo, &t.Neo4jHost, &t.Neo4jUser,
		&password, &botToken, &t.TelegramChatID, &t.CreatedAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("failed to scan tenant: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.Neo4jPassword, err = d.enc.Decrypt(password); err != nil {
		return t, fmt.Errorf("failed to decrypt neo4j password for %s: %w", t.Slug, err)
	}
	if t.TelegramBotToken, err = d.enc.Decrypt(botToken); err != nil {
		return t, fmt.Errorf("failed to decrypt bot token for %s: %w", t.Slug, err)
	}
	return t, nil
}

func (d *DB) scanKeys(rows *sql.Rows) ([]APIKeyRecord, error) {
	defer func() { _ = rows.Close() }()

	var out []APIKeyRecord
	for rows.Next() {
		var (
			r                 APIKeyRecord
			lastUsed, revoked sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Slug, &r.Prefix, &r.Hash, &r.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.LastUsedAt = nullTime(lastUsed)
		r.RevokedAt = nullTime(revoked)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate api keys: %w", err)
	}
	return out, nil
}
