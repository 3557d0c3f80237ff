// Package store persists credential rows. The pool treats it as an opaque
// repository exposing load, upsert, and status-update operations; this file
// is the one concrete backend (PostgreSQL) the rest of the core is never
// aware of beyond the Repository interface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nexus-proxy/gemini-nexus/internal/credential"
)

// Repository is the opaque persistence contract the credential pool drives.
// spec.md treats this boundary as external; the pool never issues SQL
// directly.
type Repository interface {
	LoadActive(ctx context.Context) ([]credential.Credential, error)
	Upsert(ctx context.Context, cred *credential.Credential) error
	UpdateStatus(ctx context.Context, id int64, active bool) error
	UpdateToken(ctx context.Context, id int64, accessToken string, expiry time.Time) error
	Close() error
}

const defaultTable = "credentials"

// Config captures what's needed to open the backing Postgres database.
type Config struct {
	DSN   string
	Table string
}

// PostgresRepository implements Repository against a PostgreSQL table via
// the pgx stdlib driver.
type PostgresRepository struct {
	db    *sql.DB
	table string
}

// Open establishes the connection and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*PostgresRepository, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("store: DSN is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &PostgresRepository{db: db, table: table}, nil
}

// EnsureSchema creates the credentials table if it does not already exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id            BIGSERIAL PRIMARY KEY,
			email         TEXT NOT NULL DEFAULT '',
			client_id     TEXT NOT NULL,
			client_secret TEXT NOT NULL,
			project_id    TEXT NOT NULL,
			scopes        TEXT NOT NULL DEFAULT '[]',
			refresh_token TEXT NOT NULL UNIQUE,
			access_token  TEXT NOT NULL DEFAULT '',
			expiry        TIMESTAMPTZ NOT NULL DEFAULT TO_TIMESTAMP(0),
			status        BOOLEAN NOT NULL DEFAULT TRUE
		)
	`, r.table)
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	return nil
}

// LoadActive loads every row, active or not — status=false rows are loaded
// but immediately ineligible per spec.md §6, the pool filters at selection
// time, not at load time.
func (r *PostgresRepository) LoadActive(ctx context.Context) ([]credential.Credential, error) {
	query := fmt.Sprintf(`
		SELECT id, email, client_id, client_secret, project_id, scopes, refresh_token, access_token, expiry, status
		FROM %s
		ORDER BY id ASC
	`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	defer rows.Close()

	var out []credential.Credential
	for rows.Next() {
		var c credential.Credential
		var scopesJSON string
		if err := rows.Scan(&c.ID, &c.Email, &c.ClientID, &c.ClientSecret, &c.ProjectID,
			&scopesJSON, &c.RefreshToken, &c.AccessToken, &c.Expiry, &c.Status); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if scopesJSON != "" {
			_ = json.Unmarshal([]byte(scopesJSON), &c.Scopes)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert inserts a new row (letting Postgres assign id) or updates an
// existing one keyed by refresh_token, mirroring submit_credentials's
// dedup-by-refresh-token contract from spec.md §4.C.
func (r *PostgresRepository) Upsert(ctx context.Context, cred *credential.Credential) error {
	scopesJSON, err := json.Marshal(cred.Scopes)
	if err != nil {
		return fmt.Errorf("store: marshal scopes: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (email, client_id, client_secret, project_id, scopes, refresh_token, access_token, expiry, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (refresh_token) DO UPDATE SET
			email         = EXCLUDED.email,
			client_id     = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			project_id    = EXCLUDED.project_id,
			scopes        = EXCLUDED.scopes,
			access_token  = EXCLUDED.access_token,
			expiry        = EXCLUDED.expiry,
			status        = EXCLUDED.status
		RETURNING id
	`, r.table)

	return r.db.QueryRowContext(ctx, query,
		cred.Email, cred.ClientID, cred.ClientSecret, cred.ProjectID,
		string(scopesJSON), cred.RefreshToken, cred.AccessToken, cred.Expiry, cred.Status,
	).Scan(&cred.ID)
}

// UpdateStatus flips the persisted active flag, used whenever a health
// transition changes status (report_invalid, report_banned). Refreshed
// tokens are written back through UpdateToken instead.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id int64, active bool) error {
	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE id = $2`, r.table)
	_, err := r.db.ExecContext(ctx, query, active, id)
	return err
}

// UpdateToken persists a refreshed access token/expiry pair atomically.
func (r *PostgresRepository) UpdateToken(ctx context.Context, id int64, accessToken string, expiry time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET access_token = $1, expiry = $2 WHERE id = $3`, r.table)
	_, err := r.db.ExecContext(ctx, query, accessToken, expiry, id)
	return err
}

// Close releases the underlying connection pool.
func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

var _ Repository = (*PostgresRepository)(nil)
