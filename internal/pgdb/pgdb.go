// Package pgdb opens the Postgres pool shared by the SQL repositories and owns their schema.
package pgdb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultMaxConns = 8

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var (
	_ Querier = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Open parses dsn, creates the pool and applies the schema.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "[pgdb.Open] parse dsn")
	}
	if pcfg.MaxConns == 0 || pcfg.MaxConns > defaultMaxConns {
		pcfg.MaxConns = defaultMaxConns
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "[pgdb.Open] pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "[pgdb.Open] ping")
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Int32("max_conns", pcfg.MaxConns).Msg("postgres pool ready")
	return pool, nil
}

// Migrate creates the tables if they do not exist. Statements are idempotent.
func Migrate(ctx context.Context, q Querier) error {
	for _, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "[pgdb.Migrate]")
		}
	}
	return nil
}

// InTx runs fn inside a transaction, committing on success.
func InTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "[pgdb.InTx] begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "[pgdb.InTx] commit")
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS flow_records (
		tenant_id  TEXT        NOT NULL,
		kind       TEXT        NOT NULL,
		id         TEXT        NOT NULL,
		token_hash TEXT,
		expires_at TIMESTAMPTZ NOT NULL,
		data       BYTEA       NOT NULL,
		PRIMARY KEY (tenant_id, kind, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS flow_records_token_idx
		ON flow_records (tenant_id, kind, token_hash) WHERE token_hash IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS flow_records_expiry_idx ON flow_records (kind, expires_at)`,

	`CREATE TABLE IF NOT EXISTS app_users (
		id             TEXT        PRIMARY KEY,
		tenant_id      TEXT        NOT NULL,
		email          TEXT        NOT NULL,
		password_hash  TEXT        NOT NULL DEFAULT '',
		active         BOOLEAN     NOT NULL DEFAULT TRUE,
		email_verified BOOLEAN     NOT NULL DEFAULT FALSE,
		fields         JSONB       NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, email)
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_accounts (
		id            TEXT        PRIMARY KEY,
		tenant_id     TEXT        NOT NULL,
		provider_id   TEXT        NOT NULL,
		account_id    TEXT        NOT NULL,
		account_email TEXT        NOT NULL DEFAULT '',
		user_id       TEXT,
		tokens        TEXT        NOT NULL DEFAULT '',
		expires_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, provider_id, account_id)
	)`,

	`CREATE TABLE IF NOT EXISTS grants (
		id         TEXT        PRIMARY KEY,
		tenant_id  TEXT        NOT NULL,
		user_id    TEXT        NOT NULL,
		client_id  TEXT        NOT NULL,
		scope      TEXT[]      NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tenant_id, user_id, client_id)
	)`,

	`CREATE TABLE IF NOT EXISTS rbac_permissions (
		tenant_id TEXT NOT NULL,
		codename  TEXT NOT NULL,
		name      TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, codename)
	)`,
	`CREATE TABLE IF NOT EXISTS rbac_role_permissions (
		tenant_id  TEXT NOT NULL,
		role_id    TEXT NOT NULL,
		permission TEXT NOT NULL,
		PRIMARY KEY (tenant_id, role_id, permission)
	)`,
	`CREATE TABLE IF NOT EXISTS rbac_user_roles (
		tenant_id TEXT NOT NULL,
		user_id   TEXT NOT NULL,
		role_id   TEXT NOT NULL,
		PRIMARY KEY (tenant_id, user_id, role_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rbac_user_permissions (
		tenant_id  TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		permission TEXT NOT NULL,
		from_role  TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tenant_id, user_id, permission, from_role)
	)`,
}
