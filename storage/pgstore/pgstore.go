// Package pgstore is a storage.Driver backed by the flow_records table.
// Take is a DELETE ... RETURNING, which Postgres executes atomically per row.
package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/internal/pgdb"
	"github.com/jrsteele09/authflow/storage"
)

type Driver struct {
	pool *pgxpool.Pool
}

var _ storage.Driver = (*Driver)(nil)

func NewDriver(pool *pgxpool.Pool) *Driver {
	return &Driver{pool: pool}
}

func (d *Driver) Tenant(_ context.Context, tenantID string) (storage.Backend, error) {
	if tenantID == "" {
		return nil, errors.New("[pgstore.Tenant] tenant id is required")
	}
	return &Backend{pool: d.pool, q: d.pool, tenantID: tenantID}, nil
}

// Close is a no-op: the pool is shared with the other SQL repositories and closed by its owner.
func (d *Driver) Close() error {
	return nil
}

type Backend struct {
	pool     *pgxpool.Pool
	q        pgdb.Querier
	tenantID string
	inTx     bool
}

var _ storage.Backend = (*Backend)(nil)

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (b *Backend) Put(ctx context.Context, kind storage.Kind, e storage.Entry) error {
	const q = `
		INSERT INTO flow_records (tenant_id, kind, id, token_hash, expires_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, kind, id)
		DO UPDATE SET token_hash = EXCLUDED.token_hash, expires_at = EXCLUDED.expires_at, data = EXCLUDED.data`
	_, err := b.q.Exec(ctx, q, b.tenantID, string(kind), e.ID, nullable(e.TokenHash), e.ExpiresAt, e.Data)
	return errors.Wrap(err, "[pgstore.Put]")
}

func (b *Backend) scanOne(row pgx.Row) (storage.Entry, error) {
	var (
		e    storage.Entry
		hash *string
	)
	if err := row.Scan(&e.ID, &hash, &e.ExpiresAt, &e.Data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.Entry{}, storage.ErrNotFound
		}
		return storage.Entry{}, errors.Wrap(err, "[pgstore] scan")
	}
	if hash != nil {
		e.TokenHash = *hash
	}
	return e, nil
}

func (b *Backend) GetByToken(ctx context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	const q = `
		SELECT id, token_hash, expires_at, data FROM flow_records
		WHERE tenant_id = $1 AND kind = $2 AND token_hash = $3`
	return b.scanOne(b.q.QueryRow(ctx, q, b.tenantID, string(kind), tokenHash))
}

func (b *Backend) GetByID(ctx context.Context, kind storage.Kind, id string) (storage.Entry, error) {
	const q = `
		SELECT id, token_hash, expires_at, data FROM flow_records
		WHERE tenant_id = $1 AND kind = $2 AND id = $3`
	return b.scanOne(b.q.QueryRow(ctx, q, b.tenantID, string(kind), id))
}

func (b *Backend) Delete(ctx context.Context, kind storage.Kind, id string) error {
	const q = `DELETE FROM flow_records WHERE tenant_id = $1 AND kind = $2 AND id = $3`
	_, err := b.q.Exec(ctx, q, b.tenantID, string(kind), id)
	return errors.Wrap(err, "[pgstore.Delete]")
}

func (b *Backend) Take(ctx context.Context, kind storage.Kind, tokenHash string) (storage.Entry, error) {
	const q = `
		DELETE FROM flow_records
		WHERE tenant_id = $1 AND kind = $2 AND token_hash = $3
		RETURNING id, token_hash, expires_at, data`
	return b.scanOne(b.q.QueryRow(ctx, q, b.tenantID, string(kind), tokenHash))
}

func (b *Backend) List(ctx context.Context, kind storage.Kind, offset, limit int) ([]storage.Entry, error) {
	q := `
		SELECT id, token_hash, expires_at, data FROM flow_records
		WHERE tenant_id = $1 AND kind = $2
		ORDER BY id OFFSET $3`
	args := []any{b.tenantID, string(kind), offset}
	if limit > 0 {
		q += ` LIMIT $4`
		args = append(args, limit)
	}
	rows, err := b.q.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "[pgstore.List]")
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		e, err := b.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) DeleteExpired(ctx context.Context, kind storage.Kind, before time.Time) (int64, error) {
	const q = `DELETE FROM flow_records WHERE tenant_id = $1 AND kind = $2 AND expires_at < $3`
	ct, err := b.q.Exec(ctx, q, b.tenantID, string(kind), before)
	if err != nil {
		return 0, errors.Wrap(err, "[pgstore.DeleteExpired]")
	}
	return ct.RowsAffected(), nil
}

func (b *Backend) Tx(ctx context.Context, fn func(tx storage.Backend) error) error {
	if b.inTx {
		return fn(b)
	}
	return pgdb.InTx(ctx, b.pool, func(tx pgx.Tx) error {
		return fn(&Backend{pool: b.pool, q: tx, tenantID: b.tenantID, inTx: true})
	})
}
