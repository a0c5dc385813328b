// Package pgrepo stores users and federated accounts in Postgres.
package pgrepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/internal/pgdb"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/users"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type UserRepo struct {
	q pgdb.Querier
}

var _ users.Repo = (*UserRepo)(nil)

func NewUserRepo(q pgdb.Querier) *UserRepo {
	return &UserRepo{q: q}
}

const userColumns = `id, tenant_id, email, password_hash, active, email_verified, fields, created_at`

func scanUser(row pgx.Row) (*users.User, error) {
	var (
		u      users.User
		fields []byte
	)
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Active, &u.EmailVerified, &fields, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "[pgrepo] scan user")
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &u.Fields); err != nil {
			return nil, errors.Wrap(err, "[pgrepo] decode fields")
		}
	}
	return &u, nil
}

func encodeFields(f users.Fields) ([]byte, error) {
	if f == nil {
		f = users.Fields{}
	}
	return json.Marshal(f)
}

func (r *UserRepo) Create(ctx context.Context, u *users.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.Email = users.NormalizeEmail(u.Email)
	fields, err := encodeFields(u.Fields)
	if err != nil {
		return errors.Wrap(err, "[UserRepo.Create] encode fields")
	}
	_, err = r.q.Exec(ctx, `INSERT INTO app_users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.TenantID, u.Email, u.PasswordHash, u.Active, u.EmailVerified, fields, u.CreatedAt)
	if isUniqueViolation(err) {
		return users.ErrUserExists
	}
	return errors.Wrap(err, "[UserRepo.Create]")
}

func (r *UserRepo) Update(ctx context.Context, u *users.User) error {
	fields, err := encodeFields(u.Fields)
	if err != nil {
		return errors.Wrap(err, "[UserRepo.Update] encode fields")
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE app_users SET email = $3, password_hash = $4, active = $5, email_verified = $6, fields = $7
		WHERE tenant_id = $1 AND id = $2`,
		u.TenantID, u.ID, users.NormalizeEmail(u.Email), u.PasswordHash, u.Active, u.EmailVerified, fields)
	if isUniqueViolation(err) {
		return users.ErrUserExists
	}
	if err != nil {
		return errors.Wrap(err, "[UserRepo.Update]")
	}
	if tag.RowsAffected() == 0 {
		return users.ErrUserNotFound
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, tenantID, id string) (*users.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM app_users WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, tenantID, email string) (*users.User, error) {
	return scanUser(r.q.QueryRow(ctx, `SELECT `+userColumns+` FROM app_users WHERE tenant_id = $1 AND email = $2`,
		tenantID, users.NormalizeEmail(email)))
}

func (r *UserRepo) List(ctx context.Context, tenantID string, offset, limit int) ([]*users.User, error) {
	q := `SELECT ` + userColumns + ` FROM app_users WHERE tenant_id = $1 ORDER BY id OFFSET $2`
	args := []any{tenantID, offset}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.q.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "[UserRepo.List]")
	}
	defer rows.Close()
	out := make([]*users.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "[UserRepo.List]")
}

// OAuthAccountRepo seals provider tokens with codec before they are written.
type OAuthAccountRepo struct {
	q     pgdb.Querier
	codec storage.Codec
}

var _ users.OAuthAccountRepo = (*OAuthAccountRepo)(nil)

func NewOAuthAccountRepo(q pgdb.Querier, codec storage.Codec) *OAuthAccountRepo {
	if codec == nil {
		codec = storage.JSONCodec{}
	}
	return &OAuthAccountRepo{q: q, codec: codec}
}

const accountColumns = `id, tenant_id, provider_id, account_id, account_email, user_id, tokens, expires_at, created_at`

func (r *OAuthAccountRepo) scan(row pgx.Row) (*users.OAuthAccount, error) {
	var (
		a         users.OAuthAccount
		userID    *string
		tokens    string
		expiresAt *time.Time
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.ProviderID, &a.AccountID, &a.AccountEmail, &userID, &tokens, &expiresAt, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, users.ErrOAuthAccountNotFound
		}
		return nil, errors.Wrap(err, "[OAuthAccountRepo] scan")
	}
	if userID != nil {
		a.UserID = *userID
	}
	if expiresAt != nil {
		a.ExpiresAt = *expiresAt
	}
	if tokens != "" {
		if err := r.codec.Unmarshal([]byte(tokens), &a.Tokens); err != nil {
			return nil, errors.Wrap(err, "[OAuthAccountRepo] open tokens")
		}
	}
	return &a, nil
}

func (r *OAuthAccountRepo) Upsert(ctx context.Context, a *users.OAuthAccount) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	tokens, err := r.codec.Marshal(a.Tokens)
	if err != nil {
		return errors.Wrap(err, "[OAuthAccountRepo.Upsert] seal tokens")
	}
	var expiresAt *time.Time
	if !a.ExpiresAt.IsZero() {
		expiresAt = &a.ExpiresAt
	}
	var userID *string
	if a.UserID != "" {
		userID = &a.UserID
	}
	row := r.q.QueryRow(ctx, `
		INSERT INTO oauth_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, provider_id, account_id) DO UPDATE SET
			account_email = EXCLUDED.account_email,
			user_id = COALESCE(EXCLUDED.user_id, oauth_accounts.user_id),
			tokens = EXCLUDED.tokens,
			expires_at = EXCLUDED.expires_at
		RETURNING id, user_id, created_at`,
		a.ID, a.TenantID, a.ProviderID, a.AccountID, a.AccountEmail, userID, string(tokens), expiresAt, a.CreatedAt)
	var storedUser *string
	if err := row.Scan(&a.ID, &storedUser, &a.CreatedAt); err != nil {
		return errors.Wrap(err, "[OAuthAccountRepo.Upsert]")
	}
	if storedUser != nil {
		a.UserID = *storedUser
	}
	return nil
}

func (r *OAuthAccountRepo) GetByID(ctx context.Context, tenantID, id string) (*users.OAuthAccount, error) {
	return r.scan(r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM oauth_accounts WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (r *OAuthAccountRepo) GetByProviderAccount(ctx context.Context, tenantID, providerID, accountID string) (*users.OAuthAccount, error) {
	return r.scan(r.q.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM oauth_accounts
		WHERE tenant_id = $1 AND provider_id = $2 AND account_id = $3`, tenantID, providerID, accountID))
}

func (r *OAuthAccountRepo) Link(ctx context.Context, tenantID, id, userID string) error {
	tag, err := r.q.Exec(ctx, `UPDATE oauth_accounts SET user_id = $3 WHERE tenant_id = $1 AND id = $2`, tenantID, id, userID)
	if err != nil {
		return errors.Wrap(err, "[OAuthAccountRepo.Link]")
	}
	if tag.RowsAffected() == 0 {
		return users.ErrOAuthAccountNotFound
	}
	return nil
}
