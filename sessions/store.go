package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jrsteele09/authflow/internal/secretbox"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/token"
)

// Lifetimes configures how long each artifact stays valid after creation.
type Lifetimes struct {
	Login        time.Duration
	Registration time.Duration
	OAuth        time.Duration
	SessionToken time.Duration
}

// Store creates and resolves session artifacts in a tenant backend. Raw tokens
// are returned to the caller once and only their hashes are persisted.
type Store struct {
	hasher    *token.Hasher
	lifetimes Lifetimes
	now       func() time.Time

	logins        storage.Repo[*LoginSession]
	registrations storage.Repo[*RegistrationSession]
	oauth         storage.Repo[*OAuthSession]
	tokens        storage.Repo[*SessionToken]
}

type StoreOption func(*Store)

func WithNowTime(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithSealing encrypts registration and OAuth sessions at rest. They carry
// pending account links and provider PKCE verifiers.
func WithSealing(box *secretbox.Box) StoreOption {
	return func(s *Store) {
		s.registrations = storage.NewRepo[*RegistrationSession](storage.KindRegistrationSession, storage.CodecFor(box), s.clock)
		s.oauth = storage.NewRepo[*OAuthSession](storage.KindOAuthSession, storage.CodecFor(box), s.clock)
	}
}

func NewStore(hasher *token.Hasher, lifetimes Lifetimes, options ...StoreOption) (*Store, error) {
	if hasher == nil {
		return nil, errors.New("[NewStore] token hasher is required")
	}
	s := &Store{
		hasher:    hasher,
		lifetimes: lifetimes,
		now:       time.Now,
	}
	s.logins = storage.NewRepo[*LoginSession](storage.KindLoginSession, nil, s.clock)
	s.registrations = storage.NewRepo[*RegistrationSession](storage.KindRegistrationSession, nil, s.clock)
	s.oauth = storage.NewRepo[*OAuthSession](storage.KindOAuthSession, nil, s.clock)
	s.tokens = storage.NewRepo[*SessionToken](storage.KindSessionToken, nil, s.clock)
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

func (s *Store) clock() time.Time {
	return s.now()
}

// Hash returns the stored form of a raw session token.
func (s *Store) Hash(raw string) string {
	return s.hasher.Hash(raw)
}

func (s *Store) mint() (raw, hash string, err error) {
	raw, hash, err = s.hasher.Generate()
	return raw, hash, errors.Wrap(err, "[Store] generate token")
}

// CreateLoginSession fills in the identity and timestamps of ls, persists it and
// returns the raw cookie value.
func (s *Store) CreateLoginSession(ctx context.Context, b storage.Backend, ls *LoginSession) (string, error) {
	raw, hash, err := s.mint()
	if err != nil {
		return "", err
	}
	now := s.now()
	ls.ID = uuid.New().String()
	ls.TokenHash = hash
	ls.CreatedAt = now
	ls.ExpiresAt = now.Add(s.lifetimes.Login)
	if err := s.logins.Create(ctx, b, ls); err != nil {
		return "", errors.Wrap(err, "[Store.CreateLoginSession]")
	}
	return raw, nil
}

func (s *Store) LoginSession(ctx context.Context, b storage.Backend, raw string) (*LoginSession, error) {
	return s.logins.GetByToken(ctx, b, s.hasher.Hash(raw))
}

func (s *Store) LoginSessionByID(ctx context.Context, b storage.Backend, id string) (*LoginSession, error) {
	return s.logins.GetByID(ctx, b, id)
}

func (s *Store) DeleteLoginSession(ctx context.Context, b storage.Backend, id string) error {
	return s.logins.Delete(ctx, b, id)
}

// ConsumeLoginSession removes ls by its token hash. Only one caller can consume
// a given LoginSession; the others get storage.ErrNotFound.
func (s *Store) ConsumeLoginSession(ctx context.Context, b storage.Backend, ls *LoginSession) error {
	taken, err := s.logins.Take(ctx, b, ls.TokenHash)
	if err != nil {
		return err
	}
	if taken.ID != ls.ID {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CreateRegistrationSession(ctx context.Context, b storage.Backend, rs *RegistrationSession) (string, error) {
	raw, hash, err := s.mint()
	if err != nil {
		return "", err
	}
	now := s.now()
	rs.ID = uuid.New().String()
	rs.TokenHash = hash
	rs.CreatedAt = now
	rs.ExpiresAt = now.Add(s.lifetimes.Registration)
	if err := s.registrations.Create(ctx, b, rs); err != nil {
		return "", errors.Wrap(err, "[Store.CreateRegistrationSession]")
	}
	return raw, nil
}

func (s *Store) RegistrationSession(ctx context.Context, b storage.Backend, raw string) (*RegistrationSession, error) {
	return s.registrations.GetByToken(ctx, b, s.hasher.Hash(raw))
}

func (s *Store) DeleteRegistrationSession(ctx context.Context, b storage.Backend, id string) error {
	return s.registrations.Delete(ctx, b, id)
}

// CreateOAuthSession persists o and returns the raw token to send as the provider state.
func (s *Store) CreateOAuthSession(ctx context.Context, b storage.Backend, o *OAuthSession) (string, error) {
	raw, hash, err := s.mint()
	if err != nil {
		return "", err
	}
	now := s.now()
	o.ID = uuid.New().String()
	o.TokenHash = hash
	o.CreatedAt = now
	o.ExpiresAt = now.Add(s.lifetimes.OAuth)
	if err := s.oauth.Create(ctx, b, o); err != nil {
		return "", errors.Wrap(err, "[Store.CreateOAuthSession]")
	}
	return raw, nil
}

// TakeOAuthSession consumes the session matching a provider callback's state.
func (s *Store) TakeOAuthSession(ctx context.Context, b storage.Backend, state string) (*OAuthSession, error) {
	if state == "" {
		return nil, storage.ErrNotFound
	}
	return s.oauth.Take(ctx, b, s.hasher.Hash(state))
}

func (s *Store) SessionToken(ctx context.Context, b storage.Backend, raw string) (*SessionToken, error) {
	if raw == "" {
		return nil, storage.ErrNotFound
	}
	return s.tokens.GetByToken(ctx, b, s.hasher.Hash(raw))
}

// ReplaceSessionToken creates a session token for userID and deletes the one
// identified by previousRaw, in a single transaction.
func (s *Store) ReplaceSessionToken(ctx context.Context, b storage.Backend, tenantID, userID, acr, previousRaw string) (string, *SessionToken, error) {
	raw, hash, err := s.mint()
	if err != nil {
		return "", nil, err
	}
	now := s.now()
	st := &SessionToken{
		ID:              uuid.New().String(),
		TokenHash:       hash,
		TenantID:        tenantID,
		UserID:          userID,
		AuthenticatedAt: now,
		ACR:             acr,
		ExpiresAt:       now.Add(s.lifetimes.SessionToken),
	}
	err = b.Tx(ctx, func(tx storage.Backend) error {
		if err := s.tokens.Create(ctx, tx, st); err != nil {
			return err
		}
		if previousRaw == "" {
			return nil
		}
		prev, err := tx.GetByToken(ctx, storage.KindSessionToken, s.hasher.Hash(previousRaw))
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Delete(ctx, storage.KindSessionToken, prev.ID)
	})
	if err != nil {
		return "", nil, errors.Wrap(err, "[Store.ReplaceSessionToken]")
	}
	return raw, st, nil
}

// DeleteSessionToken removes the session token identified by raw, if any.
func (s *Store) DeleteSessionToken(ctx context.Context, b storage.Backend, raw string) error {
	if raw == "" {
		return nil
	}
	e, err := b.GetByToken(ctx, storage.KindSessionToken, s.hasher.Hash(raw))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "[Store.DeleteSessionToken]")
	}
	return b.Delete(ctx, storage.KindSessionToken, e.ID)
}
