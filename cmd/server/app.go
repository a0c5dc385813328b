package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/authflow/auth"
	"github.com/jrsteele09/authflow/grants"
	grantpgrepo "github.com/jrsteele09/authflow/grants/pgrepo"
	grantrepofake "github.com/jrsteele09/authflow/grants/repofake"
	"github.com/jrsteele09/authflow/internal/catalog"
	"github.com/jrsteele09/authflow/internal/config"
	"github.com/jrsteele09/authflow/internal/logging"
	"github.com/jrsteele09/authflow/internal/metrics"
	"github.com/jrsteele09/authflow/internal/pgdb"
	"github.com/jrsteele09/authflow/internal/secretbox"
	"github.com/jrsteele09/authflow/permissions"
	permissionpgrepo "github.com/jrsteele09/authflow/permissions/pgrepo"
	permissionrepofake "github.com/jrsteele09/authflow/permissions/repofake"
	"github.com/jrsteele09/authflow/providers"
	"github.com/jrsteele09/authflow/sessions"
	"github.com/jrsteele09/authflow/storage"
	"github.com/jrsteele09/authflow/storage/memory"
	"github.com/jrsteele09/authflow/storage/pgstore"
	"github.com/jrsteele09/authflow/storage/redisstore"
	"github.com/jrsteele09/authflow/tenants"
	"github.com/jrsteele09/authflow/token"
	"github.com/jrsteele09/authflow/users"
	userpgrepo "github.com/jrsteele09/authflow/users/pgrepo"
	fakeuserrepo "github.com/jrsteele09/authflow/users/repofake"
)

// app is the wired process: configuration, stores and the flow engine.
type app struct {
	config   config.Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	catalog  *catalog.Catalog
	storage  storage.Driver
	pool     *pgxpool.Pool
	sessions *sessions.Store
	issuer   *token.Issuer
	auth     *auth.Service
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	a := &app{
		config: cfg,
		logger: logging.New(cfg.GetEnv(), cfg.GetLogLevel()),
	}
	if a.metrics, err = metrics.New(nil); err != nil {
		return nil, err
	}
	if a.catalog, err = catalog.Load(cfg.GetCatalogFile(), cfg.GetDefaultTenant()); err != nil {
		return nil, err
	}
	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	switch a.config.GetStoreDriver() {
	case config.StoreDriverRedis:
		d, err := redisstore.NewDriver(ctx, a.config.GetRedisAddr(), a.config.GetRedisDB())
		if err != nil {
			return err
		}
		a.storage = d
	case config.StoreDriverPostgres:
		pool, err := pgdb.Open(ctx, a.config.GetDatabaseURL())
		if err != nil {
			return err
		}
		a.pool = pool
		a.storage = pgstore.NewDriver(pool)
	default:
		a.storage = memory.NewDriver()
	}
	a.logger.Info().Str("driver", a.config.GetStoreDriver()).Msg("storage ready")
	return nil
}

func (a *app) wire() error {
	cfg := a.config
	hasher, err := token.NewHasher(cfg.GetServerSecret())
	if err != nil {
		return err
	}

	var box *secretbox.Box
	if key := cfg.GetEncryptionKey(); key != nil {
		if box, err = secretbox.New(key); err != nil {
			return err
		}
	}
	var storeOptions []sessions.StoreOption
	if box != nil {
		storeOptions = append(storeOptions, sessions.WithSealing(box))
	}
	a.sessions, err = sessions.NewStore(hasher, sessions.Lifetimes{
		Login:        cfg.GetLoginSessionLifetime(),
		Registration: cfg.GetRegistrationSessionLifetime(),
		OAuth:        cfg.GetOAuthSessionLifetime(),
		SessionToken: cfg.GetSessionTokenLifetime(),
	}, storeOptions...)
	if err != nil {
		return err
	}

	var (
		userRepo    users.Repo
		accountRepo users.OAuthAccountRepo
		grantRepo   grants.Repo
		permRepo    permissions.Repo
	)
	if a.pool != nil {
		userRepo = userpgrepo.NewUserRepo(a.pool)
		accountRepo = userpgrepo.NewOAuthAccountRepo(a.pool, storage.CodecFor(box))
		grantRepo = grantpgrepo.New(a.pool)
		permRepo = permissionpgrepo.New(a.pool)
	} else {
		if box == nil {
			a.logger.Warn().Msg("ENCRYPTION_KEY not set, provider tokens are stored unsealed")
		}
		userRepo = fakeuserrepo.NewFakeUserRepo()
		accountRepo = fakeuserrepo.NewFakeOAuthAccountRepo()
		grantRepo = grantrepofake.NewFakeGrantRepo()
		permRepo = permissionrepofake.NewFakePermissionRepo()
	}

	resolver, err := permissions.NewResolver(permRepo, permissions.WithLogger(a.logger))
	if err != nil {
		return err
	}
	a.issuer, err = token.NewIssuer(token.IssuerDeps{
		Storage:     a.storage,
		Clients:     a.catalog.Clients,
		Tenants:     a.catalog.Tenants,
		Users:       userRepo,
		Permissions: resolver,
	}, hasher, token.Lifetimes{
		AuthCode:     cfg.GetAuthCodeTimeout(),
		AccessToken:  cfg.GetDefaultAccessTokenExpiry(),
		IDToken:      cfg.GetDefaultIDTokenExpiry(),
		RefreshToken: cfg.GetDefaultRefreshTokenExpiry(),
	}, cfg.GetBaseURL(), token.WithLogger(a.logger), token.WithMetrics(a.metrics))
	if err != nil {
		return err
	}

	registry := providers.NewRegistry()
	a.catalog.RegisterProviders(registry)

	a.auth, err = auth.NewService(auth.Repos{
		Storage:       a.storage,
		Sessions:      a.sessions,
		Grants:        grants.NewStore(grantRepo, nil),
		Users:         userRepo,
		OAuthAccounts: accountRepo,
		Clients:       a.catalog.Clients,
		Tenants:       a.catalog.Tenants,
		Providers:     registry,
	}, a.issuer, cfg.GetBaseURL(),
		auth.WithLogger(a.logger),
		auth.WithMetrics(a.metrics),
		auth.WithHooks(auth.Hooks{OnAfterRegister: a.logRegistration}),
	)
	return errors.Wrap(err, "[newApp]")
}

func (a *app) logRegistration(_ context.Context, tenant *tenants.Tenant, user *users.User) error {
	a.logger.Info().Str("tenant", tenant.Slug).Str("user_id", user.ID).Msg("user registered")
	return nil
}

func (a *app) Close() {
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing storage")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
