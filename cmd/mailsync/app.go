package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"

	mailsync "github.com/goliatone/go-mailsync"
	"github.com/goliatone/go-mailsync/adapters/gocommand"
	"github.com/goliatone/go-mailsync/adapters/gologger"
	"github.com/goliatone/go-mailsync/core"
	mailsyncmigrations "github.com/goliatone/go-mailsync/migrations"
	"github.com/goliatone/go-mailsync/security"
	redisstore "github.com/goliatone/go-mailsync/store/redis"
	sqlstore "github.com/goliatone/go-mailsync/store/sql"
)

// runtimeFlags override the environment for a single invocation.
type runtimeFlags struct {
	envFiles []string
	logLevel string
	dbDriver string
	dbDSN    string
	migrate  bool
}

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool { return c.debug }
func (c persistenceConfig) GetDriver() string { return c.driver }
func (c persistenceConfig) GetServer() string { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string { return "go-mailsync" }

type app struct {
	cfg      core.Config
	logger   *gologger.ConsoleLogger
	provider *gologger.ConsoleProvider
	metrics  *core.MemoryMetricsRecorder
	client   *persistence.Client
	service  *mailsync.Service
	facade   *mailsync.Facade
	bus      *gocommand.Bus
	closers  []func() error
}

func loadConfig(ctx context.Context, flags runtimeFlags) (core.Config, error) {
	runtime := core.Config{
		LogLevel: flags.logLevel,
		Database: core.DatabaseConfig{Driver: flags.dbDriver, DSN: flags.dbDSN},
	}
	provider := core.NewCfgxConfigProvider(core.EnvRawConfigLoader{Prefix: "MAILSYNC"})
	cfg, err := core.ResolveConfig(ctx, provider, core.GoOptionsResolver{}, runtime)
	if err != nil {
		return core.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return core.Config{}, core.ConfigurationError("invalid configuration", err)
	}
	return cfg, nil
}

// bootstrap opens the database, applies migrations when asked, and wires the
// service with its command bus.
func bootstrap(ctx context.Context, flags runtimeFlags) (*app, error) {
	cfg, err := loadConfig(ctx, flags)
	if err != nil {
		return nil, err
	}
	logger := gologger.NewConsoleLogger(gologger.WithLevel(cfg.LogLevel))
	a := &app{
		cfg:      cfg,
		logger:   logger,
		provider: gologger.NewConsoleProvider(logger),
		metrics:  core.NewMemoryMetricsRecorder(),
	}

	client, err := openPersistence(cfg.Database)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.closers = append(a.closers, client.Close)

	if flags.migrate || isSQLite(cfg.Database.Driver) {
		if err := migrate(ctx, client, cfg.Database.Driver); err != nil {
			a.Close()
			return nil, err
		}
	}

	stores, err := a.buildStores(client)
	if err != nil {
		a.Close()
		return nil, err
	}
	keyring, err := security.NewKeyringFromConfig(cfg, security.WithKeyDiagnostics(func(event security.KeyDiagnostic) {
		a.logger.Warn("secret opened outside the active key",
			"outcome", event.Outcome, "key_id", event.KeyID, "version", event.Version, "error", event.Error)
	}))
	if err != nil {
		a.Close()
		return nil, core.ConfigurationError("invalid encryption key settings", err)
	}

	opts := []mailsync.Option{
		mailsync.WithLoggerProvider(a.provider),
		mailsync.WithMetricsRecorder(a.metrics),
	}
	if cfg.Redis.Enabled {
		redisOpts, err := a.redisOptions(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, redisOpts...)
	}

	service, err := mailsync.NewService(cfg, stores, keyring, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.service = service

	facade, err := mailsync.NewFacade(service)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.facade = facade
	bus, err := gocommand.RegisterFacade(gocommand.NewRegistryAdapter(gocmd.NewRegistry()), facade)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.bus = bus
	return a, nil
}

func (a *app) buildStores(client *persistence.Client) (mailsync.Stores, error) {
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		return mailsync.Stores{}, err
	}
	var accounts core.AccountStore = factory.AccountStore()
	if ttl := a.cfg.CacheTTL(); ttl > 0 {
		cacheCfg := repositorycache.DefaultConfig()
		cacheCfg.TTL = ttl
		cacheService, err := repositorycache.NewCacheService(cacheCfg)
		if err != nil {
			return mailsync.Stores{}, fmt.Errorf("account cache: %w", err)
		}
		cached, err := sqlstore.NewCachedAccountStore(accounts, cacheService)
		if err != nil {
			return mailsync.Stores{}, err
		}
		accounts = cached
	}
	return mailsync.Stores{
		Accounts:      accounts,
		Tokens:        factory.TokenStore(),
		DeltaLinks:    factory.DeltaLinkStore(),
		SyncHistory:   factory.SyncHistoryStore(),
		Messages:      factory.MessageStore(),
		Subscriptions: factory.SubscriptionStore(),
	}, nil
}

// redisOptions shares pending auth state and account locks across processes.
func (a *app) redisOptions(ctx context.Context) ([]mailsync.Option, error) {
	client, err := redisstore.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	pending, err := redisstore.NewPendingAuthStore(client, a.cfg.Auth.StateTTL())
	if err != nil {
		return nil, err
	}
	locker, err := redisstore.NewLocker(client)
	if err != nil {
		return nil, err
	}
	return []mailsync.Option{
		mailsync.WithPendingAuthStore(pending),
		mailsync.WithAccountLocker(locker),
	}, nil
}

func (a *app) Close() {
	if a == nil {
		return
	}
	a.bus.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func isSQLite(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return true
	}
	return false
}

func openPersistence(cfg core.DatabaseConfig) (*persistence.Client, error) {
	driverName := "postgres"
	var dialect schema.Dialect = pgdialect.New()
	if isSQLite(cfg.Driver) {
		driverName = "sqlite3"
		dialect = sqlitedialect.New()
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, core.ConfigurationError("database.dsn is required", nil)
	}
	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, core.PersistenceError("open database", err)
	}
	if driverName == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{
		driver: driverName,
		server: dsn,
		debug:  cfg.Debug,
	}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, core.PersistenceError("connect database", err)
	}
	return client, nil
}

func migrate(ctx context.Context, client *persistence.Client, driver string) error {
	err := mailsyncmigrations.Register(ctx, driver, func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	})
	if err != nil {
		return core.ConfigurationError("resolve migrations", err)
	}
	if err := client.Migrate(ctx); err != nil {
		return core.PersistenceError("apply migrations", err)
	}
	return nil
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	case core.IsConfigurationError(err), core.IsBadInputError(err):
		return 2
	default:
		return 1
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(exitCode(err))
}
