// Package mailsync wires the account registry, token manager, auth flows,
// sync engine and webhook renewal into one service.
package mailsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/accounts"
	"github.com/goliatone/go-mailsync/auth"
	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/providers/microsoft"
	"github.com/goliatone/go-mailsync/ratelimit"
	syncengine "github.com/goliatone/go-mailsync/sync"
	"github.com/goliatone/go-mailsync/tokens"
	"github.com/goliatone/go-mailsync/transport"
	"github.com/goliatone/go-mailsync/webhooks"
)

type Config = core.Config

func DefaultConfig() Config {
	return core.DefaultConfig()
}

// Stores groups the persistence ports. store/memory and store/sql both
// provide every one of them.
type Stores struct {
	Accounts      core.AccountStore
	Tokens        core.TokenStore
	DeltaLinks    core.DeltaLinkStore
	SyncHistory   core.SyncHistoryStore
	Messages      core.MessageStore
	Subscriptions core.SubscriptionStore
}

func (s Stores) validate() error {
	switch {
	case s.Accounts == nil:
		return fmt.Errorf("mailsync: account store is required")
	case s.Tokens == nil:
		return fmt.Errorf("mailsync: token store is required")
	case s.DeltaLinks == nil:
		return fmt.Errorf("mailsync: delta link store is required")
	case s.SyncHistory == nil:
		return fmt.Errorf("mailsync: sync history store is required")
	case s.Messages == nil:
		return fmt.Errorf("mailsync: message store is required")
	case s.Subscriptions == nil:
		return fmt.Errorf("mailsync: subscription store is required")
	}
	return nil
}

type Option func(*Service)

func WithLogger(logger core.Logger) Option {
	return func(s *Service) {
		if s == nil || logger == nil {
			return
		}
		s.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(s *Service) {
		if s == nil || provider == nil {
			return
		}
		s.loggerProvider = provider
	}
}

func WithMetricsRecorder(metrics core.MetricsRecorder) Option {
	return func(s *Service) {
		if s == nil || metrics == nil {
			return
		}
		s.metrics = metrics
	}
}

// WithIdentityProvider replaces the Microsoft identity client.
func WithIdentityProvider(identity core.IdentityProvider) Option {
	return func(s *Service) {
		if s == nil || identity == nil {
			return
		}
		s.identity = identity
	}
}

// WithGraph replaces the Microsoft Graph client for both delta reads and
// subscriptions.
func WithGraph(source core.DeltaSource, subscriptions core.SubscriptionClient) Option {
	return func(s *Service) {
		if s == nil {
			return
		}
		if source != nil {
			s.source = source
		}
		if subscriptions != nil {
			s.subscriptionClient = subscriptions
		}
	}
}

func WithPendingAuthStore(pending core.PendingAuthStore) Option {
	return func(s *Service) {
		if s == nil || pending == nil {
			return
		}
		s.pending = pending
	}
}

func WithAccountLocker(locker core.AccountLocker) Option {
	return func(s *Service) {
		if s == nil || locker == nil {
			return
		}
		s.locker = locker
	}
}

func WithMessageTransformer(transform core.MessageTransformer) Option {
	return func(s *Service) {
		if s == nil || transform == nil {
			return
		}
		s.transform = transform
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		if s == nil || client == nil {
			return
		}
		s.httpClient = client
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if s == nil || now == nil {
			return
		}
		s.now = now
	}
}

// Service is the composition root. Every exported operation delegates to one
// component and is safe to call from the CLI, the HTTP adapter and the
// scheduler at the same time.
type Service struct {
	cfg    Config
	stores Stores

	logger             core.Logger
	loggerProvider     core.LoggerProvider
	metrics            core.MetricsRecorder
	identity           core.IdentityProvider
	source             core.DeltaSource
	subscriptionClient core.SubscriptionClient
	pending            core.PendingAuthStore
	locker             core.AccountLocker
	transform          core.MessageTransformer
	httpClient         *http.Client
	now                func() time.Time

	registry  *accounts.Registry
	tokens    *tokens.Manager
	auth      *auth.Engine
	sync      *syncengine.Engine
	renewals  *webhooks.RenewalManager
	debouncer *webhooks.SyncDebouncer
}

// NewService validates cfg and builds every component. secrets seals client
// secrets and tokens at rest.
func NewService(cfg Config, stores Stores, secrets core.SecretProvider, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, core.ConfigurationError("invalid mailsync config", err)
	}
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if secrets == nil {
		return nil, fmt.Errorf("mailsync: secret provider is required")
	}

	svc := &Service{
		cfg:       cfg,
		stores:    stores,
		metrics:   core.NopMetricsRecorder{},
		transform: microsoft.DecodeMessage,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	if svc.pending == nil {
		svc.pending = core.NewMemoryPendingAuthStore(cfg.Auth.StateTTL())
	}
	if svc.locker == nil {
		svc.locker = core.NewMemoryAccountLocker()
	}
	if svc.identity == nil {
		svc.identity = microsoft.NewIdentityClient(microsoft.IdentityConfig{
			AuthorityURL: cfg.AuthorityURL,
			Scopes:       cfg.Scopes,
			HTTPClient:   svc.httpClient,
			CallTimeout:  cfg.Auth.CallTimeout(),
		})
	}
	if svc.source == nil || svc.subscriptionClient == nil {
		graphCfg := microsoft.GraphConfig{
			BaseURL:     cfg.GraphBaseURL,
			MailFolder:  cfg.Sync.MailFolder,
			Policy:      ratelimit.NewAdaptivePolicy(ratelimit.NewMemoryStateStore()),
			CallTimeout: cfg.Sync.CallTimeout(),
		}
		if svc.httpClient != nil {
			graphCfg.Adapter = transport.NewRESTAdapter(svc.httpClient)
		}
		graph := microsoft.NewGraphClient(graphCfg)
		if svc.source == nil {
			svc.source = graph
		}
		if svc.subscriptionClient == nil {
			svc.subscriptionClient = graph
		}
	}

	if err := svc.build(secrets); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *Service) observer(name string) core.Observer {
	return core.NewObserver(name, s.loggerProvider, s.logger, s.metrics)
}

func (s *Service) build(secrets core.SecretProvider) error {
	cfg := s.cfg
	var err error

	s.registry, err = accounts.NewRegistry(s.stores.Accounts, secrets,
		accounts.WithRegistryObserver(s.observer("accounts")),
	)
	if err != nil {
		return err
	}

	s.tokens, err = tokens.NewManager(s.registry, s.stores.Tokens, s.identity, secrets,
		tokens.WithManagerObserver(s.observer("tokens")),
		tokens.WithManagerClock(s.now),
		tokens.WithRefreshMargin(cfg.TokenRefreshMargin()),
		tokens.WithRefreshRetry(s.retryPolicy(cfg.Sync.MaxAttempts)),
		tokens.WithRefreshLocker(s.locker),
	)
	if err != nil {
		return err
	}

	s.auth, err = auth.NewEngine(s.registry, s.identity, s.pending, s.tokens,
		auth.WithEngineObserver(s.observer("auth")),
		auth.WithStateTTL(cfg.Auth.StateTTL()),
		auth.WithDeviceCodeTTL(cfg.Auth.DeviceCodeTTL()),
	)
	if err != nil {
		return err
	}

	s.sync, err = syncengine.NewEngine(syncengine.Dependencies{
		Accounts:   s.registry,
		Tokens:     s.tokens,
		Source:     s.source,
		Transform:  s.transform,
		DeltaLinks: s.stores.DeltaLinks,
		History:    s.stores.SyncHistory,
		Messages:   s.stores.Messages,
		Locker:     s.locker,
	},
		syncengine.WithEngineObserver(s.observer("sync")),
		syncengine.WithEngineClock(s.now),
		syncengine.WithPageSize(cfg.Sync.BatchSize),
		syncengine.WithMaxPages(cfg.Sync.MaxPages),
		syncengine.WithRetryPolicy(s.retryPolicy(cfg.Sync.MaxAttempts)),
		syncengine.WithCallTimeout(cfg.Sync.CallTimeout()),
	)
	if err != nil {
		return err
	}

	s.debouncer = webhooks.NewSyncDebouncer()
	s.renewals, err = webhooks.NewRenewalManager(webhooks.Dependencies{
		Subscriptions: s.stores.Subscriptions,
		Client:        s.subscriptionClient,
		Tokens:        s.tokens,
		Locker:        s.locker,
	},
		webhooks.WithRenewalObserver(s.observer("webhooks")),
		webhooks.WithRenewalClock(s.now),
		webhooks.WithRenewalWindow(cfg.Webhooks.RenewalWindow()),
		webhooks.WithExtension(cfg.Webhooks.Extension()),
		webhooks.WithRenewalRetry(s.retryPolicy(cfg.Webhooks.MaxAttempts)),
		webhooks.WithNotificationBaseURL(cfg.Webhooks.BaseURL),
		webhooks.WithClientState(cfg.Webhooks.ClientStateSecret),
		webhooks.WithSyncDebouncer(s.debouncer),
	)
	return err
}

func (s *Service) retryPolicy(maxAttempts int) core.RetryPolicy {
	return core.RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     s.cfg.Sync.Backoff(),
	}
}

func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) Registry() *accounts.Registry {
	return s.registry
}

func (s *Service) Tokens() *tokens.Manager {
	return s.tokens
}

func (s *Service) Auth() *auth.Engine {
	return s.auth
}

func (s *Service) Sync() *syncengine.Engine {
	return s.sync
}

func (s *Service) Webhooks() *webhooks.RenewalManager {
	return s.renewals
}

func (s *Service) RegisterAccount(ctx context.Context, reg accounts.Registration) (core.Account, error) {
	return s.registry.Register(ctx, reg)
}

// DeleteAccount accepts an account id or email.
func (s *Service) DeleteAccount(ctx context.Context, account string) error {
	resolved, err := s.registry.Resolve(ctx, account)
	if err != nil {
		return err
	}
	return s.registry.Delete(ctx, resolved.ID)
}

func (s *Service) GetAccount(ctx context.Context, account string) (core.Account, error) {
	return s.registry.Resolve(ctx, account)
}

func (s *Service) ListAccounts(ctx context.Context) ([]core.Account, error) {
	return s.registry.List(ctx)
}

func (s *Service) StartAuthorization(ctx context.Context, accountID string) (auth.AuthorizationStart, error) {
	return s.auth.StartAuthorizationCode(ctx, accountID)
}

func (s *Service) CompleteAuthorization(ctx context.Context, code, state string) (auth.AuthResult, error) {
	return s.auth.CompleteAuthorizationCode(ctx, code, state)
}

func (s *Service) StartDeviceCode(ctx context.Context, accountID string) (auth.DeviceAuthorization, error) {
	return s.auth.StartDeviceCode(ctx, accountID)
}

func (s *Service) PollDeviceCode(ctx context.Context, deviceCode string) (auth.PollResult, error) {
	return s.auth.PollDeviceCode(ctx, deviceCode)
}

func (s *Service) AuthStatus(ctx context.Context, accountID string) (auth.AuthStatus, error) {
	return s.auth.Status(ctx, accountID)
}

func (s *Service) GetValidToken(ctx context.Context, accountID string) (string, error) {
	return s.tokens.GetValidToken(ctx, accountID)
}

func (s *Service) TokenStatus(ctx context.Context, accountID string) (tokens.TokenStatus, error) {
	return s.tokens.Inspect(ctx, accountID)
}

func (s *Service) RefreshTokens(ctx context.Context, window time.Duration) (tokens.RefreshSummary, error) {
	return s.tokens.RefreshExpiring(ctx, window)
}

func (s *Service) RevokeToken(ctx context.Context, accountID string) error {
	return s.tokens.Revoke(ctx, accountID)
}

func (s *Service) RunSync(ctx context.Context, req syncengine.RunRequest) (syncengine.SyncResult, error) {
	return s.sync.RunSync(ctx, req)
}

func (s *Service) SyncHistory(ctx context.Context, accountID string, limit int) ([]core.SyncHistory, error) {
	return s.sync.History(ctx, accountID, limit)
}

// ListMessages accepts an account id or email.
func (s *Service) ListMessages(ctx context.Context, account string, filter core.MessageFilter) ([]core.Message, error) {
	resolved, err := s.registry.Resolve(ctx, account)
	if err != nil {
		return nil, err
	}
	return s.sync.Messages(ctx, resolved.ID, filter)
}

func (s *Service) CreateSubscription(ctx context.Context, req webhooks.CreateRequest) (core.WebhookSubscription, error) {
	return s.renewals.Create(ctx, req)
}

func (s *Service) RegisterSubscription(ctx context.Context, sub core.WebhookSubscription) (core.WebhookSubscription, error) {
	return s.renewals.Register(ctx, sub)
}

func (s *Service) RenewSubscriptions(ctx context.Context) (webhooks.RenewalSummary, error) {
	return s.renewals.RenewSubscriptions(ctx)
}

func (s *Service) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return s.renewals.Cancel(ctx, subscriptionID)
}

func (s *Service) ListSubscriptions(ctx context.Context, accountID string) ([]core.WebhookSubscription, error) {
	subs, err := s.stores.Subscriptions.ListByAccount(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return nil, core.PersistenceError("list subscriptions", err)
	}
	return subs, nil
}

// HandleNotifications authenticates a notification delivery and returns the
// accounts whose sync is due.
func (s *Service) HandleNotifications(ctx context.Context, notifications []webhooks.Notification) ([]string, error) {
	results, err := s.renewals.HandleDelivery(ctx, notifications)
	due := make([]string, 0, len(results))
	for _, result := range results {
		if result.SyncDue {
			due = append(due, result.AccountID)
		}
	}
	return due, err
}
