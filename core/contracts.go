package core

import (
	"context"
	"encoding/json"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// SecretProvider encrypts values at rest.
type SecretProvider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

type AuthStateUpdate struct {
	AccountID string
	From      AuthState
	To        AuthState
	Reason    string
	At        time.Time
}

// AccountDirectory is the account view the auth, token and sync engines need.
type AccountDirectory interface {
	Get(ctx context.Context, id string) (Account, error)
	// UpdateAuthState applies the transition only when the stored state still
	// equals From, and fails with ErrAuthStateConflict otherwise.
	UpdateAuthState(ctx context.Context, update AuthStateUpdate) (Account, error)
	UpdateStatus(ctx context.Context, id string, status AccountStatus, reason string) (Account, error)
	TouchLastSync(ctx context.Context, id string, at time.Time) error
}

type AccountStore interface {
	AccountDirectory
	Create(ctx context.Context, account Account) (Account, error)
	GetByEmail(ctx context.Context, email string) (Account, error)
	List(ctx context.Context) ([]Account, error)
	Delete(ctx context.Context, id string) error
}

type TokenStore interface {
	Get(ctx context.Context, accountID string) (StoredToken, error)
	// Put replaces the account token row wholesale.
	Put(ctx context.Context, token StoredToken) (StoredToken, error)
	Delete(ctx context.Context, accountID string) (bool, error)
	ListExpiring(ctx context.Context, before time.Time) ([]StoredToken, error)
}

type DeltaLinkStore interface {
	Get(ctx context.Context, accountID string) (DeltaLink, error)
	Put(ctx context.Context, link DeltaLink) error
	Delete(ctx context.Context, accountID string) error
}

type SyncHistoryStore interface {
	Start(ctx context.Context, entry SyncHistory) (SyncHistory, error)
	// Complete fails with ErrSyncHistoryClosed once the entry is terminal.
	Complete(ctx context.Context, id string, outcome SyncOutcome) (SyncHistory, error)
	Get(ctx context.Context, id string) (SyncHistory, error)
	List(ctx context.Context, accountID string, limit int) ([]SyncHistory, error)
}

type MessageStore interface {
	// Upsert is idempotent on (account id, provider message id).
	Upsert(ctx context.Context, accountID string, messages []Message) (int, error)
	Get(ctx context.Context, accountID string, providerMessageID string) (Message, error)
	Count(ctx context.Context, accountID string) (int, error)
	// List returns stored messages newest first by received time.
	List(ctx context.Context, accountID string, filter MessageFilter) ([]Message, error)
}

type SubscriptionStore interface {
	Create(ctx context.Context, sub WebhookSubscription) (WebhookSubscription, error)
	Get(ctx context.Context, id string) (WebhookSubscription, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (WebhookSubscription, error)
	ListByAccount(ctx context.Context, accountID string) ([]WebhookSubscription, error)
	ListRenewable(ctx context.Context, before time.Time) ([]WebhookSubscription, error)
	MarkRenewed(ctx context.Context, id string, expiresAt time.Time, at time.Time) (WebhookSubscription, error)
	Deactivate(ctx context.Context, id string, reason string, at time.Time) (WebhookSubscription, error)
}

type PendingAuthKind string

const (
	PendingAuthState      PendingAuthKind = "auth_state"
	PendingAuthDeviceCode PendingAuthKind = "device_code"
)

// PendingAuth is a short lived record of an auth flow in progress: either an
// issued authorization code state or an issued device code.
type PendingAuth struct {
	Kind      PendingAuthKind
	Key       string
	AccountID string
	Interval  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

type PendingAuthStore interface {
	Save(ctx context.Context, record PendingAuth) error
	// Consume removes and returns the record. It is single use.
	Consume(ctx context.Context, kind PendingAuthKind, key string) (PendingAuth, error)
	Peek(ctx context.Context, kind PendingAuthKind, key string) (PendingAuth, error)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

// LeaseExtender is implemented by lock handles whose lease expires on its
// own. WithAccountLock extends it while the guarded work runs.
type LeaseExtender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// AccountLocker serializes provider bound work for one account. Acquire
// blocks until the lock is free or ctx is done.
type AccountLocker interface {
	Acquire(ctx context.Context, accountID string, ttl time.Duration) (LockHandle, error)
}

type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

// DeviceAuthorizationGrant is the provider answer to a device code request.
type DeviceAuthorizationGrant struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       int
	Interval        int
	Message         string
}

type DevicePollOutcome string

const (
	DevicePollPending  DevicePollOutcome = "pending"
	DevicePollSlowDown DevicePollOutcome = "slow_down"
	DevicePollApproved DevicePollOutcome = "approved"
)

type DevicePoll struct {
	Outcome DevicePollOutcome
	Token   TokenSet
}

type DeltaItem struct {
	ID      string
	Removed bool
	Raw     json.RawMessage
}

type DeltaPage struct {
	Items     []DeltaItem
	NextLink  string
	DeltaLink string
}

func (p DeltaPage) HasMore() bool {
	return p.NextLink != ""
}

type SubscriptionGrant struct {
	SubscriptionID  string
	Resource        string
	ChangeType      string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
}

type RateLimitKey struct {
	ProviderID string
	AccountID  string
	BucketKey  string
}

type ProviderResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ProviderResponseMeta) error
}

// IdentityProvider speaks the OAuth 2.0 grants used by the auth flows.
type IdentityProvider interface {
	AuthorizationURL(reg ClientRegistration, state string) (string, error)
	ExchangeCode(ctx context.Context, reg ClientRegistration, code string) (TokenSet, error)
	// Refresh keeps the previous refresh token when the provider omits one.
	Refresh(ctx context.Context, reg ClientRegistration, refreshToken string) (TokenSet, error)
	StartDeviceAuthorization(ctx context.Context, reg ClientRegistration) (DeviceAuthorizationGrant, error)
	// PollDeviceToken makes exactly one token request.
	PollDeviceToken(ctx context.Context, reg ClientRegistration, deviceCode string) (DevicePoll, error)
}

type DeltaRequest struct {
	AccountID   string
	AccessToken string
	// Cursor is a stored next or delta link. Empty starts a full fetch.
	Cursor   string
	PageSize int
}

type DeltaSource interface {
	FetchDelta(ctx context.Context, req DeltaRequest) (DeltaPage, error)
}

// MessageTransformer maps one delta item onto the stored message record.
type MessageTransformer func(accountID string, item DeltaItem) (Message, error)

type SubscriptionRequest struct {
	AccountID       string
	AccessToken     string
	Resource        string
	ChangeType      string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
}

type SubscriptionRenewal struct {
	AccountID      string
	AccessToken    string
	SubscriptionID string
	ExpiresAt      time.Time
}

type SubscriptionClient interface {
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (SubscriptionGrant, error)
	RenewSubscription(ctx context.Context, req SubscriptionRenewal) (time.Time, error)
	// DeleteSubscription treats an already missing subscription as deleted.
	DeleteSubscription(ctx context.Context, accountID, accessToken, subscriptionID string) error
}
