package webhooks

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

const (
	DefaultRenewalWindow = 24 * time.Hour
	// DefaultExtension is the longest lifetime Graph grants a mail
	// subscription.
	DefaultExtension  = 4230 * time.Minute
	DefaultResource   = "me/mailFolders('inbox')/messages"
	DefaultChangeType = "created,updated,deleted"
	NotificationPath  = "/webhooks/graph"
)

// TokenSource hands out access tokens that are valid for the next call.
type TokenSource interface {
	GetValidToken(ctx context.Context, accountID string) (string, error)
}

type Dependencies struct {
	Subscriptions core.SubscriptionStore
	Client        core.SubscriptionClient
	Tokens        TokenSource
	// Locker is shared with the sync engine. Nil runs unguarded.
	Locker core.AccountLocker
}

type RenewalOption func(*RenewalManager)

func WithRenewalObserver(observer core.Observer) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil {
			return
		}
		m.observer = observer
	}
}

func WithRenewalClock(now func() time.Time) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil || now == nil {
			return
		}
		m.now = now
	}
}

func WithRenewalWindow(window time.Duration) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil || window <= 0 {
			return
		}
		m.window = window
	}
}

func WithExtension(extension time.Duration) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil || extension <= 0 {
			return
		}
		m.extension = extension
	}
}

func WithRenewalRetry(policy core.RetryPolicy) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil {
			return
		}
		m.retry = policy
	}
}

// WithNotificationBaseURL sets the public base URL Graph posts
// notifications to.
func WithNotificationBaseURL(baseURL string) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil {
			return
		}
		m.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

// WithClientState pins the clientState sent on new subscriptions. Without it
// every subscription gets a random value.
func WithClientState(secret string) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil {
			return
		}
		m.clientState = strings.TrimSpace(secret)
	}
}

func WithSyncDebouncer(debouncer *SyncDebouncer) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil {
			return
		}
		m.debouncer = debouncer
	}
}

func WithRenewalLockTTL(ttl time.Duration) RenewalOption {
	return func(m *RenewalManager) {
		if m == nil || ttl <= 0 {
			return
		}
		m.lockTTL = ttl
	}
}

// RenewalManager keeps registered subscriptions alive. It only creates
// subscriptions when asked to.
type RenewalManager struct {
	deps        Dependencies
	observer    core.Observer
	now         func() time.Time
	window      time.Duration
	extension   time.Duration
	retry       core.RetryPolicy
	baseURL     string
	clientState string
	debouncer   *SyncDebouncer
	lockTTL     time.Duration
}

func NewRenewalManager(deps Dependencies, opts ...RenewalOption) (*RenewalManager, error) {
	switch {
	case deps.Subscriptions == nil:
		return nil, fmt.Errorf("webhooks: subscription store is required")
	case deps.Client == nil:
		return nil, fmt.Errorf("webhooks: subscription client is required")
	case deps.Tokens == nil:
		return nil, fmt.Errorf("webhooks: token source is required")
	}
	manager := &RenewalManager{
		deps:      deps,
		now:       func() time.Time { return time.Now().UTC() },
		window:    DefaultRenewalWindow,
		extension: DefaultExtension,
		lockTTL:   core.DefaultAccountLockTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager, nil
}

// Register tracks a subscription the caller already created at the
// provider.
func (m *RenewalManager) Register(ctx context.Context, sub core.WebhookSubscription) (registered core.WebhookSubscription, err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "subscription_register", err, map[string]any{
			"account_id":      sub.AccountID,
			"subscription_id": sub.SubscriptionID,
		})
	}()

	sub.AccountID = strings.TrimSpace(sub.AccountID)
	sub.SubscriptionID = strings.TrimSpace(sub.SubscriptionID)
	if sub.AccountID == "" || sub.SubscriptionID == "" {
		return core.WebhookSubscription{}, core.BadInputError("account id and subscription id are required", nil)
	}
	if sub.ExpiresAt.IsZero() {
		return core.WebhookSubscription{}, core.BadInputError("subscription expiry is required", nil)
	}
	sub.IsActive = true
	registered, err = m.deps.Subscriptions.Create(ctx, sub)
	if err != nil {
		return core.WebhookSubscription{}, core.MapError(err)
	}
	return registered, nil
}

type CreateRequest struct {
	AccountID string
	// Resource defaults to the inbox messages collection.
	Resource   string
	ChangeType string
	// NotificationURL defaults to the configured base URL plus
	// NotificationPath.
	NotificationURL string
	// ExpiresAt defaults to now plus the configured extension.
	ExpiresAt time.Time
}

// Create subscribes at the provider on behalf of the caller and registers
// the result for renewal.
func (m *RenewalManager) Create(ctx context.Context, req CreateRequest) (sub core.WebhookSubscription, err error) {
	startedAt := time.Now()
	accountID := strings.TrimSpace(req.AccountID)
	defer func() {
		m.observer.Observe(ctx, startedAt, "subscription_create", err, map[string]any{
			"account_id":      accountID,
			"subscription_id": sub.SubscriptionID,
		})
	}()

	if accountID == "" {
		return core.WebhookSubscription{}, core.BadInputError("account id is required", nil)
	}
	providerReq, err := m.subscriptionRequest(accountID, req)
	if err != nil {
		return core.WebhookSubscription{}, err
	}

	var grant core.SubscriptionGrant
	err = core.WithAccountLock(ctx, m.deps.Locker, accountID, m.lockTTL, func(ctx context.Context) error {
		token, err := m.deps.Tokens.GetValidToken(ctx, accountID)
		if err != nil {
			return err
		}
		providerReq.AccessToken = token
		_, err = m.retry.Run(ctx, func(ctx context.Context, _ int) error {
			var callErr error
			grant, callErr = m.deps.Client.CreateSubscription(ctx, providerReq)
			return callErr
		})
		return err
	})
	if err != nil {
		return core.WebhookSubscription{}, core.MapError(err)
	}

	clientState := grant.ClientState
	if clientState == "" {
		clientState = providerReq.ClientState
	}
	return m.Register(context.WithoutCancel(ctx), core.WebhookSubscription{
		AccountID:       accountID,
		SubscriptionID:  grant.SubscriptionID,
		Resource:        firstNonEmpty(grant.Resource, providerReq.Resource),
		ChangeType:      firstNonEmpty(grant.ChangeType, providerReq.ChangeType),
		NotificationURL: firstNonEmpty(grant.NotificationURL, providerReq.NotificationURL),
		ClientState:     clientState,
		ExpiresAt:       grant.ExpiresAt,
	})
}

func (m *RenewalManager) subscriptionRequest(accountID string, req CreateRequest) (core.SubscriptionRequest, error) {
	notificationURL := strings.TrimSpace(req.NotificationURL)
	if notificationURL == "" {
		if m.baseURL == "" {
			return core.SubscriptionRequest{}, core.ConfigurationError("webhooks.base_url is required to create subscriptions", nil)
		}
		notificationURL = m.baseURL + NotificationPath
	}
	if parsed, err := url.Parse(notificationURL); err != nil || parsed.Scheme != "https" {
		return core.SubscriptionRequest{}, core.ConfigurationError(fmt.Sprintf("notification url %q must be an absolute https url", notificationURL), err)
	}
	clientState := m.clientState
	if clientState == "" {
		generated, err := core.GenerateClientState()
		if err != nil {
			return core.SubscriptionRequest{}, core.MapError(err)
		}
		clientState = generated
	}
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(m.extension)
	}
	return core.SubscriptionRequest{
		AccountID:       accountID,
		Resource:        firstNonEmpty(strings.TrimSpace(req.Resource), DefaultResource),
		ChangeType:      firstNonEmpty(strings.TrimSpace(req.ChangeType), DefaultChangeType),
		NotificationURL: notificationURL,
		ClientState:     clientState,
		ExpiresAt:       expiresAt,
	}, nil
}

type RenewalSummary struct {
	Checked     int
	Renewed     int
	Deactivated int
	// Errors maps provider subscription ids to their final error.
	Errors map[string]string
}

// RenewSubscriptions extends every active subscription expiring inside the
// renewal window. A subscription the provider refused to renew is
// deactivated. When no renewal call was made, for instance because no valid
// token could be obtained, the row stays active for the next cycle.
func (m *RenewalManager) RenewSubscriptions(ctx context.Context) (summary RenewalSummary, err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "subscription_renew", err, map[string]any{
			"checked":     summary.Checked,
			"renewed":     summary.Renewed,
			"deactivated": summary.Deactivated,
		})
	}()

	due, err := m.deps.Subscriptions.ListRenewable(ctx, m.now().Add(m.window))
	if err != nil {
		return RenewalSummary{}, core.PersistenceError("list renewable subscriptions", err)
	}
	summary.Errors = map[string]string{}
	for _, sub := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++
		called, renewErr := m.renew(ctx, sub)
		if renewErr == nil {
			summary.Renewed++
			continue
		}
		summary.Errors[sub.SubscriptionID] = renewErr.Error()
		// The provider accepted the renewal when only the local write failed.
		if !called || core.IsPersistenceError(renewErr) || ctx.Err() != nil {
			m.observer.Warn(ctx, "subscription renewal deferred", map[string]any{
				"account_id":      sub.AccountID,
				"subscription_id": sub.SubscriptionID,
				"error":           renewErr.Error(),
			})
			continue
		}
		if m.deactivate(ctx, sub, renewErr) {
			summary.Deactivated++
		}
	}
	return summary, nil
}

// renew reports whether the renewal call reached the provider.
func (m *RenewalManager) renew(ctx context.Context, sub core.WebhookSubscription) (called bool, err error) {
	expiresAt := m.now().Add(m.extension)
	var renewed time.Time
	err = core.WithAccountLock(ctx, m.deps.Locker, sub.AccountID, m.lockTTL, func(ctx context.Context) error {
		token, err := m.deps.Tokens.GetValidToken(ctx, sub.AccountID)
		if err != nil {
			return err
		}
		called = true
		_, err = m.retry.Run(ctx, func(ctx context.Context, _ int) error {
			var callErr error
			renewed, callErr = m.deps.Client.RenewSubscription(ctx, core.SubscriptionRenewal{
				AccountID:      sub.AccountID,
				AccessToken:    token,
				SubscriptionID: sub.SubscriptionID,
				ExpiresAt:      expiresAt,
			})
			return callErr
		})
		return err
	})
	if err != nil {
		return called, core.MapError(err)
	}
	if renewed.IsZero() {
		renewed = expiresAt
	}
	if _, err := m.deps.Subscriptions.MarkRenewed(context.WithoutCancel(ctx), sub.ID, renewed, m.now()); err != nil {
		return true, core.PersistenceError("mark subscription renewed", err)
	}
	return true, nil
}

func (m *RenewalManager) deactivate(ctx context.Context, sub core.WebhookSubscription, cause error) bool {
	ctx = context.WithoutCancel(ctx)
	m.observer.Error(ctx, "subscription renewal failed, deactivating", map[string]any{
		"account_id":      sub.AccountID,
		"subscription_id": sub.SubscriptionID,
		"expires_at":      sub.ExpiresAt,
		"error":           cause.Error(),
	})
	if _, err := m.deps.Subscriptions.Deactivate(ctx, sub.ID, cause.Error(), m.now()); err != nil {
		m.observer.Error(ctx, "deactivate subscription failed", map[string]any{
			"subscription_id": sub.SubscriptionID,
			"error":           err.Error(),
		})
		return false
	}
	return true
}

// Cancel deletes the subscription at the provider and deactivates the row.
func (m *RenewalManager) Cancel(ctx context.Context, subscriptionID string) (err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "subscription_cancel", err, map[string]any{"subscription_id": subscriptionID})
	}()

	sub, err := m.deps.Subscriptions.GetBySubscriptionID(ctx, strings.TrimSpace(subscriptionID))
	if err != nil {
		return core.MapError(err)
	}
	err = core.WithAccountLock(ctx, m.deps.Locker, sub.AccountID, m.lockTTL, func(ctx context.Context) error {
		token, err := m.deps.Tokens.GetValidToken(ctx, sub.AccountID)
		if err != nil {
			return err
		}
		_, err = m.retry.Run(ctx, func(ctx context.Context, _ int) error {
			return m.deps.Client.DeleteSubscription(ctx, sub.AccountID, token, sub.SubscriptionID)
		})
		return err
	})
	if err != nil {
		return core.MapError(err)
	}
	if !sub.IsActive {
		return nil
	}
	if _, err := m.deps.Subscriptions.Deactivate(context.WithoutCancel(ctx), sub.ID, "cancelled", m.now()); err != nil {
		return core.PersistenceError("deactivate subscription", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
