// Package tokens owns the stored token of every account: it seals tokens at
// rest, refreshes them ahead of expiry and is the only writer of token rows.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/security"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshMargin = 5 * time.Minute

	refreshLockTTL = 2 * time.Minute
)

type ManagerOption func(*Manager)

func WithManagerObserver(observer core.Observer) ManagerOption {
	return func(m *Manager) {
		if m == nil {
			return
		}
		m.observer = observer
	}
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if m == nil || now == nil {
			return
		}
		m.now = now
	}
}

func WithRefreshMargin(margin time.Duration) ManagerOption {
	return func(m *Manager) {
		if m == nil || margin <= 0 {
			return
		}
		m.margin = margin
	}
}

// WithRefreshRetry sets the policy used for transient refresh failures.
func WithRefreshRetry(policy core.RetryPolicy) ManagerOption {
	return func(m *Manager) {
		if m == nil {
			return
		}
		m.retry = policy
	}
}

// WithRefreshLocker serializes refreshes across processes. The lock key is
// "refresh:<account id>", apart from the account lock held by sync and
// renewal, so a sync that refreshes mid-run does not wait on itself.
func WithRefreshLocker(locker core.AccountLocker) ManagerOption {
	return func(m *Manager) {
		if m == nil {
			return
		}
		m.refreshLocker = locker
	}
}

func refreshLockKey(accountID string) string {
	return "refresh:" + accountID
}

type Manager struct {
	accounts core.AccountDirectory
	tokens   core.TokenStore
	identity core.IdentityProvider
	secrets  core.SecretProvider
	observer core.Observer
	now      func() time.Time
	margin   time.Duration
	retry    core.RetryPolicy

	refreshLocker core.AccountLocker

	flights singleflight.Group
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewManager(
	accounts core.AccountDirectory,
	tokenStore core.TokenStore,
	identity core.IdentityProvider,
	secrets core.SecretProvider,
	opts ...ManagerOption,
) (*Manager, error) {
	if accounts == nil {
		return nil, fmt.Errorf("tokens: account directory is required")
	}
	if tokenStore == nil {
		return nil, fmt.Errorf("tokens: token store is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("tokens: identity provider is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("tokens: secret provider is required")
	}
	manager := &Manager{
		accounts: accounts,
		tokens:   tokenStore,
		identity: identity,
		secrets:  secrets,
		now:      func() time.Time { return time.Now().UTC() },
		margin:   DefaultRefreshMargin,
		locks:    map[string]*sync.Mutex{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	return manager, nil
}

// GetValidToken returns an access token that stays valid for at least the
// refresh margin, refreshing it first when needed.
func (m *Manager) GetValidToken(ctx context.Context, accountID string) (accessToken string, err error) {
	startedAt := time.Now()
	refreshed := false
	defer func() {
		m.observer.Observe(ctx, startedAt, "token_get", err, map[string]any{
			"account_id": accountID,
			"refreshed":  refreshed,
		})
	}()

	accountID = strings.TrimSpace(accountID)
	current, err := m.load(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !current.ExpiresWithin(m.margin, m.now()) {
		return current.AccessToken, nil
	}
	next, err := m.refresh(ctx, accountID, m.margin)
	if err != nil {
		return "", err
	}
	refreshed = true
	return next.AccessToken, nil
}

// Store seals both tokens and replaces the account token row in one write.
func (m *Manager) Store(ctx context.Context, accountID string, set core.TokenSet) (err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "token_store", err, map[string]any{"account_id": accountID})
	}()

	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()
	return m.persist(ctx, accountID, set)
}

// Revoke deletes the account token. Without a token it changes nothing.
func (m *Manager) Revoke(ctx context.Context, accountID string) (err error) {
	startedAt := time.Now()
	existed := false
	defer func() {
		m.observer.Observe(ctx, startedAt, "token_revoke", err, map[string]any{
			"account_id": accountID,
			"existed":    existed,
		})
	}()

	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	existed, err = m.tokens.Delete(ctx, accountID)
	if err != nil {
		return core.PersistenceError("delete token", err)
	}
	if !existed {
		return nil
	}
	account, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return core.MapError(err)
	}
	if account.AuthState.CanTransitionTo(core.AuthStateUnauthenticated) {
		_, err = m.accounts.UpdateAuthState(ctx, core.AuthStateUpdate{
			AccountID: accountID,
			From:      account.AuthState,
			To:        core.AuthStateUnauthenticated,
			Reason:    "token revoked",
			At:        m.now(),
		})
		return core.MapError(err)
	}
	_, err = m.accounts.UpdateStatus(ctx, accountID, core.AccountStatusInactive, "token revoked")
	return core.MapError(err)
}

type RefreshSummary struct {
	Checked   int
	Refreshed int
	Failed    int
	Errors    map[string]string
}

// RefreshExpiring refreshes every stored token that expires within window.
// One failing account does not stop the others.
func (m *Manager) RefreshExpiring(ctx context.Context, window time.Duration) (summary RefreshSummary, err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "token_refresh_expiring", err, map[string]any{
			"checked":   summary.Checked,
			"refreshed": summary.Refreshed,
			"failed":    summary.Failed,
		})
	}()

	if window < m.margin {
		window = m.margin
	}
	expiring, err := m.tokens.ListExpiring(ctx, m.now().Add(window))
	if err != nil {
		return RefreshSummary{}, core.PersistenceError("list expiring tokens", err)
	}
	summary.Errors = map[string]string{}
	for _, stored := range expiring {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Checked++
		if _, refreshErr := m.refresh(ctx, stored.AccountID, window); refreshErr != nil {
			summary.Failed++
			summary.Errors[stored.AccountID] = refreshErr.Error()
			m.observer.Warn(ctx, "token refresh failed", map[string]any{
				"account_id": stored.AccountID,
				"error":      refreshErr.Error(),
			})
			continue
		}
		summary.Refreshed++
	}
	return summary, nil
}

// refresh collapses concurrent refreshes of one account into a single
// provider call. The flight is detached from the caller so one cancelled
// waiter does not fail the others.
func (m *Manager) refresh(ctx context.Context, accountID string, within time.Duration) (core.TokenSet, error) {
	ch := m.flights.DoChan(accountID, func() (any, error) {
		return m.refreshLocked(context.WithoutCancel(ctx), accountID, within)
	})
	select {
	case <-ctx.Done():
		return core.TokenSet{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return core.TokenSet{}, res.Err
		}
		return res.Val.(core.TokenSet), nil
	}
}

func (m *Manager) refreshLocked(ctx context.Context, accountID string, within time.Duration) (core.TokenSet, error) {
	lock := m.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	var next core.TokenSet
	err := core.WithAccountLock(ctx, m.refreshLocker, refreshLockKey(accountID), refreshLockTTL, func(ctx context.Context) error {
		var err error
		next, err = m.refreshHeld(ctx, accountID, within)
		return err
	})
	return next, err
}

// refreshHeld runs with the refresh locks held. The token is reloaded here
// because another process may have refreshed it while this one waited.
func (m *Manager) refreshHeld(ctx context.Context, accountID string, within time.Duration) (core.TokenSet, error) {
	current, err := m.load(ctx, accountID)
	if err != nil {
		return core.TokenSet{}, err
	}
	if !current.ExpiresWithin(within, m.now()) {
		return current, nil
	}

	account, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return core.TokenSet{}, core.MapError(err)
	}
	if current.RefreshToken == "" {
		return core.TokenSet{}, m.rejectRefresh(ctx, account, core.AuthExchangeError("invalid_grant", "no refresh token stored", nil))
	}
	reg, err := account.Registration()
	if err != nil {
		return core.TokenSet{}, core.ConfigurationError(err.Error(), err)
	}

	var next core.TokenSet
	attempts, err := m.retry.Run(ctx, func(ctx context.Context, _ int) error {
		var callErr error
		next, callErr = m.identity.Refresh(ctx, reg, current.RefreshToken)
		return callErr
	})
	if err != nil {
		if core.IsAuthExchangeError(err) {
			return core.TokenSet{}, m.rejectRefresh(ctx, account, err)
		}
		m.observer.Warn(ctx, "token refresh failed", map[string]any{
			"account_id": accountID,
			"attempts":   attempts,
			"error":      err.Error(),
		})
		return core.TokenSet{}, core.MapError(err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if err := m.persist(ctx, accountID, next); err != nil {
		return core.TokenSet{}, err
	}
	return next, nil
}

// rejectRefresh moves the account to error. Recovery needs a new auth flow.
func (m *Manager) rejectRefresh(ctx context.Context, account core.Account, cause error) error {
	reason := "refresh token rejected"
	if code := core.ProviderErrorCode(cause); code != "" {
		reason = fmt.Sprintf("refresh token rejected: %s", code)
	}
	if _, err := m.accounts.UpdateStatus(ctx, account.ID, core.AccountStatusError, reason); err != nil {
		m.observer.Error(ctx, "mark account error failed", map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		})
	}
	return core.TokenRefreshError(account.ID, cause)
}

func (m *Manager) load(ctx context.Context, accountID string) (core.TokenSet, error) {
	if accountID == "" {
		return core.TokenSet{}, core.BadInputError("account id is required", nil)
	}
	stored, err := m.tokens.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, core.ErrTokenNotFound) {
			return core.TokenSet{}, core.NotFoundError("account has no token, authenticate first", err)
		}
		return core.TokenSet{}, core.PersistenceError("load token", err)
	}
	return m.open(ctx, stored)
}

func (m *Manager) persist(ctx context.Context, accountID string, set core.TokenSet) error {
	if strings.TrimSpace(accountID) == "" {
		return core.BadInputError("account id is required", nil)
	}
	if err := set.Validate(); err != nil {
		return core.MapError(err)
	}
	access, err := security.SealString(ctx, m.secrets, set.AccessToken)
	if err != nil {
		return core.PersistenceError("seal access token", err)
	}
	refresh, err := security.SealString(ctx, m.secrets, set.RefreshToken)
	if err != nil {
		return core.PersistenceError("seal refresh token", err)
	}
	_, err = m.tokens.Put(ctx, core.StoredToken{
		AccountID:             accountID,
		EncryptedAccessToken:  access,
		EncryptedRefreshToken: refresh,
		TokenType:             set.TokenType,
		Scope:                 set.Scope,
		ExpiresAt:             set.ExpiresAt.UTC(),
	})
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			return core.MapError(err)
		}
		return core.PersistenceError("store token", err)
	}
	return nil
}

func (m *Manager) open(ctx context.Context, stored core.StoredToken) (core.TokenSet, error) {
	access, err := security.OpenString(ctx, m.secrets, stored.EncryptedAccessToken)
	if err != nil {
		return core.TokenSet{}, core.PersistenceError("open access token", err)
	}
	refresh, err := security.OpenString(ctx, m.secrets, stored.EncryptedRefreshToken)
	if err != nil {
		return core.TokenSet{}, core.PersistenceError("open refresh token", err)
	}
	return core.TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    stored.TokenType,
		Scope:        stored.Scope,
		ExpiresAt:    stored.ExpiresAt,
	}, nil
}

func (m *Manager) accountLock(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[accountID] = lock
	}
	return lock
}
