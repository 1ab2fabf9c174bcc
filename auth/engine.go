package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/tokens"
)

const (
	DefaultStateTTL      = 10 * time.Minute
	DefaultDeviceCodeTTL = 900 * time.Second

	// slowDownStep is the interval increase RFC 8628 asks for on slow_down.
	slowDownStep = 5
)

// TokenKeeper is the token side of the auth flows.
type TokenKeeper interface {
	Store(ctx context.Context, accountID string, set core.TokenSet) error
	Inspect(ctx context.Context, accountID string) (tokens.TokenStatus, error)
}

type EngineOption func(*Engine)

func WithEngineObserver(observer core.Observer) EngineOption {
	return func(e *Engine) {
		if e == nil {
			return
		}
		e.observer = observer
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if e == nil || now == nil {
			return
		}
		e.now = now
	}
}

func WithStateTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if e == nil || ttl <= 0 {
			return
		}
		e.stateTTL = ttl
	}
}

// WithDeviceCodeTTL sets the lifetime used when the provider omits
// expires_in.
func WithDeviceCodeTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if e == nil || ttl <= 0 {
			return
		}
		e.deviceCodeTTL = ttl
	}
}

// Engine runs the authorization code and device code flows. It never loops
// on the provider: callers drive device polling at the advertised interval.
type Engine struct {
	accounts      core.AccountDirectory
	identity      core.IdentityProvider
	pending       core.PendingAuthStore
	tokens        TokenKeeper
	observer      core.Observer
	now           func() time.Time
	stateTTL      time.Duration
	deviceCodeTTL time.Duration
}

func NewEngine(
	accounts core.AccountDirectory,
	identity core.IdentityProvider,
	pending core.PendingAuthStore,
	keeper TokenKeeper,
	opts ...EngineOption,
) (*Engine, error) {
	if accounts == nil {
		return nil, fmt.Errorf("auth: account directory is required")
	}
	if identity == nil {
		return nil, fmt.Errorf("auth: identity provider is required")
	}
	if pending == nil {
		return nil, fmt.Errorf("auth: pending auth store is required")
	}
	if keeper == nil {
		return nil, fmt.Errorf("auth: token keeper is required")
	}
	engine := &Engine{
		accounts:      accounts,
		identity:      identity,
		pending:       pending,
		tokens:        keeper,
		now:           func() time.Time { return time.Now().UTC() },
		stateTTL:      DefaultStateTTL,
		deviceCodeTTL: DefaultDeviceCodeTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine, nil
}

type AuthorizationStart struct {
	AccountID string
	URL       string
	State     string
	ExpiresAt time.Time
}

type AuthResult struct {
	AccountID string
	Email     string
	AuthState core.AuthState
	Status    core.AccountStatus
	ExpiresAt time.Time
	Scope     string
}

type DeviceAuthorization struct {
	AccountID       string
	UserCode        string
	VerificationURI string
	DeviceCode      string
	ExpiresIn       int
	Interval        int
	Message         string
}

type PollStatus string

const (
	PollPending       PollStatus = "pending"
	PollSlowDown      PollStatus = "slow_down"
	PollAuthenticated PollStatus = "authenticated"
)

type PollResult struct {
	Status    PollStatus
	AccountID string
	// Interval is the minimum number of seconds before the next poll.
	Interval int
}

// StartAuthorizationCode issues a single use state and returns the provider
// authorize URL carrying it.
func (e *Engine) StartAuthorizationCode(ctx context.Context, accountID string) (start AuthorizationStart, err error) {
	startedAt := time.Now()
	defer func() {
		e.observer.Observe(ctx, startedAt, "auth_code_start", err, map[string]any{"account_id": accountID})
	}()

	account, reg, err := e.registration(ctx, accountID, core.AuthTypeAuthorizationCode)
	if err != nil {
		return AuthorizationStart{}, err
	}
	state, err := core.GenerateState()
	if err != nil {
		return AuthorizationStart{}, core.MapError(err)
	}
	authURL, err := e.identity.AuthorizationURL(reg, state)
	if err != nil {
		return AuthorizationStart{}, core.MapError(err)
	}
	now := e.now()
	expiresAt := now.Add(e.stateTTL)
	if err := e.pending.Save(ctx, core.PendingAuth{
		Kind:      core.PendingAuthState,
		Key:       state,
		AccountID: account.ID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}); err != nil {
		return AuthorizationStart{}, core.PersistenceError("save authorization state", err)
	}
	if _, err := e.transition(ctx, account, core.AuthStatePending, ""); err != nil {
		return AuthorizationStart{}, err
	}
	return AuthorizationStart{AccountID: account.ID, URL: authURL, State: state, ExpiresAt: expiresAt}, nil
}

// CompleteAuthorizationCode consumes the state and exchanges the code. An
// empty code is rejected before the state is spent. A provider rejection
// fails the account and surfaces the provider code.
func (e *Engine) CompleteAuthorizationCode(ctx context.Context, code, state string) (result AuthResult, err error) {
	startedAt := time.Now()
	accountID := ""
	defer func() {
		e.observer.Observe(ctx, startedAt, "auth_code_complete", err, map[string]any{"account_id": accountID})
	}()

	state = strings.TrimSpace(state)
	if state == "" {
		return AuthResult{}, core.InvalidStateError("authorization state is required", nil)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return AuthResult{}, core.BadInputError("authorization code is required", nil)
	}
	record, err := e.pending.Consume(ctx, core.PendingAuthState, state)
	if err != nil {
		return AuthResult{}, pendingError("authorization state", err)
	}
	accountID = record.AccountID

	account, reg, err := e.registration(ctx, record.AccountID, core.AuthTypeAuthorizationCode)
	if err != nil {
		return AuthResult{}, err
	}
	set, err := e.identity.ExchangeCode(ctx, reg, code)
	if err != nil {
		return AuthResult{}, e.rejectGrant(ctx, account, err)
	}
	return e.authenticate(ctx, account, set)
}

// StartDeviceCode requests a device and user code pair for the account.
func (e *Engine) StartDeviceCode(ctx context.Context, accountID string) (device DeviceAuthorization, err error) {
	startedAt := time.Now()
	defer func() {
		e.observer.Observe(ctx, startedAt, "device_code_start", err, map[string]any{"account_id": accountID})
	}()

	account, reg, err := e.registration(ctx, accountID, core.AuthTypeDeviceCode)
	if err != nil {
		return DeviceAuthorization{}, err
	}
	grant, err := e.identity.StartDeviceAuthorization(ctx, reg)
	if err != nil {
		return DeviceAuthorization{}, core.MapError(err)
	}
	ttl := e.deviceCodeTTL
	if grant.ExpiresIn > 0 {
		ttl = time.Duration(grant.ExpiresIn) * time.Second
	}
	now := e.now()
	if err := e.pending.Save(ctx, core.PendingAuth{
		Kind:      core.PendingAuthDeviceCode,
		Key:       grant.DeviceCode,
		AccountID: account.ID,
		Interval:  grant.Interval,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}); err != nil {
		return DeviceAuthorization{}, core.PersistenceError("save device code", err)
	}
	if _, err := e.transition(ctx, account, core.AuthStatePending, ""); err != nil {
		return DeviceAuthorization{}, err
	}
	return DeviceAuthorization{
		AccountID:       account.ID,
		UserCode:        grant.UserCode,
		VerificationURI: grant.VerificationURI,
		DeviceCode:      grant.DeviceCode,
		ExpiresIn:       int(ttl / time.Second),
		Interval:        grant.Interval,
		Message:         grant.Message,
	}, nil
}

// PollDeviceCode makes exactly one token request. Pending answers leave the
// account and its token untouched.
func (e *Engine) PollDeviceCode(ctx context.Context, deviceCode string) (result PollResult, err error) {
	startedAt := time.Now()
	defer func() {
		e.observer.Observe(ctx, startedAt, "device_code_poll", err, map[string]any{
			"account_id": result.AccountID,
			"outcome":    string(result.Status),
		})
	}()

	deviceCode = strings.TrimSpace(deviceCode)
	if deviceCode == "" {
		return PollResult{}, core.InvalidStateError("device code is required", nil)
	}
	record, err := e.pending.Peek(ctx, core.PendingAuthDeviceCode, deviceCode)
	if err != nil {
		return PollResult{}, pendingError("device code", err)
	}
	result = PollResult{Status: PollPending, AccountID: record.AccountID, Interval: record.Interval}

	account, reg, err := e.registration(ctx, record.AccountID, core.AuthTypeDeviceCode)
	if err != nil {
		return result, err
	}
	poll, err := e.identity.PollDeviceToken(ctx, reg, deviceCode)
	if err != nil {
		if core.IsAuthExchangeError(err) {
			_, _ = e.pending.Consume(context.WithoutCancel(ctx), core.PendingAuthDeviceCode, deviceCode)
		}
		return result, e.rejectGrant(ctx, account, err)
	}

	switch poll.Outcome {
	case core.DevicePollPending:
		return result, nil
	case core.DevicePollSlowDown:
		record.Interval += slowDownStep
		if err := e.pending.Save(ctx, record); err != nil {
			return result, core.PersistenceError("save device code interval", err)
		}
		result.Status = PollSlowDown
		result.Interval = record.Interval
		return result, nil
	case core.DevicePollApproved:
	default:
		return result, core.MapError(fmt.Errorf("auth: unknown device poll outcome %q", poll.Outcome))
	}

	// The pending record is single use, so only one approval wins.
	if _, err := e.pending.Consume(ctx, core.PendingAuthDeviceCode, deviceCode); err != nil {
		return result, pendingError("device code", err)
	}
	if _, err := e.authenticate(ctx, account, poll.Token); err != nil {
		return result, err
	}
	result.Status = PollAuthenticated
	return result, nil
}

type AuthStatus struct {
	AccountID string
	Email     string
	AuthType  core.AuthType
	AuthState core.AuthState
	Status    core.AccountStatus
	LastError string
	Token     *tokens.TokenStatus
}

// Status reports the account auth state with a summary of its token.
func (e *Engine) Status(ctx context.Context, accountID string) (AuthStatus, error) {
	account, err := e.accounts.Get(ctx, strings.TrimSpace(accountID))
	if err != nil {
		return AuthStatus{}, core.MapError(err)
	}
	status := AuthStatus{
		AccountID: account.ID,
		Email:     account.Email,
		AuthType:  account.AuthType,
		AuthState: account.AuthState,
		Status:    account.Status,
		LastError: account.LastError,
	}
	token, err := e.tokens.Inspect(ctx, account.ID)
	switch {
	case err == nil:
		status.Token = &token
	case core.IsNotFoundError(err):
	default:
		return AuthStatus{}, err
	}
	return status, nil
}

func (e *Engine) registration(ctx context.Context, accountID string, want core.AuthType) (core.Account, core.ClientRegistration, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return core.Account{}, core.ClientRegistration{}, core.BadInputError("account id is required", nil)
	}
	account, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return core.Account{}, core.ClientRegistration{}, core.MapError(err)
	}
	if account.AuthType != want {
		msg := fmt.Sprintf("account %s uses %s, not %s", account.ID, account.AuthType, want)
		return core.Account{}, core.ClientRegistration{}, core.ConfigurationError(msg, core.ErrIncompleteAuthConfig)
	}
	reg, err := account.Registration()
	if err != nil {
		return core.Account{}, core.ClientRegistration{}, core.ConfigurationError(err.Error(), err)
	}
	return account, reg, nil
}

func (e *Engine) authenticate(ctx context.Context, account core.Account, set core.TokenSet) (AuthResult, error) {
	if err := e.tokens.Store(ctx, account.ID, set); err != nil {
		return AuthResult{}, err
	}
	updated, err := e.transition(context.WithoutCancel(ctx), account, core.AuthStateAuthenticated, "")
	if err != nil {
		return AuthResult{}, err
	}
	return AuthResult{
		AccountID: updated.ID,
		Email:     updated.Email,
		AuthState: updated.AuthState,
		Status:    updated.Status,
		ExpiresAt: set.ExpiresAt,
		Scope:     set.Scope,
	}, nil
}

// rejectGrant fails the account when the provider refused the grant. Other
// errors leave the account pending so the flow can be retried.
func (e *Engine) rejectGrant(ctx context.Context, account core.Account, cause error) error {
	if !core.IsAuthExchangeError(cause) {
		return core.MapError(cause)
	}
	reason := "authorization grant rejected"
	if code := core.ProviderErrorCode(cause); code != "" {
		reason = code
	}
	if _, err := e.transition(context.WithoutCancel(ctx), account, core.AuthStateFailed, reason); err != nil {
		e.observer.Error(ctx, "mark account failed", map[string]any{
			"account_id": account.ID,
			"error":      err.Error(),
		})
	}
	return cause
}

func (e *Engine) transition(ctx context.Context, account core.Account, to core.AuthState, reason string) (core.Account, error) {
	if !account.AuthState.CanTransitionTo(to) {
		return core.Account{}, core.MapError(fmt.Errorf("%w: %s -> %s", core.ErrInvalidAuthStateTransition, account.AuthState, to))
	}
	updated, err := e.accounts.UpdateAuthState(ctx, core.AuthStateUpdate{
		AccountID: account.ID,
		From:      account.AuthState,
		To:        to,
		Reason:    reason,
		At:        e.now(),
	})
	if err != nil {
		return core.Account{}, core.MapError(err)
	}
	if account.AuthState != to {
		e.observer.Info(ctx, "auth state changed", map[string]any{
			"account_id": account.ID,
			"from":       string(account.AuthState),
			"to":         string(to),
		})
	}
	return updated, nil
}

func pendingError(what string, err error) error {
	switch {
	case errors.Is(err, core.ErrPendingAuthNotFound):
		return core.InvalidStateError(what+" is unknown or already used", err)
	case errors.Is(err, core.ErrPendingAuthExpired):
		return core.InvalidStateError(what+" has expired", err)
	default:
		return core.PersistenceError("load "+what, err)
	}
}
