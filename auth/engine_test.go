package auth

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/security"
	memorystore "github.com/goliatone/go-mailsync/store/memory"
	"github.com/goliatone/go-mailsync/tokens"
)

type scriptedIdentity struct {
	mu        sync.Mutex
	polls     []pollStep
	pollCalls int
	exchange  func(code string) (core.TokenSet, error)
}

type pollStep struct {
	poll core.DevicePoll
	err  error
}

func (s *scriptedIdentity) AuthorizationURL(reg core.ClientRegistration, state string) (string, error) {
	query := url.Values{}
	query.Set("client_id", reg.ClientID)
	query.Set("redirect_uri", reg.RedirectURI)
	query.Set("state", state)
	return "https://login.example.com/" + reg.TenantID + "/oauth2/v2.0/authorize?" + query.Encode(), nil
}

func (s *scriptedIdentity) ExchangeCode(_ context.Context, _ core.ClientRegistration, code string) (core.TokenSet, error) {
	return s.exchange(code)
}

func (s *scriptedIdentity) Refresh(context.Context, core.ClientRegistration, string) (core.TokenSet, error) {
	return core.TokenSet{}, fmt.Errorf("not used")
}

func (s *scriptedIdentity) StartDeviceAuthorization(_ context.Context, reg core.ClientRegistration) (core.DeviceAuthorizationGrant, error) {
	if _, ok := reg.ClientSecret(); ok {
		return core.DeviceAuthorizationGrant{}, fmt.Errorf("device registration must not carry a secret")
	}
	return core.DeviceAuthorizationGrant{
		DeviceCode:      "device-code-1",
		UserCode:        "ABCD-EFGH",
		VerificationURI: "https://microsoft.com/devicelogin",
		ExpiresIn:       900,
		Interval:        5,
		Message:         "enter the code",
	}, nil
}

func (s *scriptedIdentity) PollDeviceToken(context.Context, core.ClientRegistration, string) (core.DevicePoll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollCalls++
	if len(s.polls) == 0 {
		return core.DevicePoll{}, fmt.Errorf("unexpected poll")
	}
	step := s.polls[0]
	s.polls = s.polls[1:]
	return step.poll, step.err
}

// countingDirectory records every auth state transition that reaches the
// store.
type countingDirectory struct {
	core.AccountDirectory
	mu          sync.Mutex
	transitions []core.AuthStateUpdate
}

func (d *countingDirectory) UpdateAuthState(ctx context.Context, update core.AuthStateUpdate) (core.Account, error) {
	account, err := d.AccountDirectory.UpdateAuthState(ctx, update)
	if err == nil {
		d.mu.Lock()
		d.transitions = append(d.transitions, update)
		d.mu.Unlock()
	}
	return account, err
}

func (d *countingDirectory) count(to core.AuthState) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for _, update := range d.transitions {
		if update.To == to && update.From != to {
			total++
		}
	}
	return total
}

type fixture struct {
	stores    *memorystore.Stores
	directory *countingDirectory
	identity  *scriptedIdentity
	engine    *Engine
}

func newFixture(t *testing.T, identity *scriptedIdentity) *fixture {
	t.Helper()
	stores := memorystore.New()
	cipher, err := security.NewCipher("auth-test-key", security.WithIterations(1000))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	directory := &countingDirectory{AccountDirectory: stores.Accounts}
	manager, err := tokens.NewManager(directory, stores.Tokens, identity, cipher)
	if err != nil {
		t.Fatalf("token manager: %v", err)
	}
	engine, err := NewEngine(directory, identity, core.NewMemoryPendingAuthStore(0), manager)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &fixture{stores: stores, directory: directory, identity: identity, engine: engine}
}

func (f *fixture) deviceAccount(t *testing.T) core.Account {
	t.Helper()
	cfg, err := core.NewDeviceCodeConfig("client-x", "tenant-t")
	if err != nil {
		t.Fatalf("device config: %v", err)
	}
	account, err := f.stores.Accounts.Create(context.Background(), core.Account{
		Email: "device@example.com", AuthType: core.AuthTypeDeviceCode, DeviceCode: cfg,
	})
	if err != nil {
		t.Fatalf("create device account: %v", err)
	}
	return account
}

func (f *fixture) authCodeAccount(t *testing.T) core.Account {
	t.Helper()
	cfg, err := core.NewAuthCodeConfig("client-a", "tenant-a", "https://app.example.com/auth/callback", "secret")
	if err != nil {
		t.Fatalf("auth code config: %v", err)
	}
	account, err := f.stores.Accounts.Create(context.Background(), core.Account{
		Email: "web@example.com", AuthType: core.AuthTypeAuthorizationCode, AuthCode: cfg,
	})
	if err != nil {
		t.Fatalf("create auth code account: %v", err)
	}
	return account
}

func (f *fixture) account(t *testing.T, id string) core.Account {
	t.Helper()
	account, err := f.stores.Accounts.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	return account
}

func approvedPoll() pollStep {
	return pollStep{poll: core.DevicePoll{
		Outcome: core.DevicePollApproved,
		Token: core.TokenSet{
			AccessToken:  "access",
			RefreshToken: "refresh",
			TokenType:    "Bearer",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}}
}

func TestEngine_DeviceCodePendingThenApproved(t *testing.T) {
	pending := pollStep{poll: core.DevicePoll{Outcome: core.DevicePollPending}}
	identity := &scriptedIdentity{polls: []pollStep{pending, pending, pending, approvedPoll()}}
	f := newFixture(t, identity)
	account := f.deviceAccount(t)
	ctx := context.Background()

	device, err := f.engine.StartDeviceCode(ctx, account.ID)
	if err != nil {
		t.Fatalf("start device code: %v", err)
	}
	if device.UserCode != "ABCD-EFGH" || device.DeviceCode != "device-code-1" || device.Interval != 5 || device.ExpiresIn != 900 {
		t.Fatalf("unexpected device authorization %+v", device)
	}
	if got := f.account(t, account.ID).AuthState; got != core.AuthStatePending {
		t.Fatalf("expected pending after start, got %s", got)
	}

	for i := 0; i < 3; i++ {
		result, err := f.engine.PollDeviceCode(ctx, device.DeviceCode)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if result.Status != PollPending || result.AccountID != account.ID {
			t.Fatalf("poll %d: unexpected result %+v", i, result)
		}
		if got := f.account(t, account.ID).AuthState; got != core.AuthStatePending {
			t.Fatalf("poll %d: expected account to stay pending, got %s", i, got)
		}
		if f.stores.Tokens.Count() != 0 {
			t.Fatalf("poll %d: expected no token write while pending", i)
		}
	}

	result, err := f.engine.PollDeviceCode(ctx, device.DeviceCode)
	if err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if result.Status != PollAuthenticated {
		t.Fatalf("expected authenticated, got %+v", result)
	}
	updated := f.account(t, account.ID)
	if updated.AuthState != core.AuthStateAuthenticated || updated.Status != core.AccountStatusActive {
		t.Fatalf("expected authenticated active account, got %s/%s", updated.AuthState, updated.Status)
	}
	if f.directory.count(core.AuthStateAuthenticated) != 1 {
		t.Fatalf("expected exactly one transition to authenticated, got %d", f.directory.count(core.AuthStateAuthenticated))
	}
	if f.stores.Tokens.Count() != 1 {
		t.Fatalf("expected token stored once approved")
	}

	if _, err := f.engine.PollDeviceCode(ctx, device.DeviceCode); !core.IsInvalidStateError(err) {
		t.Fatalf("expected consumed device code to be rejected, got %v", err)
	}
	if identity.pollCalls != 4 {
		t.Fatalf("expected four provider polls, got %d", identity.pollCalls)
	}
}

func TestEngine_DeviceCodeSlowDownWidensInterval(t *testing.T) {
	identity := &scriptedIdentity{polls: []pollStep{
		{poll: core.DevicePoll{Outcome: core.DevicePollSlowDown}},
		{poll: core.DevicePoll{Outcome: core.DevicePollPending}},
	}}
	f := newFixture(t, identity)
	account := f.deviceAccount(t)
	ctx := context.Background()

	device, err := f.engine.StartDeviceCode(ctx, account.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	result, err := f.engine.PollDeviceCode(ctx, device.DeviceCode)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.Status != PollSlowDown || result.Interval != 10 {
		t.Fatalf("expected slow_down with 10s interval, got %+v", result)
	}
	result, err = f.engine.PollDeviceCode(ctx, device.DeviceCode)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.Status != PollPending || result.Interval != 10 {
		t.Fatalf("expected widened interval to stick, got %+v", result)
	}
}

func TestEngine_DeviceCodeExpiredFailsAccount(t *testing.T) {
	identity := &scriptedIdentity{polls: []pollStep{
		{err: core.AuthExchangeError("expired_token", "The device code has expired", nil)},
	}}
	f := newFixture(t, identity)
	account := f.deviceAccount(t)
	ctx := context.Background()

	device, err := f.engine.StartDeviceCode(ctx, account.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = f.engine.PollDeviceCode(ctx, device.DeviceCode)
	if !core.IsAuthExchangeError(err) || core.ProviderErrorCode(err) != "expired_token" {
		t.Fatalf("expected expired_token exchange error, got %v", err)
	}
	updated := f.account(t, account.ID)
	if updated.AuthState != core.AuthStateFailed || updated.Status != core.AccountStatusError {
		t.Fatalf("expected failed account, got %s/%s", updated.AuthState, updated.Status)
	}
	if _, err := f.engine.PollDeviceCode(ctx, device.DeviceCode); !core.IsInvalidStateError(err) {
		t.Fatalf("expected device code to be dropped after rejection, got %v", err)
	}
}

func TestEngine_AuthorizationCodeRoundTrip(t *testing.T) {
	identity := &scriptedIdentity{exchange: func(code string) (core.TokenSet, error) {
		if code != "good-code" {
			return core.TokenSet{}, fmt.Errorf("unexpected code %q", code)
		}
		return core.TokenSet{AccessToken: "access", RefreshToken: "refresh", Scope: "Mail.Read", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	f := newFixture(t, identity)
	account := f.authCodeAccount(t)
	ctx := context.Background()

	start, err := f.engine.StartAuthorizationCode(ctx, account.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(start.State) < 43 {
		t.Fatalf("expected 32 byte state, got %q", start.State)
	}
	parsed, err := url.Parse(start.URL)
	if err != nil || parsed.Query().Get("state") != start.State {
		t.Fatalf("expected state in authorize url, got %q", start.URL)
	}
	if got := f.account(t, account.ID).AuthState; got != core.AuthStatePending {
		t.Fatalf("expected pending, got %s", got)
	}

	if _, err := f.engine.CompleteAuthorizationCode(ctx, "good-code", start.State+"x"); !core.IsInvalidStateError(err) {
		t.Fatalf("expected mismatched state to fail, got %v", err)
	}

	result, err := f.engine.CompleteAuthorizationCode(ctx, "good-code", start.State)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.AuthState != core.AuthStateAuthenticated || result.Status != core.AccountStatusActive || result.Scope != "Mail.Read" {
		t.Fatalf("unexpected result %+v", result)
	}

	if _, err := f.engine.CompleteAuthorizationCode(ctx, "good-code", start.State); !core.IsInvalidStateError(err) {
		t.Fatalf("expected replayed state to fail, got %v", err)
	}

	status, err := f.engine.Status(ctx, account.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Token == nil || !status.Token.HasRefreshToken || status.AuthState != core.AuthStateAuthenticated {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestEngine_EmptyCodeLeavesStateUsable(t *testing.T) {
	identity := &scriptedIdentity{exchange: func(string) (core.TokenSet, error) {
		return core.TokenSet{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}}
	f := newFixture(t, identity)
	account := f.authCodeAccount(t)
	ctx := context.Background()

	start, err := f.engine.StartAuthorizationCode(ctx, account.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.engine.CompleteAuthorizationCode(ctx, "  ", start.State); !core.IsBadInputError(err) {
		t.Fatalf("expected bad input for empty code, got %v", err)
	}
	if got := f.account(t, account.ID).AuthState; got != core.AuthStatePending {
		t.Fatalf("expected account to stay pending, got %s", got)
	}

	result, err := f.engine.CompleteAuthorizationCode(ctx, "late-code", start.State)
	if err != nil {
		t.Fatalf("expected state to survive the empty code, got %v", err)
	}
	if result.AuthState != core.AuthStateAuthenticated {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestEngine_AuthorizationCodeRejectedFailsAccount(t *testing.T) {
	identity := &scriptedIdentity{exchange: func(string) (core.TokenSet, error) {
		return core.TokenSet{}, core.AuthExchangeError("invalid_grant", "AADSTS54005: code already redeemed", nil)
	}}
	f := newFixture(t, identity)
	account := f.authCodeAccount(t)
	ctx := context.Background()

	start, err := f.engine.StartAuthorizationCode(ctx, account.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err = f.engine.CompleteAuthorizationCode(ctx, "used-code", start.State)
	if !core.IsAuthExchangeError(err) || core.ProviderErrorCode(err) != "invalid_grant" {
		t.Fatalf("expected invalid_grant exchange error, got %v", err)
	}
	updated := f.account(t, account.ID)
	if updated.AuthState != core.AuthStateFailed || updated.Status != core.AccountStatusError || updated.LastError != "invalid_grant" {
		t.Fatalf("expected failed account carrying provider code, got %+v", updated)
	}

	if _, err := f.engine.StartAuthorizationCode(ctx, account.ID); err != nil {
		t.Fatalf("expected restart from failed to be allowed: %v", err)
	}
}

func TestEngine_FlowMustMatchAuthType(t *testing.T) {
	f := newFixture(t, &scriptedIdentity{})
	device := f.deviceAccount(t)
	web := f.authCodeAccount(t)
	ctx := context.Background()

	if _, err := f.engine.StartAuthorizationCode(ctx, device.ID); !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for device account, got %v", err)
	}
	if _, err := f.engine.StartDeviceCode(ctx, web.ID); !core.IsConfigurationError(err) {
		t.Fatalf("expected configuration error for auth code account, got %v", err)
	}
	if got := f.account(t, device.ID).AuthState; got != core.AuthStateUnauthenticated {
		t.Fatalf("expected rejected start to leave state alone, got %s", got)
	}
	if _, err := f.engine.PollDeviceCode(ctx, "never-issued"); !core.IsInvalidStateError(err) {
		t.Fatalf("expected unknown device code to be rejected, got %v", err)
	}

	status, err := f.engine.Status(ctx, device.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Token != nil {
		t.Fatalf("expected no token summary before authentication")
	}
}
