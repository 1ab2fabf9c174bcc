package command

import (
	"context"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-mailsync/accounts"
	"github.com/goliatone/go-mailsync/auth"
	"github.com/goliatone/go-mailsync/core"
	syncengine "github.com/goliatone/go-mailsync/sync"
	"github.com/goliatone/go-mailsync/tokens"
	"github.com/goliatone/go-mailsync/webhooks"
)

type stubMutatingService struct {
	runSyncFn func(context.Context, syncengine.RunRequest) (syncengine.SyncResult, error)
	revoked   []string
	window    time.Duration
}

func (s *stubMutatingService) RegisterAccount(_ context.Context, reg accounts.Registration) (core.Account, error) {
	return core.Account{ID: "acct-1", Email: reg.Email, AuthType: reg.AuthType}, nil
}

func (s *stubMutatingService) DeleteAccount(context.Context, string) error { return nil }

func (s *stubMutatingService) StartAuthorization(_ context.Context, accountID string) (auth.AuthorizationStart, error) {
	return auth.AuthorizationStart{AccountID: accountID, URL: "https://login.example.com/authorize", State: "st"}, nil
}

func (s *stubMutatingService) CompleteAuthorization(context.Context, string, string) (auth.AuthResult, error) {
	return auth.AuthResult{}, nil
}

func (s *stubMutatingService) StartDeviceCode(context.Context, string) (auth.DeviceAuthorization, error) {
	return auth.DeviceAuthorization{}, nil
}

func (s *stubMutatingService) PollDeviceCode(context.Context, string) (auth.PollResult, error) {
	return auth.PollResult{Status: auth.PollPending}, nil
}

func (s *stubMutatingService) RefreshTokens(_ context.Context, window time.Duration) (tokens.RefreshSummary, error) {
	s.window = window
	return tokens.RefreshSummary{Checked: 2, Refreshed: 2}, nil
}

func (s *stubMutatingService) RevokeToken(_ context.Context, accountID string) error {
	s.revoked = append(s.revoked, accountID)
	return nil
}

func (s *stubMutatingService) RunSync(ctx context.Context, req syncengine.RunRequest) (syncengine.SyncResult, error) {
	return s.runSyncFn(ctx, req)
}

func (s *stubMutatingService) CreateSubscription(context.Context, webhooks.CreateRequest) (core.WebhookSubscription, error) {
	return core.WebhookSubscription{}, nil
}

func (s *stubMutatingService) RenewSubscriptions(context.Context) (webhooks.RenewalSummary, error) {
	return webhooks.RenewalSummary{}, nil
}

func (s *stubMutatingService) CancelSubscription(context.Context, string) error { return nil }

func TestStartAuthorizationCommand_StoresResult(t *testing.T) {
	cmd := NewStartAuthorizationCommand(&stubMutatingService{})
	collector := gocmd.NewResult[auth.AuthorizationStart]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, StartAuthorizationMessage{AccountID: "acct-1"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	result, ok := collector.Load()
	if !ok {
		t.Fatalf("expected result to be stored")
	}
	if result.AccountID != "acct-1" || result.State != "st" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestRunSyncCommand_StoresFailedRun(t *testing.T) {
	runErr := errors.New("boom")
	svc := &stubMutatingService{
		runSyncFn: func(_ context.Context, req syncengine.RunRequest) (syncengine.SyncResult, error) {
			if !req.Full {
				t.Fatalf("expected full sync request")
			}
			return syncengine.SyncResult{HistoryID: "h1", Status: core.SyncStatusFailed}, runErr
		},
	}
	cmd := NewRunSyncCommand(svc)
	collector := gocmd.NewResult[syncengine.SyncResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	err := cmd.Execute(ctx, RunSyncMessage{Request: syncengine.RunRequest{AccountID: "acct-1", Full: true}})
	if !errors.Is(err, runErr) {
		t.Fatalf("expected run error, got %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.HistoryID != "h1" {
		t.Fatalf("expected failed run to be stored, got %#v", result)
	}
}

func TestTokenCommands_DelegateToService(t *testing.T) {
	svc := &stubMutatingService{}
	if err := NewRevokeTokenCommand(svc).Execute(context.Background(), RevokeTokenMessage{AccountID: "acct-1"}); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(svc.revoked) != 1 || svc.revoked[0] != "acct-1" {
		t.Fatalf("unexpected revoke calls %v", svc.revoked)
	}

	collector := gocmd.NewResult[tokens.RefreshSummary]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := NewRefreshTokensCommand(svc).Execute(ctx, RefreshTokensMessage{Window: time.Hour}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if svc.window != time.Hour {
		t.Fatalf("expected window to be forwarded, got %s", svc.window)
	}
	if summary, ok := collector.Load(); !ok || summary.Refreshed != 2 {
		t.Fatalf("unexpected refresh summary %#v", summary)
	}
}

func TestMessages_Validate(t *testing.T) {
	valid := RegisterAccountMessage{Registration: accounts.Registration{
		Email: "user@example.com", AuthType: core.AuthTypeDeviceCode, ClientID: "client",
	}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid registration, got %v", err)
	}
	invalid := valid
	invalid.Registration.AuthType = "password"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("expected auth type validation error")
	}
	if err := (CompleteAuthorizationMessage{Code: "c"}).Validate(); err == nil {
		t.Fatalf("expected missing state to be rejected")
	}
	if err := (RefreshTokensMessage{Window: -time.Second}).Validate(); err == nil {
		t.Fatalf("expected negative window to be rejected")
	}
	if err := (CancelSubscriptionMessage{SubscriptionID: " "}).Validate(); err == nil {
		t.Fatalf("expected blank subscription id to be rejected")
	}
}

var _ MutatingService = (*stubMutatingService)(nil)
