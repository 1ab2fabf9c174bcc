package core

import (
	"errors"
	"testing"
	"time"
)

func TestAuthStateTransitions(t *testing.T) {
	allowed := [][2]AuthState{
		{AuthStateUnauthenticated, AuthStatePending},
		{AuthStatePending, AuthStateAuthenticated},
		{AuthStatePending, AuthStateFailed},
		{AuthStateAuthenticated, AuthStatePending},
		{AuthStateAuthenticated, AuthStateUnauthenticated},
		{AuthStateFailed, AuthStatePending},
		{AuthStateFailed, AuthStateUnauthenticated},
		{AuthStatePending, AuthStatePending},
	}
	for _, pair := range allowed {
		if !pair[0].CanTransitionTo(pair[1]) {
			t.Fatalf("expected %s -> %s to be allowed", pair[0], pair[1])
		}
	}

	denied := [][2]AuthState{
		{AuthStateUnauthenticated, AuthStateAuthenticated},
		{AuthStateUnauthenticated, AuthStateFailed},
		{AuthStateFailed, AuthStateAuthenticated},
		{AuthStateAuthenticated, AuthStateFailed},
	}
	for _, pair := range denied {
		if pair[0].CanTransitionTo(pair[1]) {
			t.Fatalf("expected %s -> %s to be rejected", pair[0], pair[1])
		}
	}
}

func TestAccountTransitionAuthStateDerivesStatus(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	account := Account{AuthState: AuthStateUnauthenticated, Status: AccountStatusInactive}

	if err := account.TransitionAuthState(AuthStatePending, "", now); err != nil {
		t.Fatalf("to pending: %v", err)
	}
	if account.Status != AccountStatusInactive {
		t.Fatalf("expected pending to keep status, got %s", account.Status)
	}
	if err := account.TransitionAuthState(AuthStateFailed, "access_denied", now); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if account.Status != AccountStatusError || account.LastError != "access_denied" {
		t.Fatalf("expected error status with reason, got %s %q", account.Status, account.LastError)
	}

	err := account.TransitionAuthState(AuthStateAuthenticated, "", now)
	if !errors.Is(err, ErrInvalidAuthStateTransition) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}

	_ = account.TransitionAuthState(AuthStatePending, "", now)
	if err := account.TransitionAuthState(AuthStateAuthenticated, "", now); err != nil {
		t.Fatalf("to authenticated: %v", err)
	}
	if account.Status != AccountStatusActive || account.LastError != "" {
		t.Fatalf("expected active account with cleared error, got %s %q", account.Status, account.LastError)
	}
}

func TestAccountValidateRequiresMatchingRegistration(t *testing.T) {
	device, err := NewDeviceCodeConfig("client-x", "tenant-t")
	if err != nil {
		t.Fatalf("device config: %v", err)
	}
	authCode, err := NewAuthCodeConfig("client-x", "tenant-t", "https://app.test/callback", "s3cret")
	if err != nil {
		t.Fatalf("auth code config: %v", err)
	}

	ok := Account{Email: "a@example.com", AuthType: AuthTypeDeviceCode, DeviceCode: device}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid device account: %v", err)
	}

	both := Account{Email: "a@example.com", AuthType: AuthTypeDeviceCode, DeviceCode: device, AuthCode: authCode}
	if err := both.Validate(); !errors.Is(err, ErrIncompleteAuthConfig) {
		t.Fatalf("expected both configs to be rejected, got %v", err)
	}

	missing := Account{Email: "a@example.com", AuthType: AuthTypeAuthorizationCode}
	if err := missing.Validate(); !errors.Is(err, ErrIncompleteAuthConfig) {
		t.Fatalf("expected missing auth code config to be rejected, got %v", err)
	}

	unknown := Account{Email: "a@example.com", AuthType: "password"}
	if err := unknown.Validate(); !errors.Is(err, ErrInvalidAuthType) {
		t.Fatalf("expected invalid auth type, got %v", err)
	}
}

func TestNewAuthCodeConfigRequiresEveryField(t *testing.T) {
	if _, err := NewAuthCodeConfig("client", "tenant", "https://app.test/cb", ""); !errors.Is(err, ErrIncompleteAuthConfig) {
		t.Fatalf("expected missing secret to fail, got %v", err)
	}
	if _, err := NewAuthCodeConfig("", "tenant", "https://app.test/cb", "secret"); !errors.Is(err, ErrIncompleteAuthConfig) {
		t.Fatalf("expected missing client id to fail, got %v", err)
	}
	if _, err := NewDeviceCodeConfig("client", " "); !errors.Is(err, ErrIncompleteAuthConfig) {
		t.Fatalf("expected blank tenant to fail, got %v", err)
	}
}

func TestRegistrationSecretOnlyForAuthorizationCode(t *testing.T) {
	device, _ := NewDeviceCodeConfig("client-x", "tenant-t")
	reg, err := Account{Email: "d@example.com", AuthType: AuthTypeDeviceCode, DeviceCode: device}.Registration()
	if err != nil {
		t.Fatalf("device registration: %v", err)
	}
	if secret, ok := reg.ClientSecret(); ok || secret != "" {
		t.Fatalf("expected no secret for device code registration, got %q %v", secret, ok)
	}

	authCode, _ := NewAuthCodeConfig("client-x", "tenant-t", "https://app.test/cb", "s3cret")
	reg, err = Account{Email: "c@example.com", AuthType: AuthTypeAuthorizationCode, AuthCode: authCode}.Registration()
	if err != nil {
		t.Fatalf("auth code registration: %v", err)
	}
	if secret, ok := reg.ClientSecret(); !ok || secret != "s3cret" {
		t.Fatalf("expected secret for auth code registration, got %q %v", secret, ok)
	}
}

func TestTokenSetValidateRejectsPartialTokens(t *testing.T) {
	if err := (TokenSet{ExpiresAt: time.Now()}).Validate(); !errors.Is(err, ErrInvalidTokenSet) {
		t.Fatalf("expected empty access token to fail, got %v", err)
	}
	if err := (TokenSet{AccessToken: "at"}).Validate(); !errors.Is(err, ErrInvalidTokenSet) {
		t.Fatalf("expected zero expiry to fail, got %v", err)
	}
	now := time.Now()
	set := TokenSet{AccessToken: "at", ExpiresAt: now.Add(4 * time.Minute)}
	if !set.ExpiresWithin(5*time.Minute, now) {
		t.Fatalf("expected token inside margin to need refresh")
	}
	if set.ExpiresWithin(time.Minute, now) {
		t.Fatalf("expected token outside margin to be usable")
	}
}

func TestSyncOutcomeRequiresTerminalStatus(t *testing.T) {
	err := SyncOutcome{Status: SyncStatusRunning, CompletedAt: time.Now()}.Validate()
	if !errors.Is(err, ErrInvalidSyncStatus) {
		t.Fatalf("expected running outcome to be rejected, got %v", err)
	}
	if err := (SyncOutcome{Status: SyncStatusPartial, CompletedAt: time.Now()}).Validate(); err != nil {
		t.Fatalf("expected partial outcome to be valid: %v", err)
	}
}
