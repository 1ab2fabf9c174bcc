package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidAuthType                 = errors.New("core: invalid auth type")
	ErrIncompleteAuthConfig            = errors.New("core: incomplete auth config")
	ErrInvalidAuthStateTransition      = errors.New("core: invalid auth state transition")
	ErrInvalidAccountStatusTransition  = errors.New("core: invalid account status transition")
	ErrInvalidSyncStatus               = errors.New("core: invalid sync status")
	ErrAccountNotFound                 = errors.New("core: account not found")
	ErrAccountExists                   = errors.New("core: account already exists")
	ErrTokenNotFound                   = errors.New("core: token not found")
	ErrDeltaLinkNotFound               = errors.New("core: delta link not found")
	ErrSubscriptionNotFound            = errors.New("core: subscription not found")
	ErrSyncHistoryNotFound             = errors.New("core: sync history not found")
	ErrSyncHistoryClosed               = errors.New("core: sync history entry already completed")
	ErrAuthStateConflict               = errors.New("core: auth state changed concurrently")
	ErrInvalidTokenSet                 = errors.New("core: invalid token set")
	ErrClientSecretNotAllowed          = errors.New("core: client secret not allowed for device code accounts")
	ErrSubscriptionClientStateMismatch = errors.New("core: subscription client state mismatch")
)

type AuthType string

const (
	AuthTypeAuthorizationCode AuthType = "authorization_code"
	AuthTypeDeviceCode        AuthType = "device_code"
)

func ParseAuthType(raw string) (AuthType, error) {
	switch AuthType(strings.TrimSpace(strings.ToLower(raw))) {
	case AuthTypeAuthorizationCode:
		return AuthTypeAuthorizationCode, nil
	case AuthTypeDeviceCode:
		return AuthTypeDeviceCode, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAuthType, raw)
	}
}

type AccountStatus string

const (
	AccountStatusInactive AccountStatus = "inactive"
	AccountStatusActive   AccountStatus = "active"
	AccountStatusError    AccountStatus = "error"
)

func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	if s == next {
		return true
	}
	allowed := map[AccountStatus]map[AccountStatus]struct{}{
		AccountStatusInactive: {
			AccountStatusActive: {},
			AccountStatusError:  {},
		},
		AccountStatusActive: {
			AccountStatusError:    {},
			AccountStatusInactive: {},
		},
		AccountStatusError: {
			AccountStatusActive:   {},
			AccountStatusInactive: {},
		},
	}
	_, ok := allowed[s][next]
	return ok
}

// AuthState is the per-account authentication state machine.
type AuthState string

const (
	AuthStateUnauthenticated AuthState = "unauthenticated"
	AuthStatePending         AuthState = "pending"
	AuthStateAuthenticated   AuthState = "authenticated"
	AuthStateFailed          AuthState = "failed"
)

func (s AuthState) CanTransitionTo(next AuthState) bool {
	if s == next {
		return true
	}
	allowed := map[AuthState]map[AuthState]struct{}{
		AuthStateUnauthenticated: {
			AuthStatePending: {},
		},
		AuthStatePending: {
			AuthStateAuthenticated: {},
			AuthStateFailed:        {},
		},
		AuthStateAuthenticated: {
			AuthStatePending:         {},
			AuthStateUnauthenticated: {},
		},
		AuthStateFailed: {
			AuthStatePending:         {},
			AuthStateUnauthenticated: {},
		},
	}
	_, ok := allowed[s][next]
	return ok
}

// Status is the account status implied by landing in this auth state.
func (s AuthState) Status() (AccountStatus, bool) {
	switch s {
	case AuthStateAuthenticated:
		return AccountStatusActive, true
	case AuthStateFailed:
		return AccountStatusError, true
	case AuthStateUnauthenticated:
		return AccountStatusInactive, true
	default:
		return "", false
	}
}

// AuthCodeConfig is the provider registration for redirect based accounts.
// Build it with NewAuthCodeConfig.
type AuthCodeConfig struct {
	ClientID     string
	TenantID     string
	RedirectURI  string
	ClientSecret string
}

func NewAuthCodeConfig(clientID, tenantID, redirectURI, clientSecret string) (*AuthCodeConfig, error) {
	cfg := &AuthCodeConfig{
		ClientID:     strings.TrimSpace(clientID),
		TenantID:     strings.TrimSpace(tenantID),
		RedirectURI:  strings.TrimSpace(redirectURI),
		ClientSecret: clientSecret,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AuthCodeConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: authorization code config missing", ErrIncompleteAuthConfig)
	}
	missing := []string{}
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		missing = append(missing, "tenant_id")
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		missing = append(missing, "redirect_uri")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrIncompleteAuthConfig, strings.Join(missing, ", "))
	}
	return nil
}

// DeviceCodeConfig is the provider registration for device code accounts. It
// has no secret: device code clients are public clients.
type DeviceCodeConfig struct {
	ClientID string
	TenantID string
}

func NewDeviceCodeConfig(clientID, tenantID string) (*DeviceCodeConfig, error) {
	cfg := &DeviceCodeConfig{
		ClientID: strings.TrimSpace(clientID),
		TenantID: strings.TrimSpace(tenantID),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *DeviceCodeConfig) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: device code config missing", ErrIncompleteAuthConfig)
	}
	if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.TenantID) == "" {
		return fmt.Errorf("%w: client_id, tenant_id required", ErrIncompleteAuthConfig)
	}
	return nil
}

type Account struct {
	ID          string
	Email       string
	DisplayName string
	AuthType    AuthType
	Status      AccountStatus
	AuthState   AuthState
	AuthCode    *AuthCodeConfig
	DeviceCode  *DeviceCodeConfig
	LastSyncAt  *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate enforces that exactly the registration matching AuthType is set.
func (a Account) Validate() error {
	if strings.TrimSpace(a.Email) == "" {
		return fmt.Errorf("core: account email is required")
	}
	switch a.AuthType {
	case AuthTypeAuthorizationCode:
		if a.DeviceCode != nil {
			return fmt.Errorf("%w: authorization code account carries device code config", ErrIncompleteAuthConfig)
		}
		return a.AuthCode.Validate()
	case AuthTypeDeviceCode:
		if a.AuthCode != nil {
			return fmt.Errorf("%w: device code account carries authorization code config", ErrIncompleteAuthConfig)
		}
		return a.DeviceCode.Validate()
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAuthType, a.AuthType)
	}
}

func (a *Account) TransitionAuthState(next AuthState, reason string, now time.Time) error {
	if a == nil {
		return nil
	}
	if !a.AuthState.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAuthStateTransition, a.AuthState, next)
	}
	a.AuthState = next
	a.UpdatedAt = now
	if status, ok := next.Status(); ok {
		a.Status = status
	}
	if strings.TrimSpace(reason) != "" {
		a.LastError = strings.TrimSpace(reason)
	}
	if next == AuthStateAuthenticated {
		a.LastError = ""
	}
	return nil
}

func (a *Account) TransitionStatus(next AccountStatus, reason string, now time.Time) error {
	if a == nil {
		return nil
	}
	if !a.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidAccountStatusTransition, a.Status, next)
	}
	a.Status = next
	a.UpdatedAt = now
	if strings.TrimSpace(reason) != "" {
		a.LastError = strings.TrimSpace(reason)
	}
	if next == AccountStatusActive {
		a.LastError = ""
	}
	return nil
}

// Registration returns the provider registration in the shape used by the
// identity client.
func (a Account) Registration() (ClientRegistration, error) {
	switch a.AuthType {
	case AuthTypeAuthorizationCode:
		if err := a.AuthCode.Validate(); err != nil {
			return ClientRegistration{}, err
		}
		return ClientRegistration{
			AuthType:    AuthTypeAuthorizationCode,
			ClientID:    a.AuthCode.ClientID,
			TenantID:    a.AuthCode.TenantID,
			RedirectURI: a.AuthCode.RedirectURI,
			secret:      a.AuthCode.ClientSecret,
			hasSecret:   true,
		}, nil
	case AuthTypeDeviceCode:
		if err := a.DeviceCode.Validate(); err != nil {
			return ClientRegistration{}, err
		}
		return ClientRegistration{
			AuthType: AuthTypeDeviceCode,
			ClientID: a.DeviceCode.ClientID,
			TenantID: a.DeviceCode.TenantID,
		}, nil
	default:
		return ClientRegistration{}, fmt.Errorf("%w: %q", ErrInvalidAuthType, a.AuthType)
	}
}

// ClientRegistration is an immutable view of the registration used to talk
// to the identity provider. The secret is only present for confidential
// clients.
type ClientRegistration struct {
	AuthType    AuthType
	ClientID    string
	TenantID    string
	RedirectURI string
	secret      string
	hasSecret   bool
}

func (r ClientRegistration) ClientSecret() (string, bool) {
	return r.secret, r.hasSecret
}

// TokenSet is a plaintext token generation. It only lives in memory.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

func (t TokenSet) Validate() error {
	if strings.TrimSpace(t.AccessToken) == "" {
		return fmt.Errorf("%w: access token is required", ErrInvalidTokenSet)
	}
	if t.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: expires_at is required", ErrInvalidTokenSet)
	}
	return nil
}

func (t TokenSet) ExpiresWithin(margin time.Duration, now time.Time) bool {
	return !t.ExpiresAt.After(now.Add(margin))
}

// StoredToken is the encrypted token record. At most one exists per account.
type StoredToken struct {
	AccountID             string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenType             string
	Scope                 string
	ExpiresAt             time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type DeltaLink struct {
	AccountID  string
	Cursor     string
	Complete   bool
	LastSyncAt time.Time
}

type SyncType string

const (
	SyncTypeFull  SyncType = "full"
	SyncTypeDelta SyncType = "delta"
)

type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

func (s SyncStatus) Terminal() bool {
	switch s {
	case SyncStatusSuccess, SyncStatusPartial, SyncStatusFailed:
		return true
	default:
		return false
	}
}

type SyncHistory struct {
	ID             string
	AccountID      string
	SyncType       SyncType
	Status         SyncStatus
	ProcessedCount int
	ErrorCount     int
	ErrorMessage   string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// SyncOutcome closes a running SyncHistory entry.
type SyncOutcome struct {
	Status         SyncStatus
	ProcessedCount int
	ErrorCount     int
	ErrorMessage   string
	CompletedAt    time.Time
}

func (o SyncOutcome) Validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("%w: %q", ErrInvalidSyncStatus, o.Status)
	}
	if o.CompletedAt.IsZero() {
		return fmt.Errorf("core: sync outcome completed_at is required")
	}
	return nil
}

type WebhookSubscription struct {
	ID              string
	AccountID       string
	SubscriptionID  string
	Resource        string
	ChangeType      string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
	IsActive        bool
	FailureCount    int
	LastError       string
	LastRenewedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	DefaultMessageListLimit = 100
	MaxMessageListLimit     = 1000
)

// MessageFilter pages through stored messages. Zero Since and Until leave
// that side of the received range open; Until is exclusive.
type MessageFilter struct {
	Offset         int
	Limit          int
	Since          time.Time
	Until          time.Time
	IncludeRemoved bool
}

// Normalize clamps paging to sane bounds.
func (f MessageFilter) Normalize() MessageFilter {
	if f.Offset < 0 {
		f.Offset = 0
	}
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultMessageListLimit
	case f.Limit > MaxMessageListLimit:
		f.Limit = MaxMessageListLimit
	}
	return f
}

// Matches reports whether message falls inside the filter's received range.
// Messages without a received time only match an unbounded range.
func (f MessageFilter) Matches(message Message) bool {
	if message.Removed && !f.IncludeRemoved {
		return false
	}
	if f.Since.IsZero() && f.Until.IsZero() {
		return true
	}
	if message.ReceivedAt == nil {
		return false
	}
	if !f.Since.IsZero() && message.ReceivedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !message.ReceivedAt.Before(f.Until) {
		return false
	}
	return true
}

type Message struct {
	AccountID         string
	ProviderMessageID string
	Subject           string
	Sender            string
	ToRecipients      []string
	CcRecipients      []string
	BccRecipients     []string
	BodyPreview       string
	Body              string
	BodyContentType   string
	Importance        string
	IsRead            bool
	HasAttachments    bool
	ReceivedAt        *time.Time
	SentAt            *time.Time
	Removed           bool
}
