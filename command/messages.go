package command

import (
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/accounts"
	"github.com/goliatone/go-mailsync/core"
	syncengine "github.com/goliatone/go-mailsync/sync"
	"github.com/goliatone/go-mailsync/webhooks"
)

const (
	TypeRegisterAccount    = "mailsync.command.account.register"
	TypeDeleteAccount      = "mailsync.command.account.delete"
	TypeStartAuthorization = "mailsync.command.auth.start"
	TypeCompleteAuth       = "mailsync.command.auth.complete"
	TypeStartDeviceCode    = "mailsync.command.auth.device.start"
	TypePollDeviceCode     = "mailsync.command.auth.device.poll"
	TypeRefreshTokens      = "mailsync.command.token.refresh"
	TypeRevokeToken        = "mailsync.command.token.revoke"
	TypeRunSync            = "mailsync.command.sync.run"
	TypeCreateSubscription = "mailsync.command.subscription.create"
	TypeRenewSubscriptions = "mailsync.command.subscription.renew"
	TypeCancelSubscription = "mailsync.command.subscription.cancel"
)

type RegisterAccountMessage struct {
	Registration accounts.Registration
}

func (RegisterAccountMessage) Type() string { return TypeRegisterAccount }

func (m RegisterAccountMessage) Validate() error {
	if strings.TrimSpace(m.Registration.Email) == "" {
		return commandValidationError("email", "email is required")
	}
	switch m.Registration.AuthType {
	case core.AuthTypeAuthorizationCode, core.AuthTypeDeviceCode:
	default:
		return commandValidationError("auth_type", "auth type must be authorization_code or device_code")
	}
	if strings.TrimSpace(m.Registration.ClientID) == "" {
		return commandValidationError("client_id", "client id is required")
	}
	return nil
}

type DeleteAccountMessage struct {
	// Account is an account id or email.
	Account string
}

func (DeleteAccountMessage) Type() string { return TypeDeleteAccount }

func (m DeleteAccountMessage) Validate() error {
	return requireAccount(m.Account)
}

type StartAuthorizationMessage struct {
	AccountID string
}

func (StartAuthorizationMessage) Type() string { return TypeStartAuthorization }

func (m StartAuthorizationMessage) Validate() error {
	return requireAccount(m.AccountID)
}

type CompleteAuthorizationMessage struct {
	Code  string
	State string
}

func (CompleteAuthorizationMessage) Type() string { return TypeCompleteAuth }

func (m CompleteAuthorizationMessage) Validate() error {
	if strings.TrimSpace(m.Code) == "" {
		return commandValidationError("code", "authorization code is required")
	}
	if strings.TrimSpace(m.State) == "" {
		return commandValidationError("state", "state is required")
	}
	return nil
}

type StartDeviceCodeMessage struct {
	AccountID string
}

func (StartDeviceCodeMessage) Type() string { return TypeStartDeviceCode }

func (m StartDeviceCodeMessage) Validate() error {
	return requireAccount(m.AccountID)
}

type PollDeviceCodeMessage struct {
	DeviceCode string
}

func (PollDeviceCodeMessage) Type() string { return TypePollDeviceCode }

func (m PollDeviceCodeMessage) Validate() error {
	if strings.TrimSpace(m.DeviceCode) == "" {
		return commandValidationError("device_code", "device code is required")
	}
	return nil
}

type RefreshTokensMessage struct {
	// Window widens the refresh margin. Zero uses the margin alone.
	Window time.Duration
}

func (RefreshTokensMessage) Type() string { return TypeRefreshTokens }

func (m RefreshTokensMessage) Validate() error {
	if m.Window < 0 {
		return commandValidationError("window", "window must be >= 0")
	}
	return nil
}

type RevokeTokenMessage struct {
	AccountID string
}

func (RevokeTokenMessage) Type() string { return TypeRevokeToken }

func (m RevokeTokenMessage) Validate() error {
	return requireAccount(m.AccountID)
}

type RunSyncMessage struct {
	Request syncengine.RunRequest
}

func (RunSyncMessage) Type() string { return TypeRunSync }

func (m RunSyncMessage) Validate() error {
	return requireAccount(m.Request.AccountID)
}

type CreateSubscriptionMessage struct {
	Request webhooks.CreateRequest
}

func (CreateSubscriptionMessage) Type() string { return TypeCreateSubscription }

func (m CreateSubscriptionMessage) Validate() error {
	return requireAccount(m.Request.AccountID)
}

type RenewSubscriptionsMessage struct{}

func (RenewSubscriptionsMessage) Type() string { return TypeRenewSubscriptions }

type CancelSubscriptionMessage struct {
	SubscriptionID string
}

func (CancelSubscriptionMessage) Type() string { return TypeCancelSubscription }

func (m CancelSubscriptionMessage) Validate() error {
	if strings.TrimSpace(m.SubscriptionID) == "" {
		return commandValidationError("subscription_id", "subscription id is required")
	}
	return nil
}

func requireAccount(value string) error {
	if strings.TrimSpace(value) == "" {
		return commandValidationError("account_id", "account id is required")
	}
	return nil
}
