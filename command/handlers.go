package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-mailsync/accounts"
	"github.com/goliatone/go-mailsync/auth"
	"github.com/goliatone/go-mailsync/core"
	syncengine "github.com/goliatone/go-mailsync/sync"
	"github.com/goliatone/go-mailsync/tokens"
	"github.com/goliatone/go-mailsync/webhooks"
)

// MutatingService is the write side of the mailsync service.
type MutatingService interface {
	RegisterAccount(ctx context.Context, reg accounts.Registration) (core.Account, error)
	DeleteAccount(ctx context.Context, account string) error
	StartAuthorization(ctx context.Context, accountID string) (auth.AuthorizationStart, error)
	CompleteAuthorization(ctx context.Context, code, state string) (auth.AuthResult, error)
	StartDeviceCode(ctx context.Context, accountID string) (auth.DeviceAuthorization, error)
	PollDeviceCode(ctx context.Context, deviceCode string) (auth.PollResult, error)
	RefreshTokens(ctx context.Context, window time.Duration) (tokens.RefreshSummary, error)
	RevokeToken(ctx context.Context, accountID string) error
	RunSync(ctx context.Context, req syncengine.RunRequest) (syncengine.SyncResult, error)
	CreateSubscription(ctx context.Context, req webhooks.CreateRequest) (core.WebhookSubscription, error)
	RenewSubscriptions(ctx context.Context) (webhooks.RenewalSummary, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

type RegisterAccountCommand struct {
	service MutatingService
}

func NewRegisterAccountCommand(service MutatingService) *RegisterAccountCommand {
	return &RegisterAccountCommand{service: service}
}

func (c *RegisterAccountCommand) Execute(ctx context.Context, msg RegisterAccountMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: account service is required")
	}
	out, err := c.service.RegisterAccount(ctx, msg.Registration)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type DeleteAccountCommand struct {
	service MutatingService
}

func NewDeleteAccountCommand(service MutatingService) *DeleteAccountCommand {
	return &DeleteAccountCommand{service: service}
}

func (c *DeleteAccountCommand) Execute(ctx context.Context, msg DeleteAccountMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: account service is required")
	}
	return c.service.DeleteAccount(ctx, msg.Account)
}

type StartAuthorizationCommand struct {
	service MutatingService
}

func NewStartAuthorizationCommand(service MutatingService) *StartAuthorizationCommand {
	return &StartAuthorizationCommand{service: service}
}

func (c *StartAuthorizationCommand) Execute(ctx context.Context, msg StartAuthorizationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: auth service is required")
	}
	out, err := c.service.StartAuthorization(ctx, msg.AccountID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CompleteAuthorizationCommand struct {
	service MutatingService
}

func NewCompleteAuthorizationCommand(service MutatingService) *CompleteAuthorizationCommand {
	return &CompleteAuthorizationCommand{service: service}
}

func (c *CompleteAuthorizationCommand) Execute(ctx context.Context, msg CompleteAuthorizationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: auth service is required")
	}
	out, err := c.service.CompleteAuthorization(ctx, msg.Code, msg.State)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type StartDeviceCodeCommand struct {
	service MutatingService
}

func NewStartDeviceCodeCommand(service MutatingService) *StartDeviceCodeCommand {
	return &StartDeviceCodeCommand{service: service}
}

func (c *StartDeviceCodeCommand) Execute(ctx context.Context, msg StartDeviceCodeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: auth service is required")
	}
	out, err := c.service.StartDeviceCode(ctx, msg.AccountID)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type PollDeviceCodeCommand struct {
	service MutatingService
}

func NewPollDeviceCodeCommand(service MutatingService) *PollDeviceCodeCommand {
	return &PollDeviceCodeCommand{service: service}
}

func (c *PollDeviceCodeCommand) Execute(ctx context.Context, msg PollDeviceCodeMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: auth service is required")
	}
	out, err := c.service.PollDeviceCode(ctx, msg.DeviceCode)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RefreshTokensCommand struct {
	service MutatingService
}

func NewRefreshTokensCommand(service MutatingService) *RefreshTokensCommand {
	return &RefreshTokensCommand{service: service}
}

func (c *RefreshTokensCommand) Execute(ctx context.Context, msg RefreshTokensMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: token service is required")
	}
	out, err := c.service.RefreshTokens(ctx, msg.Window)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeTokenCommand struct {
	service MutatingService
}

func NewRevokeTokenCommand(service MutatingService) *RevokeTokenCommand {
	return &RevokeTokenCommand{service: service}
}

func (c *RevokeTokenCommand) Execute(ctx context.Context, msg RevokeTokenMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: token service is required")
	}
	return c.service.RevokeToken(ctx, msg.AccountID)
}

type RunSyncCommand struct {
	service MutatingService
}

func NewRunSyncCommand(service MutatingService) *RunSyncCommand {
	return &RunSyncCommand{service: service}
}

// Execute stores the result even when the run failed, so callers can report
// the history entry that was closed.
func (c *RunSyncCommand) Execute(ctx context.Context, msg RunSyncMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync service is required")
	}
	out, err := c.service.RunSync(ctx, msg.Request)
	if out.HistoryID != "" {
		storeResult(ctx, out)
	}
	return err
}

type CreateSubscriptionCommand struct {
	service MutatingService
}

func NewCreateSubscriptionCommand(service MutatingService) *CreateSubscriptionCommand {
	return &CreateSubscriptionCommand{service: service}
}

func (c *CreateSubscriptionCommand) Execute(ctx context.Context, msg CreateSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: subscription service is required")
	}
	out, err := c.service.CreateSubscription(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RenewSubscriptionsCommand struct {
	service MutatingService
}

func NewRenewSubscriptionsCommand(service MutatingService) *RenewSubscriptionsCommand {
	return &RenewSubscriptionsCommand{service: service}
}

func (c *RenewSubscriptionsCommand) Execute(ctx context.Context, _ RenewSubscriptionsMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: subscription service is required")
	}
	out, err := c.service.RenewSubscriptions(ctx)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type CancelSubscriptionCommand struct {
	service MutatingService
}

func NewCancelSubscriptionCommand(service MutatingService) *CancelSubscriptionCommand {
	return &CancelSubscriptionCommand{service: service}
}

func (c *CancelSubscriptionCommand) Execute(ctx context.Context, msg CancelSubscriptionMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: subscription service is required")
	}
	return c.service.CancelSubscription(ctx, msg.SubscriptionID)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
