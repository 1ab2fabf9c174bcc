package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[RegisterAccountMessage]       = (*RegisterAccountCommand)(nil)
	_ gocmd.Commander[DeleteAccountMessage]         = (*DeleteAccountCommand)(nil)
	_ gocmd.Commander[StartAuthorizationMessage]    = (*StartAuthorizationCommand)(nil)
	_ gocmd.Commander[CompleteAuthorizationMessage] = (*CompleteAuthorizationCommand)(nil)
	_ gocmd.Commander[StartDeviceCodeMessage]       = (*StartDeviceCodeCommand)(nil)
	_ gocmd.Commander[PollDeviceCodeMessage]        = (*PollDeviceCodeCommand)(nil)
	_ gocmd.Commander[RefreshTokensMessage]         = (*RefreshTokensCommand)(nil)
	_ gocmd.Commander[RevokeTokenMessage]           = (*RevokeTokenCommand)(nil)
	_ gocmd.Commander[RunSyncMessage]               = (*RunSyncCommand)(nil)
	_ gocmd.Commander[CreateSubscriptionMessage]    = (*CreateSubscriptionCommand)(nil)
	_ gocmd.Commander[RenewSubscriptionsMessage]    = (*RenewSubscriptionsCommand)(nil)
	_ gocmd.Commander[CancelSubscriptionMessage]    = (*CancelSubscriptionCommand)(nil)
)
