package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-mailsync/auth"
	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/tokens"
)

var (
	_ gocmd.Querier[GetAccountMessage, core.Account]                      = (*GetAccountQuery)(nil)
	_ gocmd.Querier[ListAccountsMessage, []core.Account]                  = (*ListAccountsQuery)(nil)
	_ gocmd.Querier[AuthStatusMessage, auth.AuthStatus]                   = (*AuthStatusQuery)(nil)
	_ gocmd.Querier[TokenStatusMessage, tokens.TokenStatus]               = (*TokenStatusQuery)(nil)
	_ gocmd.Querier[SyncHistoryMessage, []core.SyncHistory]               = (*SyncHistoryQuery)(nil)
	_ gocmd.Querier[ListSubscriptionsMessage, []core.WebhookSubscription] = (*ListSubscriptionsQuery)(nil)
	_ gocmd.Querier[ListMessagesMessage, []core.Message]                  = (*ListMessagesQuery)(nil)
)
