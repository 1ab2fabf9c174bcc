package sqlstore

import "github.com/goliatone/go-mailsync/core"

var (
	_ core.AccountStore      = (*AccountStore)(nil)
	_ core.TokenStore        = (*TokenStore)(nil)
	_ core.DeltaLinkStore    = (*DeltaLinkStore)(nil)
	_ core.SyncHistoryStore  = (*SyncHistoryStore)(nil)
	_ core.MessageStore      = (*MessageStore)(nil)
	_ core.SubscriptionStore = (*SubscriptionStore)(nil)
)
