package query

import (
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

const (
	TypeGetAccount        = "mailsync.query.account.get"
	TypeListAccounts      = "mailsync.query.account.list"
	TypeAuthStatus        = "mailsync.query.auth.status"
	TypeTokenStatus       = "mailsync.query.token.status"
	TypeSyncHistory       = "mailsync.query.sync.history"
	TypeListSubscriptions = "mailsync.query.subscription.list"
	TypeListMessages      = "mailsync.query.message.list"
)

type GetAccountMessage struct {
	// Account is an account id or email.
	Account string
}

func (GetAccountMessage) Type() string { return TypeGetAccount }

func (m GetAccountMessage) Validate() error {
	return requireAccount(m.Account)
}

type ListAccountsMessage struct{}

func (ListAccountsMessage) Type() string { return TypeListAccounts }

type AuthStatusMessage struct {
	AccountID string
}

func (AuthStatusMessage) Type() string { return TypeAuthStatus }

func (m AuthStatusMessage) Validate() error {
	return requireAccount(m.AccountID)
}

type TokenStatusMessage struct {
	AccountID string
}

func (TokenStatusMessage) Type() string { return TypeTokenStatus }

func (m TokenStatusMessage) Validate() error {
	return requireAccount(m.AccountID)
}

type SyncHistoryMessage struct {
	AccountID string
	// Limit defaults to the sync engine history size when zero.
	Limit int
}

func (SyncHistoryMessage) Type() string { return TypeSyncHistory }

func (m SyncHistoryMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return requireAccount(m.AccountID)
}

type ListSubscriptionsMessage struct {
	AccountID string
}

func (ListSubscriptionsMessage) Type() string { return TypeListSubscriptions }

func (m ListSubscriptionsMessage) Validate() error {
	return requireAccount(m.AccountID)
}

type ListMessagesMessage struct {
	// Account is an account id or email.
	Account string
	Offset  int
	// Limit defaults to core.DefaultMessageListLimit when zero.
	Limit int
	// Since and Until bound the received time; Until is exclusive.
	Since          time.Time
	Until          time.Time
	IncludeRemoved bool
}

func (ListMessagesMessage) Type() string { return TypeListMessages }

func (m ListMessagesMessage) Validate() error {
	if m.Offset < 0 {
		return queryValidationError("offset", "offset must be >= 0")
	}
	if m.Limit < 0 || m.Limit > core.MaxMessageListLimit {
		return queryValidationError("limit", "limit must be between 0 and 1000")
	}
	if !m.Since.IsZero() && !m.Until.IsZero() && !m.Until.After(m.Since) {
		return queryValidationError("until", "until must be after since")
	}
	return requireAccount(m.Account)
}

func (m ListMessagesMessage) Filter() core.MessageFilter {
	return core.MessageFilter{
		Offset:         m.Offset,
		Limit:          m.Limit,
		Since:          m.Since,
		Until:          m.Until,
		IncludeRemoved: m.IncludeRemoved,
	}
}

func requireAccount(value string) error {
	if strings.TrimSpace(value) == "" {
		return queryValidationError("account_id", "account id is required")
	}
	return nil
}
