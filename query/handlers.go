package query

import (
	"context"

	"github.com/goliatone/go-mailsync/auth"
	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/tokens"
)

type AccountReader interface {
	GetAccount(ctx context.Context, account string) (core.Account, error)
	ListAccounts(ctx context.Context) ([]core.Account, error)
}

type StatusReader interface {
	AuthStatus(ctx context.Context, accountID string) (auth.AuthStatus, error)
	TokenStatus(ctx context.Context, accountID string) (tokens.TokenStatus, error)
}

type SyncHistoryReader interface {
	SyncHistory(ctx context.Context, accountID string, limit int) ([]core.SyncHistory, error)
}

type SubscriptionReader interface {
	ListSubscriptions(ctx context.Context, accountID string) ([]core.WebhookSubscription, error)
}

type MessageReader interface {
	ListMessages(ctx context.Context, account string, filter core.MessageFilter) ([]core.Message, error)
}

type GetAccountQuery struct {
	reader AccountReader
}

func NewGetAccountQuery(reader AccountReader) *GetAccountQuery {
	return &GetAccountQuery{reader: reader}
}

func (q *GetAccountQuery) Query(ctx context.Context, msg GetAccountMessage) (core.Account, error) {
	if q == nil || q.reader == nil {
		return core.Account{}, queryDependencyError("query: account reader is required")
	}
	return q.reader.GetAccount(ctx, msg.Account)
}

type ListAccountsQuery struct {
	reader AccountReader
}

func NewListAccountsQuery(reader AccountReader) *ListAccountsQuery {
	return &ListAccountsQuery{reader: reader}
}

func (q *ListAccountsQuery) Query(ctx context.Context, _ ListAccountsMessage) ([]core.Account, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: account reader is required")
	}
	return q.reader.ListAccounts(ctx)
}

type AuthStatusQuery struct {
	reader StatusReader
}

func NewAuthStatusQuery(reader StatusReader) *AuthStatusQuery {
	return &AuthStatusQuery{reader: reader}
}

func (q *AuthStatusQuery) Query(ctx context.Context, msg AuthStatusMessage) (auth.AuthStatus, error) {
	if q == nil || q.reader == nil {
		return auth.AuthStatus{}, queryDependencyError("query: status reader is required")
	}
	return q.reader.AuthStatus(ctx, msg.AccountID)
}

type TokenStatusQuery struct {
	reader StatusReader
}

func NewTokenStatusQuery(reader StatusReader) *TokenStatusQuery {
	return &TokenStatusQuery{reader: reader}
}

func (q *TokenStatusQuery) Query(ctx context.Context, msg TokenStatusMessage) (tokens.TokenStatus, error) {
	if q == nil || q.reader == nil {
		return tokens.TokenStatus{}, queryDependencyError("query: status reader is required")
	}
	return q.reader.TokenStatus(ctx, msg.AccountID)
}

type SyncHistoryQuery struct {
	reader SyncHistoryReader
}

func NewSyncHistoryQuery(reader SyncHistoryReader) *SyncHistoryQuery {
	return &SyncHistoryQuery{reader: reader}
}

func (q *SyncHistoryQuery) Query(ctx context.Context, msg SyncHistoryMessage) ([]core.SyncHistory, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: sync history reader is required")
	}
	return q.reader.SyncHistory(ctx, msg.AccountID, msg.Limit)
}

type ListSubscriptionsQuery struct {
	reader SubscriptionReader
}

func NewListSubscriptionsQuery(reader SubscriptionReader) *ListSubscriptionsQuery {
	return &ListSubscriptionsQuery{reader: reader}
}

func (q *ListSubscriptionsQuery) Query(ctx context.Context, msg ListSubscriptionsMessage) ([]core.WebhookSubscription, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: subscription reader is required")
	}
	return q.reader.ListSubscriptions(ctx, msg.AccountID)
}

type ListMessagesQuery struct {
	reader MessageReader
}

func NewListMessagesQuery(reader MessageReader) *ListMessagesQuery {
	return &ListMessagesQuery{reader: reader}
}

func (q *ListMessagesQuery) Query(ctx context.Context, msg ListMessagesMessage) ([]core.Message, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: message reader is required")
	}
	return q.reader.ListMessages(ctx, msg.Account, msg.Filter())
}
