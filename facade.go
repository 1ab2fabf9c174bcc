package mailsync

import (
	"fmt"

	mailsynccommand "github.com/goliatone/go-mailsync/command"
	mailsyncquery "github.com/goliatone/go-mailsync/query"
)

type CommandQueryService interface {
	mailsynccommand.MutatingService
	mailsyncquery.AccountReader
	mailsyncquery.StatusReader
	mailsyncquery.SyncHistoryReader
	mailsyncquery.SubscriptionReader
	mailsyncquery.MessageReader
}

type Commands struct {
	RegisterAccount       *mailsynccommand.RegisterAccountCommand
	DeleteAccount         *mailsynccommand.DeleteAccountCommand
	StartAuthorization    *mailsynccommand.StartAuthorizationCommand
	CompleteAuthorization *mailsynccommand.CompleteAuthorizationCommand
	StartDeviceCode       *mailsynccommand.StartDeviceCodeCommand
	PollDeviceCode        *mailsynccommand.PollDeviceCodeCommand
	RefreshTokens         *mailsynccommand.RefreshTokensCommand
	RevokeToken           *mailsynccommand.RevokeTokenCommand
	RunSync               *mailsynccommand.RunSyncCommand
	CreateSubscription    *mailsynccommand.CreateSubscriptionCommand
	RenewSubscriptions    *mailsynccommand.RenewSubscriptionsCommand
	CancelSubscription    *mailsynccommand.CancelSubscriptionCommand
}

type Queries struct {
	GetAccount        *mailsyncquery.GetAccountQuery
	ListAccounts      *mailsyncquery.ListAccountsQuery
	AuthStatus        *mailsyncquery.AuthStatusQuery
	TokenStatus       *mailsyncquery.TokenStatusQuery
	SyncHistory       *mailsyncquery.SyncHistoryQuery
	ListSubscriptions *mailsyncquery.ListSubscriptionsQuery
	ListMessages      *mailsyncquery.ListMessagesQuery
}

// Facade exposes the service as go-command commanders and queriers.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("mailsync: command/query service is required")
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		RegisterAccount:       mailsynccommand.NewRegisterAccountCommand(service),
		DeleteAccount:         mailsynccommand.NewDeleteAccountCommand(service),
		StartAuthorization:    mailsynccommand.NewStartAuthorizationCommand(service),
		CompleteAuthorization: mailsynccommand.NewCompleteAuthorizationCommand(service),
		StartDeviceCode:       mailsynccommand.NewStartDeviceCodeCommand(service),
		PollDeviceCode:        mailsynccommand.NewPollDeviceCodeCommand(service),
		RefreshTokens:         mailsynccommand.NewRefreshTokensCommand(service),
		RevokeToken:           mailsynccommand.NewRevokeTokenCommand(service),
		RunSync:               mailsynccommand.NewRunSyncCommand(service),
		CreateSubscription:    mailsynccommand.NewCreateSubscriptionCommand(service),
		RenewSubscriptions:    mailsynccommand.NewRenewSubscriptionsCommand(service),
		CancelSubscription:    mailsynccommand.NewCancelSubscriptionCommand(service),
	}
	facade.queries = Queries{
		GetAccount:        mailsyncquery.NewGetAccountQuery(service),
		ListAccounts:      mailsyncquery.NewListAccountsQuery(service),
		AuthStatus:        mailsyncquery.NewAuthStatusQuery(service),
		TokenStatus:       mailsyncquery.NewTokenStatusQuery(service),
		SyncHistory:       mailsyncquery.NewSyncHistoryQuery(service),
		ListSubscriptions: mailsyncquery.NewListSubscriptionsQuery(service),
		ListMessages:      mailsyncquery.NewListMessagesQuery(service),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

var _ CommandQueryService = (*Service)(nil)
