package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-mailsync/accounts"
	"github.com/goliatone/go-mailsync/adapters/gocommand"
	"github.com/goliatone/go-mailsync/auth"
	"github.com/goliatone/go-mailsync/command"
	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/query"
	syncengine "github.com/goliatone/go-mailsync/sync"
	"github.com/goliatone/go-mailsync/tokens"
	"github.com/goliatone/go-mailsync/webhooks"
)

// resolveAccount accepts an account id or email.
func resolveAccount(ctx context.Context, ref string) (core.Account, error) {
	return gocommand.Query[query.GetAccountMessage, core.Account](ctx, query.GetAccountMessage{Account: ref})
}

func newAccountCommand(flags *runtimeFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "Manage registered accounts"}

	var reg accounts.Registration
	var authType string
	add := &cobra.Command{
		Use:   "add",
		Short: "Register an account",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, _ []string) error {
			reg.AuthType = core.AuthType(strings.TrimSpace(authType))
			account, _, err := gocommand.DispatchWithResult[command.RegisterAccountMessage, core.Account](ctx,
				command.RegisterAccountMessage{Registration: reg})
			if err != nil {
				return err
			}
			return printJSON(out, account)
		}),
	}
	add.Flags().StringVar(&reg.Email, "email", "", "mailbox address")
	add.Flags().StringVar(&reg.DisplayName, "name", "", "display name")
	add.Flags().StringVar(&authType, "auth-type", string(core.AuthTypeAuthorizationCode), "authorization_code or device_code")
	add.Flags().StringVar(&reg.ClientID, "client-id", "", "Azure application (client) id")
	add.Flags().StringVar(&reg.TenantID, "tenant-id", "", "directory tenant id (defaults to common)")
	add.Flags().StringVar(&reg.RedirectURI, "redirect-uri", "", "redirect URI for the authorization code flow")
	add.Flags().StringVar(&reg.ClientSecret, "client-secret", "", "client secret for confidential apps")
	_ = add.MarkFlagRequired("email")
	_ = add.MarkFlagRequired("client-id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, _ []string) error {
			items, err := gocommand.Query[query.ListAccountsMessage, []core.Account](ctx, query.ListAccountsMessage{})
			if err != nil {
				return err
			}
			return printJSON(out, items)
		}),
	}

	show := &cobra.Command{
		Use:   "show <account>",
		Short: "Show one account by id or email",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(out, account)
		}),
	}

	del := &cobra.Command{
		Use:   "delete <account>",
		Short: "Delete an account with its tokens, history and subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer, args []string) error {
			if err := gocommand.Dispatch(ctx, command.DeleteAccountMessage{Account: args[0]}); err != nil {
				return err
			}
			a.logger.Info("account deleted", "account", args[0])
			return nil
		}),
	}

	cmd.AddCommand(add, list, show, del)
	return cmd
}

func newAuthCommand(flags *runtimeFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "Run authorization flows"}

	start := &cobra.Command{
		Use:   "start <account>",
		Short: "Print the authorization URL for an authorization code account",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			started, _, err := gocommand.DispatchWithResult[command.StartAuthorizationMessage, auth.AuthorizationStart](ctx,
				command.StartAuthorizationMessage{AccountID: account.ID})
			if err != nil {
				return err
			}
			return printJSON(out, started)
		}),
	}

	var code, state string
	complete := &cobra.Command{
		Use:   "complete",
		Short: "Exchange an authorization code returned to the redirect URI",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, _ []string) error {
			result, _, err := gocommand.DispatchWithResult[command.CompleteAuthorizationMessage, auth.AuthResult](ctx,
				command.CompleteAuthorizationMessage{Code: code, State: state})
			if err != nil {
				return err
			}
			return printJSON(out, result)
		}),
	}
	complete.Flags().StringVar(&code, "code", "", "authorization code")
	complete.Flags().StringVar(&state, "state", "", "state returned with the code")

	var wait bool
	device := &cobra.Command{
		Use:   "device <account>",
		Short: "Start the device code flow",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			grant, _, err := gocommand.DispatchWithResult[command.StartDeviceCodeMessage, auth.DeviceAuthorization](ctx,
				command.StartDeviceCodeMessage{AccountID: account.ID})
			if err != nil {
				return err
			}
			if !wait {
				return printJSON(out, grant)
			}
			fmt.Fprintln(out, grant.Message)
			result, err := waitForDevice(ctx, grant)
			if err != nil {
				return err
			}
			a.logger.Info("device authorization complete", "account_id", result.AccountID)
			return printJSON(out, result)
		}),
	}
	device.Flags().BoolVar(&wait, "wait", false, "poll until the user completes sign in")

	poll := &cobra.Command{
		Use:   "poll <device-code>",
		Short: "Poll a pending device code once",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			result, _, err := gocommand.DispatchWithResult[command.PollDeviceCodeMessage, auth.PollResult](ctx,
				command.PollDeviceCodeMessage{DeviceCode: args[0]})
			if err != nil {
				return err
			}
			return printJSON(out, result)
		}),
	}

	status := &cobra.Command{
		Use:   "status <account>",
		Short: "Show the account auth state",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			result, err := gocommand.Query[query.AuthStatusMessage, auth.AuthStatus](ctx, query.AuthStatusMessage{AccountID: account.ID})
			if err != nil {
				return err
			}
			return printJSON(out, result)
		}),
	}

	cmd.AddCommand(start, complete, device, poll, status)
	return cmd
}

// waitForDevice polls at the interval the provider asks for until the grant
// is authenticated, rejected or expired.
func waitForDevice(ctx context.Context, grant auth.DeviceAuthorization) (auth.PollResult, error) {
	if grant.ExpiresIn > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(grant.ExpiresIn)*time.Second)
		defer cancel()
	}
	interval := time.Duration(max(grant.Interval, 1)) * time.Second
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return auth.PollResult{}, ctx.Err()
		case <-timer.C:
		}
		result, _, err := gocommand.DispatchWithResult[command.PollDeviceCodeMessage, auth.PollResult](ctx,
			command.PollDeviceCodeMessage{DeviceCode: grant.DeviceCode})
		if err != nil {
			return result, err
		}
		if result.Status == auth.PollAuthenticated {
			return result, nil
		}
		if result.Interval > 0 {
			interval = time.Duration(result.Interval) * time.Second
		}
		timer.Reset(interval)
	}
}

func newTokenCommand(flags *runtimeFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Inspect and maintain stored tokens"}

	status := &cobra.Command{
		Use:   "status <account>",
		Short: "Show token expiry and claims",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			result, err := gocommand.Query[query.TokenStatusMessage, tokens.TokenStatus](ctx, query.TokenStatusMessage{AccountID: account.ID})
			if err != nil {
				return err
			}
			return printJSON(out, result)
		}),
	}

	var window time.Duration
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh every token that expires soon",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, _ []string) error {
			summary, _, err := gocommand.DispatchWithResult[command.RefreshTokensMessage, tokens.RefreshSummary](ctx,
				command.RefreshTokensMessage{Window: window})
			if err != nil {
				return err
			}
			return printJSON(out, summary)
		}),
	}
	refresh.Flags().DurationVar(&window, "window", 0, "extra look-ahead on top of the refresh margin")

	revoke := &cobra.Command{
		Use:   "revoke <account>",
		Short: "Delete the stored token and reset the account to unauthenticated",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, _ io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			if err := gocommand.Dispatch(ctx, command.RevokeTokenMessage{AccountID: account.ID}); err != nil {
				return err
			}
			a.logger.Info("token revoked", "account_id", account.ID)
			return nil
		}),
	}

	cmd.AddCommand(status, refresh, revoke)
	return cmd
}

func newSyncCommand(flags *runtimeFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Run and inspect mail syncs"}

	var full bool
	run := &cobra.Command{
		Use:   "run <account>",
		Short: "Run one sync for an account",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			result, stored, err := gocommand.DispatchWithResult[command.RunSyncMessage, syncengine.SyncResult](ctx,
				command.RunSyncMessage{Request: syncengine.RunRequest{AccountID: account.ID, Full: full}})
			if stored {
				if printErr := printJSON(out, result); printErr != nil && err == nil {
					err = printErr
				}
			}
			return err
		}),
	}
	run.Flags().BoolVar(&full, "full", false, "ignore the stored delta link and resync from scratch")

	var limit int
	history := &cobra.Command{
		Use:   "history <account>",
		Short: "Show recent sync runs",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			items, err := gocommand.Query[query.SyncHistoryMessage, []core.SyncHistory](ctx,
				query.SyncHistoryMessage{AccountID: account.ID, Limit: limit})
			if err != nil {
				return err
			}
			return printJSON(out, items)
		}),
	}
	history.Flags().IntVar(&limit, "limit", 10, "number of runs to show")

	cmd.AddCommand(run, history)
	return cmd
}

func newMailCommand(flags *runtimeFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "mail", Short: "Read synced mail"}

	var (
		offset         int
		limit          int
		since          string
		until          string
		includeRemoved bool
	)
	list := &cobra.Command{
		Use:   "list <account>",
		Short: "List stored messages, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			msg := query.ListMessagesMessage{
				Account:        args[0],
				Offset:         offset,
				Limit:          limit,
				IncludeRemoved: includeRemoved,
			}
			var err error
			if msg.Since, err = parseReceivedBound("since", since); err != nil {
				return err
			}
			if msg.Until, err = parseReceivedBound("until", until); err != nil {
				return err
			}
			items, err := gocommand.Query[query.ListMessagesMessage, []core.Message](ctx, msg)
			if err != nil {
				return err
			}
			return printJSON(out, items)
		}),
	}
	lf := list.Flags()
	lf.IntVar(&offset, "offset", 0, "number of messages to skip")
	lf.IntVar(&limit, "limit", core.DefaultMessageListLimit, "number of messages to show")
	lf.StringVar(&since, "since", "", "only messages received at or after this time (RFC3339 or YYYY-MM-DD)")
	lf.StringVar(&until, "until", "", "only messages received before this time (RFC3339 or YYYY-MM-DD)")
	lf.BoolVar(&includeRemoved, "include-removed", false, "include messages deleted in the mailbox")

	cmd.AddCommand(list)
	return cmd
}

// parseReceivedBound reads an RFC3339 timestamp or a bare UTC date.
func parseReceivedBound(flag, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, core.BadInputError(fmt.Sprintf("--%s: expected RFC3339 or YYYY-MM-DD, got %q", flag, value), err)
	}
	return ts, nil
}

func newSubscriptionCommand(flags *runtimeFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "subscription", Short: "Manage Graph change notification subscriptions"}

	var req webhooks.CreateRequest
	create := &cobra.Command{
		Use:   "create <account>",
		Short: "Create a subscription for an account mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			req.AccountID = account.ID
			sub, _, err := gocommand.DispatchWithResult[command.CreateSubscriptionMessage, core.WebhookSubscription](ctx,
				command.CreateSubscriptionMessage{Request: req})
			if err != nil {
				return err
			}
			return printJSON(out, sub)
		}),
	}
	create.Flags().StringVar(&req.Resource, "resource", "", "Graph resource (defaults to the inbox messages)")
	create.Flags().StringVar(&req.ChangeType, "change-type", "", "comma separated change types")
	create.Flags().StringVar(&req.NotificationURL, "notification-url", "", "https URL Graph posts to (defaults to webhooks.base_url)")

	renew := &cobra.Command{
		Use:   "renew",
		Short: "Renew subscriptions inside the renewal window",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, _ []string) error {
			summary, _, err := gocommand.DispatchWithResult[command.RenewSubscriptionsMessage, webhooks.RenewalSummary](ctx,
				command.RenewSubscriptionsMessage{})
			if err != nil {
				return err
			}
			return printJSON(out, summary)
		}),
	}

	cancel := &cobra.Command{
		Use:   "cancel <subscription-id>",
		Short: "Delete a subscription at the provider and deactivate it",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, _ io.Writer, args []string) error {
			if err := gocommand.Dispatch(ctx, command.CancelSubscriptionMessage{SubscriptionID: args[0]}); err != nil {
				return err
			}
			a.logger.Info("subscription cancelled", "subscription_id", args[0])
			return nil
		}),
	}

	list := &cobra.Command{
		Use:   "list <account>",
		Short: "List an account's subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, _ *app, out io.Writer, args []string) error {
			account, err := resolveAccount(ctx, args[0])
			if err != nil {
				return err
			}
			items, err := gocommand.Query[query.ListSubscriptionsMessage, []core.WebhookSubscription](ctx,
				query.ListSubscriptionsMessage{AccountID: account.ID})
			if err != nil {
				return err
			}
			return printJSON(out, items)
		}),
	}

	cmd.AddCommand(create, renew, cancel, list)
	return cmd
}
