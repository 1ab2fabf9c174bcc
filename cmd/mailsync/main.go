// Command mailsync registers Outlook accounts, runs their authorization
// flows, syncs their mail through Graph delta queries and keeps change
// notification subscriptions alive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/scheduler"
	"github.com/goliatone/go-mailsync/transport/httpapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	flags := &runtimeFlags{}
	root := &cobra.Command{
		Use:           "mailsync",
		Short:         "Sync Outlook mailboxes through Microsoft Graph",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadEnvFiles(flags.envFiles)
		},
	}
	pf := root.PersistentFlags()
	pf.StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading MAILSYNC_* variables")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.dbDriver, "db-driver", "", "database driver (sqlite or postgres)")
	pf.StringVar(&flags.dbDSN, "db-dsn", "", "database connection string")

	root.AddCommand(
		newMigrateCommand(flags),
		newServeCommand(flags),
		newAccountCommand(flags),
		newAuthCommand(flags),
		newTokenCommand(flags),
		newSyncCommand(flags),
		newMailCommand(flags),
		newSubscriptionCommand(flags),
	)
	return root
}

// loadEnvFiles loads dotenv files without overriding variables already set.
// Missing files are skipped.
func loadEnvFiles(files []string) error {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return core.ConfigurationError("load env file "+file, err)
		}
	}
	return nil
}

// withApp bootstraps the service for one command invocation.
func withApp(flags *runtimeFlags, run func(ctx context.Context, a *app, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap(cmd.Context(), *flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd.Context(), a, cmd.OutOrStdout(), args)
	}
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newMigrateCommand(flags *runtimeFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			migrateFlags := *flags
			migrateFlags.migrate = true
			a, err := bootstrap(cmd.Context(), migrateFlags)
			if err != nil {
				return err
			}
			defer a.Close()
			a.logger.Info("migrations applied", "driver", a.cfg.Database.Driver)
			return nil
		},
	}
}

func newServeCommand(flags *runtimeFlags) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the auth callback and webhook endpoints and run scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(ctx context.Context, a *app, _ io.Writer, _ []string) error {
			return serve(ctx, a, !noScheduler)
		}),
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve HTTP only, without cron jobs")
	return cmd
}

func serve(ctx context.Context, a *app, runScheduler bool) error {
	sched, err := scheduler.NewScheduler(a.service, a.cfg.Scheduler,
		scheduler.WithObserver(core.NewObserver("scheduler", a.provider, nil, a.metrics)),
		scheduler.WithRefreshWindow(a.cfg.TokenRefreshMargin()),
	)
	if err != nil {
		return err
	}
	handler, err := httpapi.NewHandler(a.service,
		httpapi.WithSyncTrigger(sched),
		httpapi.WithObserver(core.NewObserver("http", a.provider, nil, nil)),
		httpapi.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              a.cfg.HTTP.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if runScheduler {
		sched.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler shutdown", "error", err)
	}
	return serveErr
}
