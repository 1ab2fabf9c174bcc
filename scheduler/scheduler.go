// Package scheduler runs token refresh, account sync and subscription renewal
// on cron schedules with bounded concurrency.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-mailsync/core"
	syncengine "github.com/goliatone/go-mailsync/sync"
	"github.com/goliatone/go-mailsync/tokens"
	"github.com/goliatone/go-mailsync/webhooks"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 4

// Runner is the slice of the mailsync service the scheduler drives.
type Runner interface {
	ListAccounts(ctx context.Context) ([]core.Account, error)
	RunSync(ctx context.Context, req syncengine.RunRequest) (syncengine.SyncResult, error)
	RefreshTokens(ctx context.Context, window time.Duration) (tokens.RefreshSummary, error)
	RenewSubscriptions(ctx context.Context) (webhooks.RenewalSummary, error)
}

type SyncSummary struct {
	Accounts  int
	Succeeded int
	Failed    int
	Errors    map[string]string
}

type Scheduler struct {
	runner        Runner
	cfg           core.SchedulerConfig
	refreshWindow time.Duration
	jobTimeout    time.Duration
	observer      core.Observer

	cron *cron.Cron
	// slots bounds syncs triggered outside SyncAll, e.g. from webhooks.
	slots chan struct{}

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	running map[string]struct{}
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

func WithObserver(observer core.Observer) Option {
	return func(s *Scheduler) {
		if s == nil {
			return
		}
		s.observer = observer
	}
}

// WithRefreshWindow sets how far ahead of expiry the refresh job renews tokens.
func WithRefreshWindow(window time.Duration) Option {
	return func(s *Scheduler) {
		if s == nil || window < 0 {
			return
		}
		s.refreshWindow = window
	}
}

// WithJobTimeout caps the runtime of a single scheduled job.
func WithJobTimeout(timeout time.Duration) Option {
	return func(s *Scheduler) {
		if s == nil || timeout <= 0 {
			return
		}
		s.jobTimeout = timeout
	}
}

func NewScheduler(runner Runner, cfg core.SchedulerConfig, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, core.ConfigurationError("scheduler runner is required", nil)
	}
	if cfg.Concurrency < 0 {
		return nil, core.ConfigurationError("scheduler concurrency must not be negative", nil)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	s := &Scheduler{
		runner:        runner,
		cfg:           cfg,
		refreshWindow: 5 * time.Minute,
		jobTimeout:    30 * time.Minute,
		slots:         make(chan struct{}, cfg.Concurrency),
		running:       map[string]struct{}{},
		baseCtx:       context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.observer.Prefix == "" {
		s.observer.Prefix = "mailsync.scheduler"
	}

	logger := cronLogger{observer: s.observer}
	s.cron = cron.New(
		cron.WithParser(cron.NewParser(
			cron.SecondOptional|cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
		)),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLogger(logger),
	)
	if err := s.schedule("refresh_tokens", cfg.RefreshCron, s.refreshJob); err != nil {
		return nil, err
	}
	if err := s.schedule("sync_accounts", cfg.SyncCron, s.syncJob); err != nil {
		return nil, err
	}
	if err := s.schedule("renew_subscriptions", cfg.RenewCron, s.renewJob); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) schedule(name, spec string, job func(context.Context)) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.context(), s.jobTimeout)
		defer cancel()
		job(ctx)
	})
	if err != nil {
		return core.ConfigurationError(fmt.Sprintf("invalid %s schedule %q", name, spec), err)
	}
	return nil
}

// Jobs reports how many recurring jobs are registered.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins running scheduled jobs. Jobs observe ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.baseCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()
	s.cron.Start()
	s.observer.Info(ctx, "scheduler started", map[string]any{
		"jobs":        s.Jobs(),
		"concurrency": s.cfg.Concurrency,
	})
}

// Stop halts the cron loop and waits for running jobs and triggered syncs,
// or until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		return ctx.Err()
	}
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Scheduler) refreshJob(ctx context.Context) {
	summary, err := s.runner.RefreshTokens(ctx, s.refreshWindow)
	if err != nil {
		s.observer.Error(ctx, "scheduled token refresh failed", map[string]any{"error": err.Error()})
		return
	}
	s.observer.Info(ctx, "scheduled token refresh finished", map[string]any{
		"checked":   summary.Checked,
		"refreshed": summary.Refreshed,
		"failed":    summary.Failed,
	})
}

func (s *Scheduler) syncJob(ctx context.Context) {
	summary, err := s.SyncAll(ctx)
	if err != nil {
		s.observer.Error(ctx, "scheduled sync failed", map[string]any{"error": err.Error()})
		return
	}
	s.observer.Info(ctx, "scheduled sync finished", map[string]any{
		"accounts":  summary.Accounts,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})
}

func (s *Scheduler) renewJob(ctx context.Context) {
	summary, err := s.runner.RenewSubscriptions(ctx)
	if err != nil {
		s.observer.Error(ctx, "scheduled subscription renewal failed", map[string]any{"error": err.Error()})
		return
	}
	s.observer.Info(ctx, "scheduled subscription renewal finished", map[string]any{
		"checked":     summary.Checked,
		"renewed":     summary.Renewed,
		"deactivated": summary.Deactivated,
	})
}

// SyncAll runs an incremental sync for every active, authenticated account,
// at most cfg.Concurrency at a time. Per-account failures are collected in
// the summary.
func (s *Scheduler) SyncAll(ctx context.Context) (SyncSummary, error) {
	accounts, err := s.runner.ListAccounts(ctx)
	if err != nil {
		return SyncSummary{}, err
	}
	summary := SyncSummary{Errors: map[string]string{}}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Concurrency)
	for _, account := range accounts {
		if !syncable(account) {
			continue
		}
		summary.Accounts++
		accountID := account.ID
		group.Go(func() error {
			_, runErr := s.runner.RunSync(groupCtx, syncengine.RunRequest{AccountID: accountID})
			mu.Lock()
			defer mu.Unlock()
			if runErr != nil {
				summary.Failed++
				summary.Errors[accountID] = runErr.Error()
				return nil
			}
			summary.Succeeded++
			return nil
		})
	}
	_ = group.Wait()
	return summary, ctx.Err()
}

// TriggerSync starts a background incremental sync for one account. It
// returns false once the scheduler is stopped or when a triggered sync for
// that account is already running.
func (s *Scheduler) TriggerSync(accountID string) bool {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return false
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if _, busy := s.running[accountID]; busy {
		s.mu.Unlock()
		return false
	}
	s.running[accountID] = struct{}{}
	s.wg.Add(1)
	ctx := s.baseCtx
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, accountID)
			s.mu.Unlock()
		}()

		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-s.slots }()

		runCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
		defer cancel()
		if _, err := s.runner.RunSync(runCtx, syncengine.RunRequest{AccountID: accountID}); err != nil {
			s.observer.Warn(runCtx, "triggered sync failed", map[string]any{
				"account_id": accountID,
				"error":      err.Error(),
			})
		}
	}()
	return true
}

func syncable(account core.Account) bool {
	return account.Status == core.AccountStatusActive && account.AuthState == core.AuthStateAuthenticated
}

// cronLogger routes cron's internal logging through the observer.
type cronLogger struct {
	observer core.Observer
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.observer.Debug(context.Background(), "cron: "+msg, pairs(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := pairs(keysAndValues)
	if err != nil {
		fields["error"] = err.Error()
	}
	l.observer.Error(context.Background(), "cron: "+msg, fields)
}

func pairs(keysAndValues []any) map[string]any {
	fields := make(map[string]any, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
