// Package sync runs incremental mail synchronization for one account at a
// time, following the provider delta cursor page by page.
package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

const (
	DefaultPageSize    = 50
	DefaultCallTimeout = 30 * time.Second
	DefaultHistorySize = 20
)

// TokenSource hands out access tokens that are valid for the next call.
type TokenSource interface {
	GetValidToken(ctx context.Context, accountID string) (string, error)
}

type Dependencies struct {
	Accounts   core.AccountDirectory
	Tokens     TokenSource
	Source     core.DeltaSource
	Transform  core.MessageTransformer
	DeltaLinks core.DeltaLinkStore
	History    core.SyncHistoryStore
	Messages   core.MessageStore
	// Locker serializes work per account. Nil runs unguarded.
	Locker core.AccountLocker
}

type EngineOption func(*Engine)

func WithEngineObserver(observer core.Observer) EngineOption {
	return func(e *Engine) {
		if e == nil {
			return
		}
		e.observer = observer
	}
}

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if e == nil || now == nil {
			return
		}
		e.now = now
	}
}

func WithPageSize(size int) EngineOption {
	return func(e *Engine) {
		if e == nil || size <= 0 {
			return
		}
		e.pageSize = size
	}
}

// WithMaxPages caps the pages fetched by one run. Zero means unlimited.
func WithMaxPages(pages int) EngineOption {
	return func(e *Engine) {
		if e == nil || pages < 0 {
			return
		}
		e.maxPages = pages
	}
}

func WithRetryPolicy(policy core.RetryPolicy) EngineOption {
	return func(e *Engine) {
		if e == nil {
			return
		}
		e.retry = policy
	}
}

func WithCallTimeout(timeout time.Duration) EngineOption {
	return func(e *Engine) {
		if e == nil || timeout <= 0 {
			return
		}
		e.callTimeout = timeout
	}
}

func WithLockTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if e == nil || ttl <= 0 {
			return
		}
		e.lockTTL = ttl
	}
}

type Engine struct {
	deps        Dependencies
	observer    core.Observer
	now         func() time.Time
	pageSize    int
	maxPages    int
	retry       core.RetryPolicy
	callTimeout time.Duration
	lockTTL     time.Duration
}

func NewEngine(deps Dependencies, opts ...EngineOption) (*Engine, error) {
	switch {
	case deps.Accounts == nil:
		return nil, fmt.Errorf("sync: account directory is required")
	case deps.Tokens == nil:
		return nil, fmt.Errorf("sync: token source is required")
	case deps.Source == nil:
		return nil, fmt.Errorf("sync: delta source is required")
	case deps.Transform == nil:
		return nil, fmt.Errorf("sync: message transformer is required")
	case deps.DeltaLinks == nil:
		return nil, fmt.Errorf("sync: delta link store is required")
	case deps.History == nil:
		return nil, fmt.Errorf("sync: sync history store is required")
	case deps.Messages == nil:
		return nil, fmt.Errorf("sync: message store is required")
	}
	engine := &Engine{
		deps:        deps,
		now:         func() time.Time { return time.Now().UTC() },
		pageSize:    DefaultPageSize,
		callTimeout: DefaultCallTimeout,
		lockTTL:     core.DefaultAccountLockTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine, nil
}

type RunRequest struct {
	AccountID string
	// Full ignores the stored cursor and starts from the initial delta query.
	Full bool
}

type SyncResult struct {
	HistoryID      string
	AccountID      string
	SyncType       core.SyncType
	Status         core.SyncStatus
	ProcessedCount int
	ErrorCount     int
	ErrorMessage   string
	Pages          int
	// Cursor is the last committed cursor. Complete is false when the run
	// stopped on a next link.
	Cursor   string
	Complete bool
}

// RunSync performs one sync attempt. Every attempt that got past the lock
// leaves a terminal history entry, including cancelled ones.
func (e *Engine) RunSync(ctx context.Context, req RunRequest) (result SyncResult, err error) {
	startedAt := time.Now()
	accountID := strings.TrimSpace(req.AccountID)
	defer func() {
		e.observer.Observe(ctx, startedAt, "sync_run", err, map[string]any{
			"account_id": accountID,
			"sync_type":  string(result.SyncType),
			"status":     string(result.Status),
			"processed":  result.ProcessedCount,
			"errors":     result.ErrorCount,
			"pages":      result.Pages,
		})
	}()

	if accountID == "" {
		return SyncResult{}, core.BadInputError("account id is required", nil)
	}
	err = core.WithAccountLock(ctx, e.deps.Locker, accountID, e.lockTTL, func(ctx context.Context) error {
		var runErr error
		result, runErr = e.run(ctx, accountID, req.Full)
		return runErr
	})
	return result, err
}

// History lists the newest sync attempts first.
func (e *Engine) History(ctx context.Context, accountID string, limit int) ([]core.SyncHistory, error) {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	entries, err := e.deps.History.List(ctx, strings.TrimSpace(accountID), limit)
	if err != nil {
		return nil, core.PersistenceError("list sync history", err)
	}
	return entries, nil
}

// Messages pages through the stored mailbox copy of one account.
func (e *Engine) Messages(ctx context.Context, accountID string, filter core.MessageFilter) ([]core.Message, error) {
	accountID = strings.TrimSpace(accountID)
	if _, err := e.deps.Accounts.Get(ctx, accountID); err != nil {
		return nil, core.MapError(err)
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Until.After(filter.Since) {
		return nil, core.BadInputError("message range end must be after its start", nil)
	}
	messages, err := e.deps.Messages.List(ctx, accountID, filter.Normalize())
	if err != nil {
		return nil, core.PersistenceError("list messages", err)
	}
	return messages, nil
}

type runState struct {
	result     SyncResult
	firstError string
}

func (e *Engine) run(ctx context.Context, accountID string, full bool) (SyncResult, error) {
	if _, err := e.deps.Accounts.Get(ctx, accountID); err != nil {
		return SyncResult{}, core.MapError(err)
	}
	cursor, err := e.storedCursor(ctx, accountID, full)
	if err != nil {
		return SyncResult{}, err
	}
	syncType := core.SyncTypeFull
	if cursor != "" {
		syncType = core.SyncTypeDelta
	}
	entry, err := e.deps.History.Start(ctx, core.SyncHistory{
		AccountID: accountID,
		SyncType:  syncType,
		StartedAt: e.now(),
	})
	if err != nil {
		return SyncResult{}, core.PersistenceError("open sync history", err)
	}

	state := &runState{result: SyncResult{
		HistoryID: entry.ID,
		AccountID: accountID,
		SyncType:  syncType,
		Status:    core.SyncStatusRunning,
		Cursor:    cursor,
	}}
	runErr := e.pages(ctx, accountID, cursor, state)
	return e.finish(ctx, state, runErr)
}

func (e *Engine) storedCursor(ctx context.Context, accountID string, full bool) (string, error) {
	link, err := e.deps.DeltaLinks.Get(ctx, accountID)
	switch {
	case err == nil:
		if full {
			return "", nil
		}
		return link.Cursor, nil
	case errors.Is(err, core.ErrDeltaLinkNotFound):
		return "", nil
	default:
		return "", core.PersistenceError("load delta link", err)
	}
}

func (e *Engine) pages(ctx context.Context, accountID, cursor string, state *runState) error {
	for {
		// Cancellation only takes effect between pages.
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.maxPages > 0 && state.result.Pages >= e.maxPages {
			e.observer.Info(ctx, "sync page cap reached", map[string]any{
				"account_id": accountID,
				"pages":      state.result.Pages,
			})
			return nil
		}

		token, err := e.deps.Tokens.GetValidToken(ctx, accountID)
		if err != nil {
			return err
		}
		page, err := e.fetch(ctx, accountID, token, cursor)
		if err != nil {
			if cursor != "" && core.ProviderStatusCode(err) == http.StatusGone {
				e.resetCursor(ctx, accountID, err)
			}
			return err
		}
		if err := e.commit(context.WithoutCancel(ctx), accountID, page, state); err != nil {
			return err
		}
		if !page.HasMore() {
			return nil
		}
		cursor = page.NextLink
	}
}

func (e *Engine) fetch(ctx context.Context, accountID, token, cursor string) (core.DeltaPage, error) {
	var page core.DeltaPage
	attempts, err := e.retry.Run(ctx, func(ctx context.Context, _ int) error {
		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
		var callErr error
		page, callErr = e.deps.Source.FetchDelta(callCtx, core.DeltaRequest{
			AccountID:   accountID,
			AccessToken: token,
			Cursor:      cursor,
			PageSize:    e.pageSize,
		})
		return callErr
	})
	if err != nil {
		if attempts > 1 {
			e.observer.Warn(ctx, "delta fetch failed after retries", map[string]any{
				"account_id": accountID,
				"attempts":   attempts,
				"error":      err.Error(),
			})
		}
		return core.DeltaPage{}, core.MapError(err)
	}
	return page, nil
}

// commit stores the page and only then advances the cursor past it.
func (e *Engine) commit(ctx context.Context, accountID string, page core.DeltaPage, state *runState) error {
	messages := make([]core.Message, 0, len(page.Items))
	for _, item := range page.Items {
		message, err := e.deps.Transform(accountID, item)
		if err != nil {
			state.result.ErrorCount++
			if state.firstError == "" {
				state.firstError = fmt.Sprintf("item %s: %v", item.ID, err)
			}
			continue
		}
		messages = append(messages, message)
	}
	if _, err := e.deps.Messages.Upsert(ctx, accountID, messages); err != nil {
		return core.PersistenceError("store messages", err)
	}

	next, complete := page.NextLink, false
	if !page.HasMore() {
		next, complete = page.DeltaLink, true
	}
	if err := e.deps.DeltaLinks.Put(ctx, core.DeltaLink{
		AccountID:  accountID,
		Cursor:     next,
		Complete:   complete,
		LastSyncAt: e.now(),
	}); err != nil {
		return core.PersistenceError("store delta link", err)
	}
	state.result.ProcessedCount += len(page.Items)
	state.result.Pages++
	state.result.Cursor = next
	state.result.Complete = complete
	return nil
}

// resetCursor drops a cursor the provider no longer recognises so the next
// run starts over with a full sync.
func (e *Engine) resetCursor(ctx context.Context, accountID string, cause error) {
	if err := e.deps.DeltaLinks.Delete(context.WithoutCancel(ctx), accountID); err != nil {
		e.observer.Error(ctx, "reset delta link failed", map[string]any{
			"account_id": accountID,
			"error":      err.Error(),
		})
		return
	}
	e.observer.Warn(ctx, "delta link expired, next sync is full", map[string]any{
		"account_id":     accountID,
		"provider_error": core.ProviderErrorCode(cause),
	})
}

func (e *Engine) finish(ctx context.Context, state *runState, runErr error) (SyncResult, error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	outcome := core.SyncOutcome{
		ProcessedCount: state.result.ProcessedCount,
		ErrorCount:     state.result.ErrorCount,
		ErrorMessage:   state.firstError,
		CompletedAt:    now,
	}
	switch {
	case runErr != nil:
		outcome.Status = core.SyncStatusFailed
		outcome.ErrorMessage = runErr.Error()
	case state.result.ErrorCount > 0:
		outcome.Status = core.SyncStatusPartial
	default:
		outcome.Status = core.SyncStatusSuccess
	}
	state.result.Status = outcome.Status
	state.result.ErrorMessage = outcome.ErrorMessage

	if _, err := e.deps.History.Complete(ctx, state.result.HistoryID, outcome); err != nil {
		closeErr := core.PersistenceError("close sync history", err)
		if runErr != nil {
			e.observer.Error(ctx, "close sync history failed", map[string]any{
				"account_id": state.result.AccountID,
				"error":      err.Error(),
			})
			return state.result, runErr
		}
		return state.result, closeErr
	}
	if runErr != nil {
		return state.result, runErr
	}
	if err := e.deps.Accounts.TouchLastSync(ctx, state.result.AccountID, now); err != nil {
		return state.result, core.PersistenceError("update last sync", err)
	}
	return state.result, nil
}
