package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/goliatone/go-mailsync/core"
	memorystore "github.com/goliatone/go-mailsync/store/memory"
)

type staticTokens struct{ err error }

func (s staticTokens) GetValidToken(context.Context, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "token", nil
}

type pageStep struct {
	page core.DeltaPage
	err  error
	hook func()
}

// scriptedSource serves pages keyed by cursor. An empty cursor is the
// initial delta query. Steps are consumed in order per cursor.
type scriptedSource struct {
	steps    map[string][]pageStep
	requests []core.DeltaRequest
}

func (s *scriptedSource) FetchDelta(_ context.Context, req core.DeltaRequest) (core.DeltaPage, error) {
	s.requests = append(s.requests, req)
	queue := s.steps[req.Cursor]
	if len(queue) == 0 {
		return core.DeltaPage{}, fmt.Errorf("no page scripted for cursor %q", req.Cursor)
	}
	step := queue[0]
	if len(queue) > 1 {
		s.steps[req.Cursor] = queue[1:]
	}
	if step.hook != nil {
		step.hook()
	}
	return step.page, step.err
}

func items(ids ...string) []core.DeltaItem {
	out := make([]core.DeltaItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.DeltaItem{ID: id, Raw: json.RawMessage(`{"subject":"s-` + id + `"}`)})
	}
	return out
}

func transform(accountID string, item core.DeltaItem) (core.Message, error) {
	if item.ID == "bad" {
		return core.Message{}, errors.New("malformed receivedDateTime")
	}
	var raw struct {
		Subject string `json:"subject"`
	}
	if err := json.Unmarshal(item.Raw, &raw); err != nil {
		return core.Message{}, err
	}
	return core.Message{AccountID: accountID, ProviderMessageID: item.ID, Subject: raw.Subject, Removed: item.Removed}, nil
}

type fixture struct {
	stores  *memorystore.Stores
	source  *scriptedSource
	engine  *Engine
	account core.Account
}

func newFixture(t *testing.T, source *scriptedSource, messages core.MessageStore, opts ...EngineOption) *fixture {
	t.Helper()
	stores := memorystore.New()
	cfg, err := core.NewDeviceCodeConfig("client", "tenant")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	account, err := stores.Accounts.Create(context.Background(), core.Account{
		Email: "sync@example.com", AuthType: core.AuthTypeDeviceCode, DeviceCode: cfg,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if messages == nil {
		messages = stores.Messages
	}
	opts = append([]EngineOption{
		WithPageSize(2),
		WithRetryPolicy(core.RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		}),
	}, opts...)
	engine, err := NewEngine(Dependencies{
		Accounts:   stores.Accounts,
		Tokens:     staticTokens{},
		Source:     source,
		Transform:  transform,
		DeltaLinks: stores.DeltaLinks,
		History:    stores.SyncHistory,
		Messages:   messages,
		Locker:     core.NewMemoryAccountLocker(),
	}, opts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return &fixture{stores: stores, source: source, engine: engine, account: account}
}

func threePages() map[string][]pageStep {
	return map[string][]pageStep{
		"":       {{page: core.DeltaPage{Items: items("a", "b"), NextLink: "next-1"}}},
		"next-1": {{page: core.DeltaPage{Items: items("c", "bad", "d"), NextLink: "next-2"}}},
		"next-2": {{page: core.DeltaPage{Items: items("e"), DeltaLink: "delta-3"}}},
	}
}

func (f *fixture) link(t *testing.T) core.DeltaLink {
	t.Helper()
	link, err := f.stores.DeltaLinks.Get(context.Background(), f.account.ID)
	if err != nil {
		t.Fatalf("delta link: %v", err)
	}
	return link
}

func (f *fixture) history(t *testing.T, id string) core.SyncHistory {
	t.Helper()
	entry, err := f.stores.SyncHistory.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return entry
}

func (f *fixture) messageCount(t *testing.T) int {
	t.Helper()
	count, err := f.stores.Messages.Count(context.Background(), f.account.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func TestEngine_ThreePagesWithOneBadItemIsPartial(t *testing.T) {
	f := newFixture(t, &scriptedSource{steps: threePages()}, nil)

	result, err := f.engine.RunSync(context.Background(), RunRequest{AccountID: f.account.ID})
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if result.Status != core.SyncStatusPartial || result.ProcessedCount != 6 || result.ErrorCount != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.SyncType != core.SyncTypeFull || result.Pages != 3 {
		t.Fatalf("expected full sync over 3 pages, got %+v", result)
	}

	entry := f.history(t, result.HistoryID)
	if entry.Status != core.SyncStatusPartial || entry.ProcessedCount != 6 || entry.ErrorCount != 1 || entry.CompletedAt == nil {
		t.Fatalf("unexpected history entry %+v", entry)
	}
	if entry.ErrorMessage == "" {
		t.Fatalf("expected first item error to be recorded")
	}
	link := f.link(t)
	if link.Cursor != "delta-3" || !link.Complete {
		t.Fatalf("expected final delta link, got %+v", link)
	}
	if got := f.messageCount(t); got != 5 {
		t.Fatalf("expected 5 stored messages, got %d", got)
	}
	if f.source.requests[0].PageSize != 2 || f.source.requests[0].AccessToken != "token" {
		t.Fatalf("unexpected first request %+v", f.source.requests[0])
	}
	account, _ := f.stores.Accounts.Get(context.Background(), f.account.ID)
	if account.LastSyncAt == nil {
		t.Fatalf("expected last sync time to be recorded")
	}

	f.source.steps["delta-3"] = []pageStep{{page: core.DeltaPage{Items: items("a"), DeltaLink: "delta-4"}}}
	again, err := f.engine.RunSync(context.Background(), RunRequest{AccountID: f.account.ID})
	if err != nil {
		t.Fatalf("delta run: %v", err)
	}
	if again.SyncType != core.SyncTypeDelta || again.Status != core.SyncStatusSuccess || f.link(t).Cursor != "delta-4" {
		t.Fatalf("unexpected delta run %+v", again)
	}
	if got := f.messageCount(t); got != 5 {
		t.Fatalf("expected reprocessed item not to duplicate, got %d", got)
	}

	history, err := f.engine.History(context.Background(), f.account.ID, 0)
	if err != nil || len(history) != 2 || history[0].ID != again.HistoryID {
		t.Fatalf("expected newest first history, got %+v err=%v", history, err)
	}
}

// crashingMessages fails the batch containing trigger after storing its
// first message, like a process dying mid page.
type crashingMessages struct {
	core.MessageStore
	trigger string
	crashed bool
}

func (c *crashingMessages) Upsert(ctx context.Context, accountID string, messages []core.Message) (int, error) {
	if !c.crashed {
		for _, message := range messages {
			if message.ProviderMessageID == c.trigger {
				c.crashed = true
				_, _ = c.MessageStore.Upsert(ctx, accountID, messages[:1])
				return 0, errors.New("memorystore: connection lost")
			}
		}
	}
	return c.MessageStore.Upsert(ctx, accountID, messages)
}

func TestEngine_CrashMidPageIsReplayedWithoutDuplicates(t *testing.T) {
	source := &scriptedSource{steps: threePages()}
	stores := &crashingMessages{trigger: "d"}
	f := newFixture(t, source, stores)
	stores.MessageStore = f.stores.Messages
	ctx := context.Background()

	result, err := f.engine.RunSync(ctx, RunRequest{AccountID: f.account.ID})
	if !core.IsPersistenceError(err) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if result.Status != core.SyncStatusFailed || f.history(t, result.HistoryID).Status != core.SyncStatusFailed {
		t.Fatalf("expected failed attempt, got %+v", result)
	}
	link := f.link(t)
	if link.Cursor != "next-1" || link.Complete {
		t.Fatalf("expected cursor to stay after page 1, got %+v", link)
	}

	retry, err := f.engine.RunSync(ctx, RunRequest{AccountID: f.account.ID})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Status != core.SyncStatusPartial || f.link(t).Cursor != "delta-3" {
		t.Fatalf("unexpected retry %+v", retry)
	}
	if got := f.messageCount(t); got != 5 {
		t.Fatalf("expected 5 unique messages after replay, got %d", got)
	}
}

func TestEngine_CancelBetweenPagesKeepsCommittedCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	steps := threePages()
	steps["next-1"][0].hook = cancel
	f := newFixture(t, &scriptedSource{steps: steps}, nil)

	result, err := f.engine.RunSync(ctx, RunRequest{AccountID: f.account.ID})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	entry := f.history(t, result.HistoryID)
	if entry.Status != core.SyncStatusFailed || entry.CompletedAt == nil {
		t.Fatalf("expected terminal failed entry, got %+v", entry)
	}
	if entry.ProcessedCount != 5 {
		t.Fatalf("expected the in flight page to finish, got %d processed", entry.ProcessedCount)
	}
	if link := f.link(t); link.Cursor != "next-2" || link.Complete {
		t.Fatalf("expected cursor committed after page 2, got %+v", link)
	}
	if len(f.source.requests) != 2 {
		t.Fatalf("expected no fetch after cancellation, got %d", len(f.source.requests))
	}

	// The lock was released, so a new run can proceed.
	if _, err := f.engine.RunSync(context.Background(), RunRequest{AccountID: f.account.ID}); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestEngine_TransientErrorsAreRetried(t *testing.T) {
	throttled := core.TransientProviderError(http.StatusTooManyRequests, time.Second, errors.New("throttled"))
	source := &scriptedSource{steps: map[string][]pageStep{
		"": {
			{err: throttled},
			{err: core.TransientProviderError(http.StatusServiceUnavailable, 0, errors.New("unavailable"))},
			{page: core.DeltaPage{Items: items("a"), DeltaLink: "delta-1"}},
		},
	}}
	f := newFixture(t, source, nil)

	result, err := f.engine.RunSync(context.Background(), RunRequest{AccountID: f.account.ID})
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if result.Status != core.SyncStatusSuccess || len(source.requests) != 3 {
		t.Fatalf("expected success on third attempt, got %+v after %d requests", result, len(source.requests))
	}
}

func TestEngine_RejectedRequestFailsImmediately(t *testing.T) {
	source := &scriptedSource{steps: map[string][]pageStep{
		"": {{err: core.ProviderError(http.StatusForbidden, "ErrorAccessDenied", "Access is denied.", nil)}},
	}}
	f := newFixture(t, source, nil)

	result, err := f.engine.RunSync(context.Background(), RunRequest{AccountID: f.account.ID})
	if !core.IsProviderError(err) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(source.requests) != 1 {
		t.Fatalf("expected no retry, got %d requests", len(source.requests))
	}
	if entry := f.history(t, result.HistoryID); entry.Status != core.SyncStatusFailed || entry.ErrorMessage == "" {
		t.Fatalf("expected failed entry with message, got %+v", entry)
	}
}

func TestEngine_GoneDeltaLinkIsReset(t *testing.T) {
	source := &scriptedSource{steps: map[string][]pageStep{
		"stale": {{err: core.ProviderError(http.StatusGone, "syncStateNotFound", "The sync state is not found.", nil)}},
		"":      {{page: core.DeltaPage{Items: items("a"), DeltaLink: "fresh"}}},
	}}
	f := newFixture(t, source, nil)
	ctx := context.Background()
	if err := f.stores.DeltaLinks.Put(ctx, core.DeltaLink{AccountID: f.account.ID, Cursor: "stale", Complete: true}); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	if _, err := f.engine.RunSync(ctx, RunRequest{AccountID: f.account.ID}); core.ProviderStatusCode(err) != http.StatusGone {
		t.Fatalf("expected 410 failure, got %v", err)
	}
	if _, err := f.stores.DeltaLinks.Get(ctx, f.account.ID); !errors.Is(err, core.ErrDeltaLinkNotFound) {
		t.Fatalf("expected delta link reset, got %v", err)
	}

	result, err := f.engine.RunSync(ctx, RunRequest{AccountID: f.account.ID})
	if err != nil {
		t.Fatalf("full resync: %v", err)
	}
	if result.SyncType != core.SyncTypeFull || f.link(t).Cursor != "fresh" {
		t.Fatalf("expected full resync, got %+v", result)
	}
}

func TestEngine_FullRunAndPageCap(t *testing.T) {
	f := newFixture(t, &scriptedSource{steps: threePages()}, nil, WithMaxPages(2))
	ctx := context.Background()
	if err := f.stores.DeltaLinks.Put(ctx, core.DeltaLink{AccountID: f.account.ID, Cursor: "old-delta", Complete: true}); err != nil {
		t.Fatalf("seed link: %v", err)
	}

	result, err := f.engine.RunSync(ctx, RunRequest{AccountID: f.account.ID, Full: true})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.SyncType != core.SyncTypeFull || f.source.requests[0].Cursor != "" {
		t.Fatalf("expected full run to ignore stored cursor, got %+v", result)
	}
	if result.Pages != 2 || result.Complete || result.Cursor != "next-2" {
		t.Fatalf("expected run to stop at the cap on a next link, got %+v", result)
	}
}

func TestEngine_TokenFailureClosesHistory(t *testing.T) {
	f := newFixture(t, &scriptedSource{steps: threePages()}, nil)
	f.engine.deps.Tokens = staticTokens{err: core.TokenRefreshError(f.account.ID, nil)}

	result, err := f.engine.RunSync(context.Background(), RunRequest{AccountID: f.account.ID})
	if !core.IsTokenRefreshError(err) {
		t.Fatalf("expected token refresh error, got %v", err)
	}
	if entry := f.history(t, result.HistoryID); entry.Status != core.SyncStatusFailed {
		t.Fatalf("expected failed entry, got %+v", entry)
	}
	if len(f.source.requests) != 0 {
		t.Fatalf("expected no provider call without a token")
	}
}

func TestEngine_MessagesListsStoredCopy(t *testing.T) {
	f := newFixture(t, &scriptedSource{steps: threePages()}, nil)
	ctx := context.Background()
	if _, err := f.engine.RunSync(ctx, RunRequest{AccountID: f.account.ID}); err != nil {
		t.Fatalf("run sync: %v", err)
	}

	messages, err := f.engine.Messages(ctx, f.account.ID, core.MessageFilter{Limit: 3})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 3 || messages[0].ProviderMessageID != "a" || messages[0].Subject != "s-a" {
		t.Fatalf("expected first page of undated messages by id, got %+v", messages)
	}

	if _, err := f.engine.Messages(ctx, "missing", core.MessageFilter{}); !core.IsNotFoundError(err) {
		t.Fatalf("expected unknown account to be not found, got %v", err)
	}
	now := time.Now()
	if _, err := f.engine.Messages(ctx, f.account.ID, core.MessageFilter{Since: now, Until: now.Add(-time.Hour)}); !core.IsBadInputError(err) {
		t.Fatalf("expected inverted range to be rejected, got %v", err)
	}
}
