package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/goliatone/go-mailsync/core"
	mailsyncmigrations "github.com/goliatone/go-mailsync/migrations"
	sqlstore "github.com/goliatone/go-mailsync/store/sql"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool {
	return false
}

func (c testPersistenceConfig) GetDriver() string {
	return c.driver
}

func (c testPersistenceConfig) GetServer() string {
	return c.server
}

func (c testPersistenceConfig) GetPingTimeout() time.Duration {
	return time.Second
}

func (c testPersistenceConfig) GetOtelIdentifier() string {
	return "go-mailsync-tests"
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{
		"service_accounts",
		"service_tokens",
		"service_delta_links",
		"service_sync_history",
		"service_messages",
		"service_webhook_subscriptions",
	} {
		var tableName string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?",
			table,
		).Scan(context.Background(), &tableName); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if tableName != table {
			t.Fatalf("expected %s table, got %q", table, tableName)
		}
	}
}

func TestAccountStore_CreateLookupAndUniqueEmail(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	accounts := factory.AccountStore()

	created, err := accounts.Create(ctx, deviceAccount("User@Example.com"))
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated account id")
	}
	if created.AuthState != core.AuthStateUnauthenticated || created.Status != core.AccountStatusInactive {
		t.Fatalf("expected unauthenticated/inactive defaults, got %s/%s", created.AuthState, created.Status)
	}

	byEmail, err := accounts.GetByEmail(ctx, "user@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if byEmail.ID != created.ID || byEmail.DeviceCode == nil || byEmail.DeviceCode.ClientID != "client-1" {
		t.Fatalf("unexpected account by email: %#v", byEmail)
	}
	if byEmail.AuthCode != nil {
		t.Fatalf("expected device code account to carry no auth code config")
	}

	if _, err := accounts.Create(ctx, deviceAccount("user@example.com")); !errors.Is(err, core.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if _, err := accounts.Get(ctx, "missing"); !errors.Is(err, core.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	list, err := accounts.List(ctx)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one account, got %d", len(list))
	}
}

func TestAccountStore_UpdateAuthStateIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	accounts := factory.AccountStore()
	account := mustCreateAccount(t, accounts, "cas@example.com")

	pending, err := accounts.UpdateAuthState(ctx, core.AuthStateUpdate{
		AccountID: account.ID,
		From:      core.AuthStateUnauthenticated,
		To:        core.AuthStatePending,
	})
	if err != nil {
		t.Fatalf("transition to pending: %v", err)
	}
	if pending.AuthState != core.AuthStatePending {
		t.Fatalf("expected pending, got %s", pending.AuthState)
	}

	_, err = accounts.UpdateAuthState(ctx, core.AuthStateUpdate{
		AccountID: account.ID,
		From:      core.AuthStateUnauthenticated,
		To:        core.AuthStatePending,
	})
	if !errors.Is(err, core.ErrAuthStateConflict) {
		t.Fatalf("expected ErrAuthStateConflict for stale from state, got %v", err)
	}

	_, err = accounts.UpdateAuthState(ctx, core.AuthStateUpdate{
		AccountID: account.ID,
		From:      core.AuthStatePending,
		To:        core.AuthStateUnauthenticated,
	})
	if !errors.Is(err, core.ErrInvalidAuthStateTransition) {
		t.Fatalf("expected ErrInvalidAuthStateTransition, got %v", err)
	}

	authenticated, err := accounts.UpdateAuthState(ctx, core.AuthStateUpdate{
		AccountID: account.ID,
		From:      core.AuthStatePending,
		To:        core.AuthStateAuthenticated,
	})
	if err != nil {
		t.Fatalf("transition to authenticated: %v", err)
	}
	if authenticated.Status != core.AccountStatusActive {
		t.Fatalf("expected active status, got %s", authenticated.Status)
	}
	stored, err := accounts.Get(ctx, account.ID)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if stored.AuthState != core.AuthStateAuthenticated || stored.Status != core.AccountStatusActive {
		t.Fatalf("expected persisted authenticated/active, got %s/%s", stored.AuthState, stored.Status)
	}
}

func TestTokenStore_PutKeepsSingleRowPerAccount(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	account := mustCreateAccount(t, factory.AccountStore(), "tokens@example.com")
	tokens := factory.TokenStore()

	first := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	if _, err := tokens.Put(ctx, core.StoredToken{
		AccountID:             account.ID,
		EncryptedAccessToken:  "cipher-access-1",
		EncryptedRefreshToken: "cipher-refresh-1",
		TokenType:             "Bearer",
		ExpiresAt:             first,
	}); err != nil {
		t.Fatalf("put first token: %v", err)
	}
	second := first.Add(time.Hour)
	stored, err := tokens.Put(ctx, core.StoredToken{
		AccountID:             account.ID,
		EncryptedAccessToken:  "cipher-access-2",
		EncryptedRefreshToken: "cipher-refresh-2",
		TokenType:             "Bearer",
		ExpiresAt:             second,
	})
	if err != nil {
		t.Fatalf("put second token: %v", err)
	}
	if stored.EncryptedAccessToken != "cipher-access-2" || !stored.ExpiresAt.Equal(second) {
		t.Fatalf("expected replaced token row, got %#v", stored)
	}

	var count int
	if err := factory.DB().NewRaw(
		"SELECT COUNT(*) FROM service_tokens WHERE account_id = ?", account.ID,
	).Scan(ctx, &count); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one token row, got %d", count)
	}

	expiring, err := tokens.ListExpiring(ctx, second.Add(time.Minute))
	if err != nil {
		t.Fatalf("list expiring: %v", err)
	}
	if len(expiring) != 1 {
		t.Fatalf("expected one expiring token, got %d", len(expiring))
	}

	deleted, err := tokens.Delete(ctx, account.ID)
	if err != nil || !deleted {
		t.Fatalf("expected delete to report a removed row, got %v %v", deleted, err)
	}
	deleted, err = tokens.Delete(ctx, account.ID)
	if err != nil || deleted {
		t.Fatalf("expected second delete to be a no-op, got %v %v", deleted, err)
	}
	if _, err := tokens.Get(ctx, account.ID); !errors.Is(err, core.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}

func TestSyncHistoryStore_CompleteIsSingleShot(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	account := mustCreateAccount(t, factory.AccountStore(), "history@example.com")
	history := factory.SyncHistoryStore()

	entry, err := history.Start(ctx, core.SyncHistory{AccountID: account.ID, SyncType: core.SyncTypeFull})
	if err != nil {
		t.Fatalf("start history: %v", err)
	}
	if entry.Status != core.SyncStatusRunning || entry.ID == "" {
		t.Fatalf("expected running entry with id, got %#v", entry)
	}

	completed, err := history.Complete(ctx, entry.ID, core.SyncOutcome{
		Status:         core.SyncStatusPartial,
		ProcessedCount: 12,
		ErrorCount:     1,
		ErrorMessage:   "bad item",
		CompletedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("complete history: %v", err)
	}
	if completed.Status != core.SyncStatusPartial || completed.ProcessedCount != 12 || completed.CompletedAt == nil {
		t.Fatalf("unexpected completed entry: %#v", completed)
	}

	_, err = history.Complete(ctx, entry.ID, core.SyncOutcome{
		Status:      core.SyncStatusSuccess,
		CompletedAt: time.Now().UTC(),
	})
	if !errors.Is(err, core.ErrSyncHistoryClosed) {
		t.Fatalf("expected ErrSyncHistoryClosed, got %v", err)
	}
	if _, err := history.Complete(ctx, "missing", core.SyncOutcome{
		Status:      core.SyncStatusSuccess,
		CompletedAt: time.Now().UTC(),
	}); !errors.Is(err, core.ErrSyncHistoryNotFound) {
		t.Fatalf("expected ErrSyncHistoryNotFound, got %v", err)
	}

	if _, err := history.Start(ctx, core.SyncHistory{
		AccountID: account.ID,
		SyncType:  core.SyncTypeDelta,
		StartedAt: time.Now().UTC().Add(time.Minute),
	}); err != nil {
		t.Fatalf("start second history: %v", err)
	}
	list, err := history.List(ctx, account.ID, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(list) != 2 || list[0].SyncType != core.SyncTypeDelta {
		t.Fatalf("expected newest first history, got %#v", list)
	}
}

func TestMessageStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	account := mustCreateAccount(t, factory.AccountStore(), "messages@example.com")
	messages := factory.MessageStore()

	page := []core.Message{
		{ProviderMessageID: "m1", Subject: "first", ToRecipients: []string{"a@example.com"}},
		{ProviderMessageID: "m2", Subject: "second"},
	}
	for i := 0; i < 2; i++ {
		if _, err := messages.Upsert(ctx, account.ID, page); err != nil {
			t.Fatalf("upsert page (pass %d): %v", i, err)
		}
	}
	count, err := messages.Count(ctx, account.ID)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 messages after replay, got %d", count)
	}

	if _, err := messages.Upsert(ctx, account.ID, []core.Message{
		{ProviderMessageID: "m1", Subject: "first, edited", IsRead: true},
		{ProviderMessageID: "m2", Removed: true},
	}); err != nil {
		t.Fatalf("upsert changes: %v", err)
	}
	m1, err := messages.Get(ctx, account.ID, "m1")
	if err != nil {
		t.Fatalf("get m1: %v", err)
	}
	if m1.Subject != "first, edited" || !m1.IsRead {
		t.Fatalf("expected m1 updated, got %#v", m1)
	}
	m2, err := messages.Get(ctx, account.ID, "m2")
	if err != nil {
		t.Fatalf("get m2: %v", err)
	}
	if !m2.Removed || m2.Subject != "second" {
		t.Fatalf("expected m2 tombstoned with content kept, got %#v", m2)
	}
}

func TestMessageStore_ListPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	account := mustCreateAccount(t, factory.AccountStore(), "list@example.com")
	other := mustCreateAccount(t, factory.AccountStore(), "other-list@example.com")
	messages := factory.MessageStore()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(hours int) *time.Time {
		ts := base.Add(time.Duration(hours) * time.Hour)
		return &ts
	}
	if _, err := messages.Upsert(ctx, account.ID, []core.Message{
		{ProviderMessageID: "m1", Subject: "oldest", ReceivedAt: at(0)},
		{ProviderMessageID: "m2", Subject: "middle", ReceivedAt: at(1)},
		{ProviderMessageID: "m3", Subject: "newest", ReceivedAt: at(2)},
		{ProviderMessageID: "m4", Subject: "undated"},
		{ProviderMessageID: "m5", Subject: "gone", ReceivedAt: at(3)},
	}); err != nil {
		t.Fatalf("upsert messages: %v", err)
	}
	if _, err := messages.Upsert(ctx, account.ID, []core.Message{{ProviderMessageID: "m5", Removed: true}}); err != nil {
		t.Fatalf("tombstone m5: %v", err)
	}
	if _, err := messages.Upsert(ctx, other.ID, []core.Message{{ProviderMessageID: "x1", ReceivedAt: at(5)}}); err != nil {
		t.Fatalf("upsert other account: %v", err)
	}

	all, err := messages.List(ctx, account.ID, core.MessageFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if got := providerIDs(all); fmt.Sprint(got) != "[m3 m2 m1 m4]" {
		t.Fatalf("expected newest first with undated last, got %v", got)
	}

	page, err := messages.List(ctx, account.ID, core.MessageFilter{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if got := providerIDs(page); fmt.Sprint(got) != "[m2 m1]" {
		t.Fatalf("expected second page [m2 m1], got %v", got)
	}

	ranged, err := messages.List(ctx, account.ID, core.MessageFilter{Since: *at(1), Until: *at(2)})
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if got := providerIDs(ranged); fmt.Sprint(got) != "[m2]" {
		t.Fatalf("expected half-open range to hold m2, got %v", got)
	}

	withRemoved, err := messages.List(ctx, account.ID, core.MessageFilter{IncludeRemoved: true, Limit: 1})
	if err != nil {
		t.Fatalf("list with removed: %v", err)
	}
	if got := providerIDs(withRemoved); fmt.Sprint(got) != "[m5]" {
		t.Fatalf("expected tombstoned m5 when removed rows are included, got %v", got)
	}
}

func providerIDs(messages []core.Message) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.ProviderMessageID)
	}
	return out
}

func TestDeleteAccountCascadesToOwnedRows(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	accounts := factory.AccountStore()
	account := mustCreateAccount(t, accounts, "cascade@example.com")

	if _, err := factory.TokenStore().Put(ctx, core.StoredToken{
		AccountID:            account.ID,
		EncryptedAccessToken: "cipher",
		ExpiresAt:            time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("put token: %v", err)
	}
	if err := factory.DeltaLinkStore().Put(ctx, core.DeltaLink{
		AccountID: account.ID,
		Cursor:    "https://graph.example/delta?token=1",
		Complete:  true,
	}); err != nil {
		t.Fatalf("put delta link: %v", err)
	}
	if _, err := factory.SubscriptionStore().Create(ctx, core.WebhookSubscription{
		AccountID:      account.ID,
		SubscriptionID: "sub-1",
		Resource:       "me/mailFolders('inbox')/messages",
		ChangeType:     "created",
		ExpiresAt:      time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	if err := accounts.Delete(ctx, account.ID); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if _, err := factory.TokenStore().Get(ctx, account.ID); !errors.Is(err, core.ErrTokenNotFound) {
		t.Fatalf("expected token to cascade, got %v", err)
	}
	if _, err := factory.DeltaLinkStore().Get(ctx, account.ID); !errors.Is(err, core.ErrDeltaLinkNotFound) {
		t.Fatalf("expected delta link to cascade, got %v", err)
	}
	if _, err := factory.SubscriptionStore().GetBySubscriptionID(ctx, "sub-1"); !errors.Is(err, core.ErrSubscriptionNotFound) {
		t.Fatalf("expected subscription to cascade, got %v", err)
	}
	if err := accounts.Delete(ctx, account.ID); !errors.Is(err, core.ErrAccountNotFound) {
		t.Fatalf("expected second delete to report not found, got %v", err)
	}
}

func TestSubscriptionStore_RenewAndDeactivate(t *testing.T) {
	ctx := context.Background()
	factory := newFactory(t)
	account := mustCreateAccount(t, factory.AccountStore(), "subs@example.com")
	subs := factory.SubscriptionStore()
	now := time.Now().UTC().Truncate(time.Second)

	soon, err := subs.Create(ctx, core.WebhookSubscription{
		AccountID:      account.ID,
		SubscriptionID: "sub-soon",
		Resource:       "me/messages",
		ChangeType:     "created",
		ClientState:    "state-1",
		ExpiresAt:      now.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create soon subscription: %v", err)
	}
	if _, err := subs.Create(ctx, core.WebhookSubscription{
		AccountID:      account.ID,
		SubscriptionID: "sub-later",
		Resource:       "me/messages",
		ChangeType:     "created",
		ExpiresAt:      now.Add(72 * time.Hour),
	}); err != nil {
		t.Fatalf("create later subscription: %v", err)
	}

	renewable, err := subs.ListRenewable(ctx, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list renewable: %v", err)
	}
	if len(renewable) != 1 || renewable[0].SubscriptionID != "sub-soon" {
		t.Fatalf("expected only sub-soon renewable, got %#v", renewable)
	}

	renewed, err := subs.MarkRenewed(ctx, soon.ID, now.Add(70*time.Hour), now)
	if err != nil {
		t.Fatalf("mark renewed: %v", err)
	}
	if !renewed.ExpiresAt.Equal(now.Add(70*time.Hour)) || renewed.LastRenewedAt == nil {
		t.Fatalf("unexpected renewed subscription: %#v", renewed)
	}

	deactivated, err := subs.Deactivate(ctx, soon.ID, "renewal rejected", now)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if deactivated.IsActive || deactivated.FailureCount != 1 || deactivated.LastError != "renewal rejected" {
		t.Fatalf("unexpected deactivated subscription: %#v", deactivated)
	}
	renewable, err = subs.ListRenewable(ctx, now.Add(100*time.Hour))
	if err != nil {
		t.Fatalf("list renewable after deactivate: %v", err)
	}
	if len(renewable) != 1 || renewable[0].SubscriptionID != "sub-later" {
		t.Fatalf("expected inactive rows to be skipped, got %#v", renewable)
	}
}

func newFactory(t *testing.T) *sqlstore.RepositoryFactory {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	t.Cleanup(cleanup)
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		t.Fatalf("new repository factory: %v", err)
	}
	return factory
}

func deviceAccount(email string) core.Account {
	return core.Account{
		Email:      email,
		AuthType:   core.AuthTypeDeviceCode,
		DeviceCode: &core.DeviceCodeConfig{ClientID: "client-1", TenantID: "tenant-1"},
	}
}

func mustCreateAccount(t *testing.T, store core.AccountStore, email string) core.Account {
	t.Helper()
	account, err := store.Create(context.Background(), deviceAccount(email))
	if err != nil {
		t.Fatalf("create account %s: %v", email, err)
	}
	return account
}

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:mailsync-test-%d?mode=memory&cache=shared&_foreign_keys=on",
		time.Now().UnixNano(),
	)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	cfg := testPersistenceConfig{
		driver: "sqlite3",
		server: dsn,
	}
	client, err := persistence.New(cfg, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	err = mailsyncmigrations.Register(ctx, "sqlite3", func(_ context.Context, _ string, fsys fs.FS) error {
		client.RegisterSQLMigrations(fsys)
		return nil
	})
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}

	return client, func() {
		_ = client.Close()
	}
}
