package redisstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/goliatone/go-mailsync/core"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client, err := NewClient(context.Background(), core.RedisConfig{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestPendingAuthStore_ConsumeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	store, err := NewPendingAuthStore(client, time.Minute)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	if err := store.Save(ctx, core.PendingAuth{
		Kind:      core.PendingAuthState,
		Key:       "state-1",
		AccountID: "acct-1",
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("mailsync:auth_state:state-1") {
		t.Fatalf("expected namespaced state key in redis")
	}
	if ttl := mr.TTL("mailsync:auth_state:state-1"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected ttl within one minute, got %s", ttl)
	}

	peeked, err := store.Peek(ctx, core.PendingAuthState, "state-1")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if peeked.AccountID != "acct-1" {
		t.Fatalf("unexpected peeked account %q", peeked.AccountID)
	}

	consumed, err := store.Consume(ctx, core.PendingAuthState, "state-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if consumed.AccountID != "acct-1" || consumed.Kind != core.PendingAuthState {
		t.Fatalf("unexpected consumed record %#v", consumed)
	}
	if _, err := store.Consume(ctx, core.PendingAuthState, "state-1"); !errors.Is(err, core.ErrPendingAuthNotFound) {
		t.Fatalf("expected replay to fail with ErrPendingAuthNotFound, got %v", err)
	}
}

func TestPendingAuthStore_ExpiresWithRedisTTL(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	store, err := NewPendingAuthStore(client, time.Minute)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Save(ctx, core.PendingAuth{
		Kind:      core.PendingAuthDeviceCode,
		Key:       "device-1",
		AccountID: "acct-1",
		Interval:  5,
		ExpiresAt: time.Now().UTC().Add(30 * time.Second),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	mr.FastForward(31 * time.Second)
	if _, err := store.Peek(ctx, core.PendingAuthDeviceCode, "device-1"); !errors.Is(err, core.ErrPendingAuthNotFound) {
		t.Fatalf("expected expired device code to be gone, got %v", err)
	}
}

func TestLocker_SerializesAccount(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	locker, err := NewLocker(client)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}
	locker.pollInterval = 5 * time.Millisecond

	handle, err := locker.Acquire(ctx, "acct-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(waitCtx, "acct-1", time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected second acquire to wait until deadline, got %v", err)
	}

	other, err := locker.Acquire(ctx, "acct-2", time.Minute)
	if err != nil {
		t.Fatalf("expected other account to lock independently: %v", err)
	}
	_ = other.Unlock(ctx)

	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if mr.Exists("mailsync:lock:account:acct-1") {
		t.Fatalf("expected lock key to be released")
	}
	again, err := locker.Acquire(ctx, "acct-1", time.Minute)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = again.Unlock(ctx)
}

func TestLocker_StaleHandleDoesNotReleaseNewHolder(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	locker, err := NewLocker(client)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}

	stale, err := locker.Acquire(ctx, "acct-1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	current, err := locker.Acquire(ctx, "acct-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire after ttl lapse: %v", err)
	}
	if err := stale.Unlock(ctx); err != nil {
		t.Fatalf("stale unlock: %v", err)
	}
	if !mr.Exists("mailsync:lock:account:acct-1") {
		t.Fatalf("expected stale unlock to leave the new holder's lock in place")
	}
	_ = current.Unlock(ctx)
}

func TestLocker_ExtendKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)
	locker, err := NewLocker(client)
	if err != nil {
		t.Fatalf("new locker: %v", err)
	}

	handle, err := locker.Acquire(ctx, "acct-1", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	extender, ok := handle.(core.LeaseExtender)
	if !ok {
		t.Fatalf("expected redis lock handle to extend its lease")
	}

	mr.FastForward(8 * time.Second)
	if err := extender.Extend(ctx, 10*time.Second); err != nil {
		t.Fatalf("extend: %v", err)
	}
	mr.FastForward(8 * time.Second)
	if !mr.Exists("mailsync:lock:account:acct-1") {
		t.Fatalf("expected extended lease to outlive the original ttl")
	}

	mr.FastForward(3 * time.Second)
	if err := extender.Extend(ctx, 10*time.Second); err == nil {
		t.Fatalf("expected extending a lapsed lease to fail")
	}
	if mr.Exists("mailsync:lock:account:acct-1") {
		t.Fatalf("a lapsed lease must not be recreated by extend")
	}
}
