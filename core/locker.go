package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const DefaultAccountLockTTL = 10 * time.Minute

// MemoryAccountLocker is an in process AccountLocker. Each account has a one
// slot semaphore, so waiters queue instead of failing.
type MemoryAccountLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryAccountLocker() *MemoryAccountLocker {
	return &MemoryAccountLocker{slots: map[string]chan struct{}{}}
}

// Acquire ignores ttl: an in process holder cannot vanish without unlocking.
func (l *MemoryAccountLocker) Acquire(ctx context.Context, accountID string, _ time.Duration) (LockHandle, error) {
	if l == nil {
		return nil, fmt.Errorf("core: account locker is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("core: account id is required for lock acquisition")
	}

	l.mu.Lock()
	slot, ok := l.slots[accountID]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[accountID] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return &memoryLockHandle{slot: slot}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memoryLockHandle struct {
	slot chan struct{}
	once sync.Once
}

func (h *memoryLockHandle) Unlock(context.Context) error {
	if h == nil {
		return nil
	}
	h.once.Do(func() {
		<-h.slot
	})
	return nil
}

// WithAccountLock runs fn while holding the account lock. A nil locker runs
// fn unguarded. Leases that can expire are extended every ttl/3 until fn
// returns, so long syncs keep their lock.
func WithAccountLock(ctx context.Context, locker AccountLocker, accountID string, ttl time.Duration, fn func(context.Context) error) error {
	if locker == nil {
		return fn(ctx)
	}
	if ttl <= 0 {
		ttl = DefaultAccountLockTTL
	}
	handle, err := locker.Acquire(ctx, accountID, ttl)
	if err != nil {
		return err
	}
	defer func() {
		_ = handle.Unlock(context.WithoutCancel(ctx))
	}()

	if extender, ok := handle.(LeaseExtender); ok {
		done := make(chan struct{})
		stopped := make(chan struct{})
		go keepLease(ctx, extender, ttl, done, stopped)
		defer func() {
			close(done)
			<-stopped
		}()
	}
	return fn(ctx)
}

func keepLease(ctx context.Context, extender LeaseExtender, ttl time.Duration, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = extender.Extend(context.WithoutCancel(ctx), ttl)
		}
	}
}
