package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryAccountLockerSerializesSameAccount(t *testing.T) {
	locker := NewMemoryAccountLocker()
	ctx := context.Background()

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithAccountLock(ctx, locker, "acc-1", time.Minute, func(context.Context) error {
				current := atomic.AddInt32(&inside, 1)
				for {
					seen := atomic.LoadInt32(&maxInside)
					if current <= seen || atomic.CompareAndSwapInt32(&maxInside, seen, current) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("with lock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxInside)
	}
}

func TestMemoryAccountLockerAcquireHonoursContext(t *testing.T) {
	locker := NewMemoryAccountLocker()
	handle, err := locker.Acquire(context.Background(), "acc-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "acc-1", time.Minute); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while held, got %v", err)
	}

	other, err := locker.Acquire(context.Background(), "acc-2", time.Minute)
	if err != nil {
		t.Fatalf("expected different account to be independent: %v", err)
	}
	_ = other.Unlock(context.Background())

	_ = handle.Unlock(context.Background())
	_ = handle.Unlock(context.Background())
	again, err := locker.Acquire(context.Background(), "acc-1", time.Minute)
	if err != nil {
		t.Fatalf("expected lock to be free after unlock: %v", err)
	}
	_ = again.Unlock(context.Background())
}

type leasedLocker struct {
	extends int32
}

type leasedHandle struct {
	locker *leasedLocker
}

func (l *leasedLocker) Acquire(context.Context, string, time.Duration) (LockHandle, error) {
	return &leasedHandle{locker: l}, nil
}

func (h *leasedHandle) Unlock(context.Context) error { return nil }

func (h *leasedHandle) Extend(context.Context, time.Duration) error {
	atomic.AddInt32(&h.locker.extends, 1)
	return nil
}

func TestWithAccountLockExtendsLeaseWhileWorkRuns(t *testing.T) {
	locker := &leasedLocker{}
	err := WithAccountLock(context.Background(), locker, "acc-1", 30*time.Millisecond, func(context.Context) error {
		time.Sleep(80 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Fatalf("with lock: %v", err)
	}
	extended := atomic.LoadInt32(&locker.extends)
	if extended < 2 {
		t.Fatalf("expected the lease to be extended during the run, got %d extensions", extended)
	}

	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&locker.extends) != extended {
		t.Fatalf("lease must not be extended after the work returned")
	}
}
