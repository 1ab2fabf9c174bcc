package redisstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/goliatone/go-mailsync/core"
)

const defaultLockPollInterval = 100 * time.Millisecond

// unlockScript deletes the lock only when it still carries our token, so a
// holder whose TTL lapsed cannot release someone else's lock.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker is a SETNX based core.AccountLocker shared by every process that
// talks to the same Redis.
type Locker struct {
	client       *redis.Client
	pollInterval time.Duration
}

func NewLocker(client *redis.Client) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	return &Locker{client: client, pollInterval: defaultLockPollInterval}, nil
}

func lockKey(accountID string) string {
	return key("lock", "account", accountID)
}

func (l *Locker) Acquire(ctx context.Context, accountID string, ttl time.Duration) (core.LockHandle, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("redisstore: account id is required for lock acquisition")
	}
	if ttl <= 0 {
		ttl = core.DefaultAccountLockTTL
	}
	token, err := lockToken()
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		acquired, err := l.client.SetNX(ctx, lockKey(accountID), token, ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redisstore: acquire lock: %w", err)
		}
		if acquired {
			return &lockHandle{client: l.client, key: lockKey(accountID), token: token}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

type lockHandle struct {
	client *redis.Client
	key    string
	token  string
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if err := unlockScript.Run(ctx, h.client, []string{h.key}, h.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redisstore: release lock: %w", err)
	}
	return nil
}

// Extend resets the lease to ttl while the lock still carries our token.
func (h *lockHandle) Extend(ctx context.Context, ttl time.Duration) error {
	extended, err := extendScript.Run(ctx, h.client, []string{h.key}, h.token, ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redisstore: extend lock: %w", err)
	}
	if extended == 0 {
		return fmt.Errorf("redisstore: lock %s was lost", h.key)
	}
	return nil
}

func lockToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("redisstore: generate lock token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

var (
	_ core.AccountLocker = (*Locker)(nil)
	_ core.LeaseExtender = (*lockHandle)(nil)
)
