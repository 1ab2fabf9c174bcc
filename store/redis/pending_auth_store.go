package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/goliatone/go-mailsync/core"
)

const defaultPendingAuthTTL = 10 * time.Minute

// PendingAuthStore stores issued states and device codes with a Redis TTL.
// Consume uses GETDEL so a state can only be redeemed once across processes.
type PendingAuthStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

type pendingAuthPayload struct {
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	AccountID string    `json:"account_id"`
	Interval  int       `json:"interval,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewPendingAuthStore(client *redis.Client, ttl time.Duration) (*PendingAuthStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultPendingAuthTTL
	}
	return &PendingAuthStore{
		client: client,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func pendingAuthKey(kind core.PendingAuthKind, value string) string {
	return key(string(kind), strings.TrimSpace(value))
}

func (s *PendingAuthStore) Save(ctx context.Context, record core.PendingAuth) error {
	if err := record.Validate(); err != nil {
		return err
	}
	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}
	ttl := record.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return core.ErrPendingAuthExpired
	}

	payload, err := json.Marshal(pendingAuthPayload{
		Kind:      string(record.Kind),
		Key:       record.Key,
		AccountID: record.AccountID,
		Interval:  record.Interval,
		CreatedAt: record.CreatedAt.UTC(),
		ExpiresAt: record.ExpiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode pending auth: %w", err)
	}
	if err := s.client.Set(ctx, pendingAuthKey(record.Kind, record.Key), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: save pending auth: %w", err)
	}
	return nil
}

func (s *PendingAuthStore) Consume(ctx context.Context, kind core.PendingAuthKind, value string) (core.PendingAuth, error) {
	if strings.TrimSpace(value) == "" {
		return core.PendingAuth{}, fmt.Errorf("redisstore: pending auth key is required")
	}
	raw, err := s.client.GetDel(ctx, pendingAuthKey(kind, value)).Bytes()
	return s.decode(raw, err)
}

func (s *PendingAuthStore) Peek(ctx context.Context, kind core.PendingAuthKind, value string) (core.PendingAuth, error) {
	if strings.TrimSpace(value) == "" {
		return core.PendingAuth{}, fmt.Errorf("redisstore: pending auth key is required")
	}
	raw, err := s.client.Get(ctx, pendingAuthKey(kind, value)).Bytes()
	return s.decode(raw, err)
}

func (s *PendingAuthStore) decode(raw []byte, err error) (core.PendingAuth, error) {
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.PendingAuth{}, core.ErrPendingAuthNotFound
		}
		return core.PendingAuth{}, fmt.Errorf("redisstore: read pending auth: %w", err)
	}
	var payload pendingAuthPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return core.PendingAuth{}, fmt.Errorf("redisstore: decode pending auth: %w", err)
	}
	if !payload.ExpiresAt.IsZero() && s.now().After(payload.ExpiresAt) {
		return core.PendingAuth{}, core.ErrPendingAuthExpired
	}
	return core.PendingAuth{
		Kind:      core.PendingAuthKind(payload.Kind),
		Key:       payload.Key,
		AccountID: payload.AccountID,
		Interval:  payload.Interval,
		CreatedAt: payload.CreatedAt,
		ExpiresAt: payload.ExpiresAt,
	}, nil
}

var _ core.PendingAuthStore = (*PendingAuthStore)(nil)
