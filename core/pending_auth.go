package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const defaultPendingAuthTTL = 10 * time.Minute

var (
	ErrPendingAuthNotFound = errors.New("core: pending auth not found")
	ErrPendingAuthExpired  = errors.New("core: pending auth expired")
)

type pendingAuthKey struct {
	kind PendingAuthKind
	key  string
}

// MemoryPendingAuthStore keeps issued states and device codes in process.
type MemoryPendingAuthStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[pendingAuthKey]PendingAuth
}

func NewMemoryPendingAuthStore(ttl time.Duration) *MemoryPendingAuthStore {
	if ttl <= 0 {
		ttl = defaultPendingAuthTTL
	}
	return &MemoryPendingAuthStore{
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		entries: map[pendingAuthKey]PendingAuth{},
	}
}

func (s *MemoryPendingAuthStore) Save(_ context.Context, record PendingAuth) error {
	if s == nil {
		return fmt.Errorf("core: pending auth store is not configured")
	}
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

	s.mu.Lock()
	s.evictExpiredLocked(now)
	s.entries[pendingAuthKey{kind: record.Kind, key: record.Key}] = record
	s.mu.Unlock()
	return nil
}

func (s *MemoryPendingAuthStore) Consume(_ context.Context, kind PendingAuthKind, key string) (PendingAuth, error) {
	return s.lookup(kind, key, true)
}

func (s *MemoryPendingAuthStore) Peek(_ context.Context, kind PendingAuthKind, key string) (PendingAuth, error) {
	return s.lookup(kind, key, false)
}

func (s *MemoryPendingAuthStore) lookup(kind PendingAuthKind, key string, consume bool) (PendingAuth, error) {
	if s == nil {
		return PendingAuth{}, fmt.Errorf("core: pending auth store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return PendingAuth{}, fmt.Errorf("core: pending auth key is required")
	}

	id := pendingAuthKey{kind: kind, key: key}
	s.mu.Lock()
	record, ok := s.entries[id]
	if ok && consume {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return PendingAuth{}, ErrPendingAuthNotFound
	}
	if !record.ExpiresAt.IsZero() && s.now().After(record.ExpiresAt) {
		if !consume {
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
		}
		return PendingAuth{}, ErrPendingAuthExpired
	}
	return record, nil
}

func (s *MemoryPendingAuthStore) evictExpiredLocked(now time.Time) {
	for id, record := range s.entries {
		if !record.ExpiresAt.IsZero() && now.After(record.ExpiresAt) {
			delete(s.entries, id)
		}
	}
}

func (record PendingAuth) Validate() error {
	switch record.Kind {
	case PendingAuthState, PendingAuthDeviceCode:
	default:
		return fmt.Errorf("core: pending auth kind %q is invalid", record.Kind)
	}
	if strings.TrimSpace(record.Key) == "" {
		return fmt.Errorf("core: pending auth key is required")
	}
	if strings.TrimSpace(record.AccountID) == "" {
		return fmt.Errorf("core: pending auth account id is required")
	}
	return nil
}

// GenerateState returns a CSRF safe opaque state value: 32 random bytes,
// base64url encoded without padding.
func GenerateState() (string, error) {
	return randomToken(32)
}

func randomToken(size int) (string, error) {
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("core: generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// GenerateClientState returns the random clientState sent with webhook
// subscriptions.
func GenerateClientState() (string, error) {
	return randomToken(24)
}
