package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-mailsync/core"
)

const accountCacheKeyPrefix = "go-mailsync::account::v1"

// CachedAccountStore serves Get from a read-through cache. Every write drops
// the cached entry so the auth state CAS always sees the stored row.
type CachedAccountStore struct {
	base  core.AccountStore
	cache repositorycache.CacheService
}

func NewCachedAccountStore(base core.AccountStore, cacheService repositorycache.CacheService) (*CachedAccountStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base account store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: account cache service is required")
	}
	return &CachedAccountStore{base: base, cache: cacheService}, nil
}

// AccountCacheKey returns go-mailsync::account::v1::<id> with the id path escaped.
func AccountCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sqlstore: account id is required")
	}
	return accountCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (s *CachedAccountStore) Get(ctx context.Context, id string) (core.Account, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Account{}, fmt.Errorf("sqlstore: cached account store is not configured")
	}
	key, err := AccountCacheKey(id)
	if err != nil {
		return core.Account{}, err
	}
	account, err := repositorycache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (core.Account, error) {
		return s.base.Get(ctx, id)
	})
	if err != nil {
		return core.Account{}, err
	}
	return cloneAccount(account), nil
}

func (s *CachedAccountStore) Create(ctx context.Context, account core.Account) (core.Account, error) {
	return s.base.Create(ctx, account)
}

func (s *CachedAccountStore) GetByEmail(ctx context.Context, email string) (core.Account, error) {
	return s.base.GetByEmail(ctx, email)
}

func (s *CachedAccountStore) List(ctx context.Context) ([]core.Account, error) {
	return s.base.List(ctx)
}

func (s *CachedAccountStore) UpdateAuthState(ctx context.Context, update core.AuthStateUpdate) (core.Account, error) {
	if err := s.invalidate(ctx, update.AccountID); err != nil {
		return core.Account{}, err
	}
	account, err := s.base.UpdateAuthState(ctx, update)
	if err != nil {
		return core.Account{}, err
	}
	return account, s.invalidate(ctx, update.AccountID)
}

func (s *CachedAccountStore) UpdateStatus(ctx context.Context, id string, status core.AccountStatus, reason string) (core.Account, error) {
	account, err := s.base.UpdateStatus(ctx, id, status, reason)
	if err != nil {
		return core.Account{}, err
	}
	return account, s.invalidate(ctx, id)
}

func (s *CachedAccountStore) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	if err := s.base.TouchLastSync(ctx, id, at); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedAccountStore) Delete(ctx context.Context, id string) error {
	if err := s.base.Delete(ctx, id); err != nil {
		return err
	}
	return s.invalidate(ctx, id)
}

func (s *CachedAccountStore) invalidate(ctx context.Context, id string) error {
	key, err := AccountCacheKey(id)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, key)
}

func cloneAccount(in core.Account) core.Account {
	out := in
	if in.AuthCode != nil {
		cfg := *in.AuthCode
		out.AuthCode = &cfg
	}
	if in.DeviceCode != nil {
		cfg := *in.DeviceCode
		out.DeviceCode = &cfg
	}
	out.LastSyncAt = cloneTimePointer(in.LastSyncAt)
	return out
}

var _ core.AccountStore = (*CachedAccountStore)(nil)
