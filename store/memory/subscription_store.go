package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-mailsync/core"
)

type SubscriptionStore struct {
	state *state
}

func (s *SubscriptionStore) Create(_ context.Context, sub core.WebhookSubscription) (core.WebhookSubscription, error) {
	if strings.TrimSpace(sub.AccountID) == "" || strings.TrimSpace(sub.SubscriptionID) == "" {
		return core.WebhookSubscription{}, fmt.Errorf("memorystore: subscription account id and subscription id are required")
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, ok := s.state.accounts[sub.AccountID]; !ok {
		return core.WebhookSubscription{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, sub.AccountID)
	}
	for _, existing := range s.state.subscriptions {
		if existing.SubscriptionID == sub.SubscriptionID {
			return core.WebhookSubscription{}, fmt.Errorf("memorystore: subscription %s already registered", sub.SubscriptionID)
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := s.state.now()
	sub.IsActive = true
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.state.subscriptions[sub.ID] = sub
	return sub, nil
}

func (s *SubscriptionStore) Get(_ context.Context, id string) (core.WebhookSubscription, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	sub, ok := s.state.subscriptions[id]
	if !ok {
		return core.WebhookSubscription{}, fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, id)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetBySubscriptionID(_ context.Context, subscriptionID string) (core.WebhookSubscription, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	for _, sub := range s.state.subscriptions {
		if sub.SubscriptionID == subscriptionID {
			return sub, nil
		}
	}
	return core.WebhookSubscription{}, fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, subscriptionID)
}

func (s *SubscriptionStore) ListByAccount(_ context.Context, accountID string) ([]core.WebhookSubscription, error) {
	return s.filter(func(sub core.WebhookSubscription) bool { return sub.AccountID == accountID }), nil
}

func (s *SubscriptionStore) ListRenewable(_ context.Context, before time.Time) ([]core.WebhookSubscription, error) {
	return s.filter(func(sub core.WebhookSubscription) bool {
		return sub.IsActive && !sub.ExpiresAt.After(before)
	}), nil
}

func (s *SubscriptionStore) MarkRenewed(_ context.Context, id string, expiresAt time.Time, at time.Time) (core.WebhookSubscription, error) {
	return s.mutate(id, func(sub *core.WebhookSubscription) {
		renewedAt := at.UTC()
		sub.ExpiresAt = expiresAt.UTC()
		sub.LastRenewedAt = &renewedAt
		sub.FailureCount = 0
		sub.LastError = ""
		sub.UpdatedAt = renewedAt
	})
}

func (s *SubscriptionStore) Deactivate(_ context.Context, id string, reason string, at time.Time) (core.WebhookSubscription, error) {
	return s.mutate(id, func(sub *core.WebhookSubscription) {
		sub.IsActive = false
		sub.FailureCount++
		sub.LastError = strings.TrimSpace(reason)
		sub.UpdatedAt = at.UTC()
	})
}

func (s *SubscriptionStore) mutate(id string, fn func(*core.WebhookSubscription)) (core.WebhookSubscription, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	sub, ok := s.state.subscriptions[id]
	if !ok {
		return core.WebhookSubscription{}, fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, id)
	}
	fn(&sub)
	s.state.subscriptions[id] = sub
	return sub, nil
}

func (s *SubscriptionStore) filter(keep func(core.WebhookSubscription) bool) []core.WebhookSubscription {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	out := []core.WebhookSubscription{}
	for _, sub := range s.state.subscriptions {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

var _ core.SubscriptionStore = (*SubscriptionStore)(nil)
