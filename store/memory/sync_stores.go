package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/goliatone/go-mailsync/core"
)

type DeltaLinkStore struct {
	state *state
}

func (s *DeltaLinkStore) Get(_ context.Context, accountID string) (core.DeltaLink, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	link, ok := s.state.deltaLinks[accountID]
	if !ok {
		return core.DeltaLink{}, fmt.Errorf("%w: %s", core.ErrDeltaLinkNotFound, accountID)
	}
	return link, nil
}

func (s *DeltaLinkStore) Put(_ context.Context, link core.DeltaLink) error {
	if strings.TrimSpace(link.AccountID) == "" || strings.TrimSpace(link.Cursor) == "" {
		return fmt.Errorf("memorystore: delta link account id and cursor are required")
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, ok := s.state.accounts[link.AccountID]; !ok {
		return fmt.Errorf("%w: %s", core.ErrAccountNotFound, link.AccountID)
	}
	if link.LastSyncAt.IsZero() {
		link.LastSyncAt = s.state.now()
	}
	s.state.deltaLinks[link.AccountID] = link
	return nil
}

func (s *DeltaLinkStore) Delete(_ context.Context, accountID string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	delete(s.state.deltaLinks, accountID)
	return nil
}

type SyncHistoryStore struct {
	state *state
}

func (s *SyncHistoryStore) Start(_ context.Context, entry core.SyncHistory) (core.SyncHistory, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, ok := s.state.accounts[entry.AccountID]; !ok {
		return core.SyncHistory{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, entry.AccountID)
	}
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = s.state.now()
	}
	entry.Status = core.SyncStatusRunning
	entry.CompletedAt = nil
	s.state.history[entry.ID] = entry
	return entry, nil
}

func (s *SyncHistoryStore) Complete(_ context.Context, id string, outcome core.SyncOutcome) (core.SyncHistory, error) {
	if err := outcome.Validate(); err != nil {
		return core.SyncHistory{}, err
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	entry, ok := s.state.history[id]
	if !ok {
		return core.SyncHistory{}, fmt.Errorf("%w: %s", core.ErrSyncHistoryNotFound, id)
	}
	if entry.CompletedAt != nil {
		return core.SyncHistory{}, fmt.Errorf("%w: %s", core.ErrSyncHistoryClosed, id)
	}
	completedAt := outcome.CompletedAt.UTC()
	entry.Status = outcome.Status
	entry.ProcessedCount = outcome.ProcessedCount
	entry.ErrorCount = outcome.ErrorCount
	entry.ErrorMessage = outcome.ErrorMessage
	entry.CompletedAt = &completedAt
	s.state.history[id] = entry
	return entry, nil
}

func (s *SyncHistoryStore) Get(_ context.Context, id string) (core.SyncHistory, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	entry, ok := s.state.history[id]
	if !ok {
		return core.SyncHistory{}, fmt.Errorf("%w: %s", core.ErrSyncHistoryNotFound, id)
	}
	return entry, nil
}

func (s *SyncHistoryStore) List(_ context.Context, accountID string, limit int) ([]core.SyncHistory, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	out := []core.SyncHistory{}
	for _, entry := range s.state.history {
		if entry.AccountID == accountID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type MessageStore struct {
	state *state
}

func (s *MessageStore) Upsert(_ context.Context, accountID string, messages []core.Message) (int, error) {
	if len(messages) == 0 {
		return 0, nil
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, ok := s.state.accounts[accountID]; !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrAccountNotFound, accountID)
	}
	for _, message := range messages {
		if strings.TrimSpace(message.ProviderMessageID) == "" {
			return 0, fmt.Errorf("memorystore: provider message id is required")
		}
	}
	byID, ok := s.state.messages[accountID]
	if !ok {
		byID = map[string]core.Message{}
		s.state.messages[accountID] = byID
	}
	for _, message := range messages {
		message.AccountID = accountID
		if message.Removed {
			if existing, ok := byID[message.ProviderMessageID]; ok {
				existing.Removed = true
				byID[message.ProviderMessageID] = existing
				continue
			}
		}
		byID[message.ProviderMessageID] = cloneMessage(message)
	}
	return len(messages), nil
}

func (s *MessageStore) Get(_ context.Context, accountID string, providerMessageID string) (core.Message, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	message, ok := s.state.messages[accountID][providerMessageID]
	if !ok {
		return core.Message{}, fmt.Errorf("memorystore: message %s not found", providerMessageID)
	}
	return cloneMessage(message), nil
}

func (s *MessageStore) Count(_ context.Context, accountID string) (int, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return len(s.state.messages[accountID]), nil
}

func (s *MessageStore) List(_ context.Context, accountID string, filter core.MessageFilter) ([]core.Message, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, fmt.Errorf("memorystore: message account id is required")
	}
	filter = filter.Normalize()
	s.state.mu.RLock()
	out := make([]core.Message, 0, len(s.state.messages[accountID]))
	for _, message := range s.state.messages[accountID] {
		if filter.Matches(message) {
			out = append(out, cloneMessage(message))
		}
	}
	s.state.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		left, right := out[i].ReceivedAt, out[j].ReceivedAt
		switch {
		case left == nil && right == nil:
			return out[i].ProviderMessageID < out[j].ProviderMessageID
		case left == nil:
			return false
		case right == nil:
			return true
		case !left.Equal(*right):
			return left.After(*right)
		}
		return out[i].ProviderMessageID < out[j].ProviderMessageID
	})
	if filter.Offset >= len(out) {
		return []core.Message{}, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var (
	_ core.DeltaLinkStore   = (*DeltaLinkStore)(nil)
	_ core.SyncHistoryStore = (*SyncHistoryStore)(nil)
	_ core.MessageStore     = (*MessageStore)(nil)
)
