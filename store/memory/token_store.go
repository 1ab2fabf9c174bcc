package memorystore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

type TokenStore struct {
	state *state
}

func (s *TokenStore) Get(_ context.Context, accountID string) (core.StoredToken, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	token, ok := s.state.tokens[accountID]
	if !ok {
		return core.StoredToken{}, fmt.Errorf("%w: %s", core.ErrTokenNotFound, accountID)
	}
	return token, nil
}

func (s *TokenStore) Put(_ context.Context, token core.StoredToken) (core.StoredToken, error) {
	if strings.TrimSpace(token.AccountID) == "" {
		return core.StoredToken{}, fmt.Errorf("memorystore: token account id is required")
	}
	if token.EncryptedAccessToken == "" || token.ExpiresAt.IsZero() {
		return core.StoredToken{}, fmt.Errorf("memorystore: %w", core.ErrInvalidTokenSet)
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, ok := s.state.accounts[token.AccountID]; !ok {
		return core.StoredToken{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, token.AccountID)
	}
	now := s.state.now()
	if existing, ok := s.state.tokens[token.AccountID]; ok {
		token.CreatedAt = existing.CreatedAt
	} else {
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	s.state.tokens[token.AccountID] = token
	return token, nil
}

func (s *TokenStore) Delete(_ context.Context, accountID string) (bool, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	_, ok := s.state.tokens[accountID]
	delete(s.state.tokens, accountID)
	return ok, nil
}

func (s *TokenStore) ListExpiring(_ context.Context, before time.Time) ([]core.StoredToken, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	out := []core.StoredToken{}
	for _, token := range s.state.tokens {
		if !token.ExpiresAt.After(before) {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Count reports how many token rows exist.
func (s *TokenStore) Count() int {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return len(s.state.tokens)
}

var _ core.TokenStore = (*TokenStore)(nil)
