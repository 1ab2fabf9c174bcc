package memorystore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-mailsync/core"
)

type AccountStore struct {
	state *state
}

func (s *AccountStore) Create(_ context.Context, account core.Account) (core.Account, error) {
	if err := account.Validate(); err != nil {
		return core.Account{}, err
	}
	s.state.mu.Lock()
	defer s.state.mu.Unlock()

	email := normalizeEmail(account.Email)
	for _, existing := range s.state.accounts {
		if normalizeEmail(existing.Email) == email {
			return core.Account{}, fmt.Errorf("%w: %s", core.ErrAccountExists, email)
		}
	}
	if strings.TrimSpace(account.ID) == "" {
		account.ID = uuid.NewString()
	}
	if _, ok := s.state.accounts[account.ID]; ok {
		return core.Account{}, fmt.Errorf("%w: %s", core.ErrAccountExists, account.ID)
	}
	now := s.state.now()
	account.Email = email
	if account.Status == "" {
		account.Status = core.AccountStatusInactive
	}
	if account.AuthState == "" {
		account.AuthState = core.AuthStateUnauthenticated
	}
	account.CreatedAt = now
	account.UpdatedAt = now
	s.state.accounts[account.ID] = cloneAccount(account)
	return cloneAccount(account), nil
}

func (s *AccountStore) Get(_ context.Context, id string) (core.Account, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	account, ok := s.state.accounts[strings.TrimSpace(id)]
	if !ok {
		return core.Account{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, id)
	}
	return cloneAccount(account), nil
}

func (s *AccountStore) GetByEmail(_ context.Context, email string) (core.Account, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	email = normalizeEmail(email)
	for _, account := range s.state.accounts {
		if normalizeEmail(account.Email) == email {
			return cloneAccount(account), nil
		}
	}
	return core.Account{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, email)
}

func (s *AccountStore) List(context.Context) ([]core.Account, error) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	out := make([]core.Account, 0, len(s.state.accounts))
	for _, account := range s.state.accounts {
		out = append(out, cloneAccount(account))
	}
	sortAccounts(out)
	return out, nil
}

func (s *AccountStore) UpdateAuthState(_ context.Context, update core.AuthStateUpdate) (core.Account, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	account, ok := s.state.accounts[update.AccountID]
	if !ok {
		return core.Account{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, update.AccountID)
	}
	if account.AuthState != update.From {
		return core.Account{}, fmt.Errorf("%w: expected %s, found %s", core.ErrAuthStateConflict, update.From, account.AuthState)
	}
	at := update.At
	if at.IsZero() {
		at = s.state.now()
	}
	if err := account.TransitionAuthState(update.To, update.Reason, at); err != nil {
		return core.Account{}, err
	}
	s.state.accounts[account.ID] = account
	return cloneAccount(account), nil
}

func (s *AccountStore) UpdateStatus(_ context.Context, id string, status core.AccountStatus, reason string) (core.Account, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	account, ok := s.state.accounts[id]
	if !ok {
		return core.Account{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, id)
	}
	if err := account.TransitionStatus(status, reason, s.state.now()); err != nil {
		return core.Account{}, err
	}
	s.state.accounts[id] = account
	return cloneAccount(account), nil
}

func (s *AccountStore) TouchLastSync(_ context.Context, id string, at time.Time) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	account, ok := s.state.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrAccountNotFound, id)
	}
	at = at.UTC()
	account.LastSyncAt = &at
	account.UpdatedAt = s.state.now()
	s.state.accounts[id] = account
	return nil
}

func (s *AccountStore) Delete(_ context.Context, id string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if _, ok := s.state.accounts[id]; !ok {
		return fmt.Errorf("%w: %s", core.ErrAccountNotFound, id)
	}
	s.state.deleteAccountLocked(id)
	return nil
}

var _ core.AccountStore = (*AccountStore)(nil)
