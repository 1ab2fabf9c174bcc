package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-mailsync/core"
)

type AccountStore struct {
	db   *bun.DB
	repo repository.Repository[*accountRecord]
	now  func() time.Time
}

func NewAccountStore(db *bun.DB) (*AccountStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*accountRecord](db, accountHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid account repository wiring: %w", err)
		}
	}
	return &AccountStore{db: db, repo: repo, now: utcNow}, nil
}

func (s *AccountStore) Create(ctx context.Context, account core.Account) (core.Account, error) {
	if s == nil || s.repo == nil {
		return core.Account{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	if err := account.Validate(); err != nil {
		return core.Account{}, err
	}
	if strings.TrimSpace(account.ID) == "" {
		account.ID = uuid.NewString()
	}
	record := newAccountRecord(account, s.now())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Account{}, fmt.Errorf("%w: %s", core.ErrAccountExists, record.Email)
		}
		return core.Account{}, err
	}
	return created.toDomain(), nil
}

func (s *AccountStore) Get(ctx context.Context, id string) (core.Account, error) {
	return s.getBy(ctx, "id", strings.TrimSpace(id))
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (core.Account, error) {
	return s.getBy(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (s *AccountStore) getBy(ctx context.Context, column, value string) (core.Account, error) {
	if s == nil || s.db == nil {
		return core.Account{}, fmt.Errorf("sqlstore: account store is not configured")
	}
	if value == "" {
		return core.Account{}, fmt.Errorf("sqlstore: account %s is required", column)
	}
	record := &accountRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.Account{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, value)
		}
		return core.Account{}, err
	}
	return record.toDomain(), nil
}

func (s *AccountStore) List(ctx context.Context) ([]core.Account, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: account store is not configured")
	}
	records, _, err := s.repo.List(ctx, repository.OrderBy("email ASC"))
	if err != nil {
		return nil, err
	}
	out := make([]core.Account, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// UpdateAuthState is a compare and set on auth_state.
func (s *AccountStore) UpdateAuthState(ctx context.Context, update core.AuthStateUpdate) (core.Account, error) {
	current, err := s.Get(ctx, update.AccountID)
	if err != nil {
		return core.Account{}, err
	}
	if current.AuthState != update.From {
		return core.Account{}, fmt.Errorf("%w: expected %s, found %s", core.ErrAuthStateConflict, update.From, current.AuthState)
	}
	at := update.At
	if at.IsZero() {
		at = s.now()
	}
	next := current
	if err := next.TransitionAuthState(update.To, update.Reason, at.UTC()); err != nil {
		return core.Account{}, err
	}

	result, err := s.db.NewUpdate().
		Model((*accountRecord)(nil)).
		Set("auth_state = ?", string(next.AuthState)).
		Set("status = ?", string(next.Status)).
		Set("last_error = ?", next.LastError).
		Set("updated_at = ?", next.UpdatedAt).
		Where("id = ?", current.ID).
		Where("auth_state = ?", string(update.From)).
		Exec(ctx)
	if err != nil {
		return core.Account{}, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.Account{}, fmt.Errorf("%w: account %s changed concurrently", core.ErrAuthStateConflict, current.ID)
	}
	return next, nil
}

func (s *AccountStore) UpdateStatus(ctx context.Context, id string, status core.AccountStatus, reason string) (core.Account, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return core.Account{}, err
	}
	if err := current.TransitionStatus(status, reason, s.now()); err != nil {
		return core.Account{}, err
	}
	_, err = s.db.NewUpdate().
		Model((*accountRecord)(nil)).
		Set("status = ?", string(current.Status)).
		Set("last_error = ?", current.LastError).
		Set("updated_at = ?", current.UpdatedAt).
		Where("id = ?", current.ID).
		Exec(ctx)
	if err != nil {
		return core.Account{}, err
	}
	return current, nil
}

func (s *AccountStore) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: account store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*accountRecord)(nil)).
		Set("last_sync_at = ?", at.UTC()).
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrAccountNotFound, id)
	}
	return nil
}

// Delete removes the account. Tokens, delta links, history, messages and
// subscriptions go with it through ON DELETE CASCADE.
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: account store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*accountRecord)(nil)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrAccountNotFound, id)
	}
	return nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
