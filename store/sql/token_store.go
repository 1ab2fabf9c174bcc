package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-mailsync/core"
)

// TokenStore keeps a single token row per account. Put is an upsert keyed
// on account_id so a new generation replaces the old one in one statement.
type TokenStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewTokenStore(db *bun.DB) (*TokenStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &TokenStore{db: db, now: utcNow}, nil
}

func (s *TokenStore) Get(ctx context.Context, accountID string) (core.StoredToken, error) {
	if s == nil || s.db == nil {
		return core.StoredToken{}, fmt.Errorf("sqlstore: token store is not configured")
	}
	record := &tokenRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.StoredToken{}, fmt.Errorf("%w: %s", core.ErrTokenNotFound, accountID)
		}
		return core.StoredToken{}, err
	}
	return record.toDomain(), nil
}

func (s *TokenStore) Put(ctx context.Context, token core.StoredToken) (core.StoredToken, error) {
	if s == nil || s.db == nil {
		return core.StoredToken{}, fmt.Errorf("sqlstore: token store is not configured")
	}
	token.AccountID = strings.TrimSpace(token.AccountID)
	if token.AccountID == "" {
		return core.StoredToken{}, fmt.Errorf("sqlstore: token account id is required")
	}
	if token.EncryptedAccessToken == "" || token.ExpiresAt.IsZero() {
		return core.StoredToken{}, fmt.Errorf("sqlstore: %w", core.ErrInvalidTokenSet)
	}
	now := s.now()
	record := &tokenRecord{
		ID:                    uuid.NewString(),
		AccountID:             token.AccountID,
		EncryptedAccessToken:  token.EncryptedAccessToken,
		EncryptedRefreshToken: token.EncryptedRefreshToken,
		TokenType:             token.TokenType,
		Scope:                 token.Scope,
		ExpiresAt:             token.ExpiresAt.UTC(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (account_id) DO UPDATE").
		Set("encrypted_access_token = EXCLUDED.encrypted_access_token").
		Set("encrypted_refresh_token = EXCLUDED.encrypted_refresh_token").
		Set("token_type = EXCLUDED.token_type").
		Set("scope = EXCLUDED.scope").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		if isForeignKeyViolation(err) {
			return core.StoredToken{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, token.AccountID)
		}
		return core.StoredToken{}, err
	}
	return s.Get(ctx, token.AccountID)
}

func (s *TokenStore) Delete(ctx context.Context, accountID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: token store is not configured")
	}
	result, err := s.db.NewDelete().
		Model((*tokenRecord)(nil)).
		Where("account_id = ?", strings.TrimSpace(accountID)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, _ := result.RowsAffected()
	return affected > 0, nil
}

func (s *TokenStore) ListExpiring(ctx context.Context, before time.Time) ([]core.StoredToken, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: token store is not configured")
	}
	records := []tokenRecord{}
	err := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.expires_at <= ?", before.UTC()).
		OrderExpr("?TableAlias.expires_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]core.StoredToken, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}
