package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/goliatone/go-mailsync/core"
)

type DeltaLinkStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewDeltaLinkStore(db *bun.DB) (*DeltaLinkStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &DeltaLinkStore{db: db, now: utcNow}, nil
}

func (s *DeltaLinkStore) Get(ctx context.Context, accountID string) (core.DeltaLink, error) {
	if s == nil || s.db == nil {
		return core.DeltaLink{}, fmt.Errorf("sqlstore: delta link store is not configured")
	}
	record := &deltaLinkRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.DeltaLink{}, fmt.Errorf("%w: %s", core.ErrDeltaLinkNotFound, accountID)
		}
		return core.DeltaLink{}, err
	}
	return record.toDomain(), nil
}

func (s *DeltaLinkStore) Put(ctx context.Context, link core.DeltaLink) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delta link store is not configured")
	}
	link.AccountID = strings.TrimSpace(link.AccountID)
	link.Cursor = strings.TrimSpace(link.Cursor)
	if link.AccountID == "" || link.Cursor == "" {
		return fmt.Errorf("sqlstore: delta link account id and cursor are required")
	}
	if link.LastSyncAt.IsZero() {
		link.LastSyncAt = s.now()
	}
	record := &deltaLinkRecord{
		AccountID:  link.AccountID,
		Cursor:     link.Cursor,
		Complete:   link.Complete,
		LastSyncAt: link.LastSyncAt.UTC(),
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (account_id) DO UPDATE").
		Set("cursor = EXCLUDED.cursor").
		Set("complete = EXCLUDED.complete").
		Set("last_sync_at = EXCLUDED.last_sync_at").
		Exec(ctx)
	if err != nil && isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", core.ErrAccountNotFound, link.AccountID)
	}
	return err
}

func (s *DeltaLinkStore) Delete(ctx context.Context, accountID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: delta link store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*deltaLinkRecord)(nil)).
		Where("account_id = ?", strings.TrimSpace(accountID)).
		Exec(ctx)
	return err
}
