package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-mailsync/core"
)

// SyncHistoryStore is an append only ledger. Entries are opened by Start and
// closed exactly once by Complete.
type SyncHistoryStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewSyncHistoryStore(db *bun.DB) (*SyncHistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &SyncHistoryStore{db: db, now: utcNow}, nil
}

func (s *SyncHistoryStore) Start(ctx context.Context, entry core.SyncHistory) (core.SyncHistory, error) {
	if s == nil || s.db == nil {
		return core.SyncHistory{}, fmt.Errorf("sqlstore: sync history store is not configured")
	}
	entry.AccountID = strings.TrimSpace(entry.AccountID)
	if entry.AccountID == "" {
		return core.SyncHistory{}, fmt.Errorf("sqlstore: sync history account id is required")
	}
	if entry.SyncType == "" {
		entry.SyncType = core.SyncTypeFull
	}
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = s.now()
	}
	record := &syncHistoryRecord{
		ID:        entry.ID,
		AccountID: entry.AccountID,
		SyncType:  string(entry.SyncType),
		Status:    string(core.SyncStatusRunning),
		StartedAt: entry.StartedAt.UTC(),
	}
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isForeignKeyViolation(err) {
			return core.SyncHistory{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, entry.AccountID)
		}
		return core.SyncHistory{}, err
	}
	return record.toDomain(), nil
}

func (s *SyncHistoryStore) Complete(ctx context.Context, id string, outcome core.SyncOutcome) (core.SyncHistory, error) {
	if s == nil || s.db == nil {
		return core.SyncHistory{}, fmt.Errorf("sqlstore: sync history store is not configured")
	}
	if err := outcome.Validate(); err != nil {
		return core.SyncHistory{}, err
	}
	id = strings.TrimSpace(id)
	result, err := s.db.NewUpdate().
		Model((*syncHistoryRecord)(nil)).
		Set("status = ?", string(outcome.Status)).
		Set("processed_count = ?", outcome.ProcessedCount).
		Set("error_count = ?", outcome.ErrorCount).
		Set("error_message = ?", outcome.ErrorMessage).
		Set("completed_at = ?", outcome.CompletedAt.UTC()).
		Where("id = ?", id).
		Where("completed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return core.SyncHistory{}, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return core.SyncHistory{}, getErr
		}
		return core.SyncHistory{}, fmt.Errorf("%w: %s", core.ErrSyncHistoryClosed, id)
	}
	return s.Get(ctx, id)
}

func (s *SyncHistoryStore) Get(ctx context.Context, id string) (core.SyncHistory, error) {
	if s == nil || s.db == nil {
		return core.SyncHistory{}, fmt.Errorf("sqlstore: sync history store is not configured")
	}
	record := &syncHistoryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", strings.TrimSpace(id)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.SyncHistory{}, fmt.Errorf("%w: %s", core.ErrSyncHistoryNotFound, id)
		}
		return core.SyncHistory{}, err
	}
	return record.toDomain(), nil
}

func (s *SyncHistoryStore) List(ctx context.Context, accountID string, limit int) ([]core.SyncHistory, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: sync history store is not configured")
	}
	records := []syncHistoryRecord{}
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		OrderExpr("?TableAlias.started_at DESC").
		OrderExpr("?TableAlias.id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]core.SyncHistory, 0, len(records))
	for i := range records {
		out = append(out, records[i].toDomain())
	}
	return out, nil
}
