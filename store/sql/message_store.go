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

// MessageStore upserts on (account_id, provider_message_id) so a page that is
// replayed after a crash leaves no duplicates.
type MessageStore struct {
	db  *bun.DB
	now func() time.Time
}

func NewMessageStore(db *bun.DB) (*MessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &MessageStore{db: db, now: utcNow}, nil
}

func (s *MessageStore) Upsert(ctx context.Context, accountID string, messages []core.Message) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: message store is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, fmt.Errorf("sqlstore: message account id is required")
	}
	if len(messages) == 0 {
		return 0, nil
	}

	// The same id twice in one statement trips ON CONFLICT, the last one wins.
	now := s.now()
	order := make([]string, 0, len(messages))
	latest := make(map[string]*messageRecord, len(messages))
	for _, message := range messages {
		record := newMessageRecord(accountID, message, now)
		if record.ProviderMessageID == "" {
			return 0, fmt.Errorf("sqlstore: provider message id is required")
		}
		record.ID = uuid.NewString()
		if _, ok := latest[record.ProviderMessageID]; !ok {
			order = append(order, record.ProviderMessageID)
		}
		latest[record.ProviderMessageID] = record
	}
	live := make([]*messageRecord, 0, len(order))
	removed := make([]*messageRecord, 0)
	for _, id := range order {
		if record := latest[id]; record.Removed {
			removed = append(removed, record)
		} else {
			live = append(live, record)
		}
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if len(live) > 0 {
			if _, err := tx.NewInsert().
				Model(&live).
				On("CONFLICT (account_id, provider_message_id) DO UPDATE").
				Set("subject = EXCLUDED.subject").
				Set("sender = EXCLUDED.sender").
				Set("to_recipients = EXCLUDED.to_recipients").
				Set("cc_recipients = EXCLUDED.cc_recipients").
				Set("bcc_recipients = EXCLUDED.bcc_recipients").
				Set("body_preview = EXCLUDED.body_preview").
				Set("body = EXCLUDED.body").
				Set("body_content_type = EXCLUDED.body_content_type").
				Set("importance = EXCLUDED.importance").
				Set("is_read = EXCLUDED.is_read").
				Set("has_attachments = EXCLUDED.has_attachments").
				Set("received_at = EXCLUDED.received_at").
				Set("sent_at = EXCLUDED.sent_at").
				Set("removed = EXCLUDED.removed").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return err
			}
		}
		for _, record := range removed {
			if _, err := tx.NewInsert().
				Model(record).
				On("CONFLICT (account_id, provider_message_id) DO UPDATE").
				Set("removed = EXCLUDED.removed").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, fmt.Errorf("%w: %s", core.ErrAccountNotFound, accountID)
		}
		return 0, err
	}
	return len(messages), nil
}

func (s *MessageStore) Get(ctx context.Context, accountID string, providerMessageID string) (core.Message, error) {
	if s == nil || s.db == nil {
		return core.Message{}, fmt.Errorf("sqlstore: message store is not configured")
	}
	record := &messageRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Where("?TableAlias.provider_message_id = ?", strings.TrimSpace(providerMessageID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.Message{}, fmt.Errorf("sqlstore: message %s not found", providerMessageID)
		}
		return core.Message{}, err
	}
	return record.toDomain(), nil
}

func (s *MessageStore) Count(ctx context.Context, accountID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: message store is not configured")
	}
	return s.db.NewSelect().
		Model((*messageRecord)(nil)).
		Where("?TableAlias.account_id = ?", strings.TrimSpace(accountID)).
		Count(ctx)
}

// List pages newest first. Rows without a received time sort last on both
// postgres and sqlite.
func (s *MessageStore) List(ctx context.Context, accountID string, filter core.MessageFilter) ([]core.Message, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: message store is not configured")
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, fmt.Errorf("sqlstore: message account id is required")
	}
	filter = filter.Normalize()

	records := make([]messageRecord, 0)
	query := s.db.NewSelect().
		Model(&records).
		Where("?TableAlias.account_id = ?", accountID)
	if !filter.IncludeRemoved {
		query = query.Where("?TableAlias.removed = ?", false)
	}
	if !filter.Since.IsZero() {
		query = query.Where("?TableAlias.received_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("?TableAlias.received_at < ?", filter.Until.UTC())
	}
	err := query.
		OrderExpr("?TableAlias.received_at IS NULL ASC").
		OrderExpr("?TableAlias.received_at DESC").
		OrderExpr("?TableAlias.provider_message_id ASC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Scan(ctx)
	if err != nil && !isNoRows(err) {
		return nil, err
	}
	out := make([]core.Message, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
