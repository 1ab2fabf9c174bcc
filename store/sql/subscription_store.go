package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-mailsync/core"
)

type SubscriptionStore struct {
	db   *bun.DB
	repo repository.Repository[*subscriptionRecord]
	now  func() time.Time
}

func NewSubscriptionStore(db *bun.DB) (*SubscriptionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*subscriptionRecord](db, subscriptionHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid subscription repository wiring: %w", err)
		}
	}
	return &SubscriptionStore{db: db, repo: repo, now: utcNow}, nil
}

func (s *SubscriptionStore) Create(ctx context.Context, sub core.WebhookSubscription) (core.WebhookSubscription, error) {
	if s == nil || s.repo == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	if strings.TrimSpace(sub.AccountID) == "" || strings.TrimSpace(sub.SubscriptionID) == "" {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription account id and subscription id are required")
	}
	if sub.ExpiresAt.IsZero() {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription expiry is required")
	}
	if strings.TrimSpace(sub.ID) == "" {
		sub.ID = uuid.NewString()
	}
	created, err := s.repo.Create(ctx, newSubscriptionRecord(sub, s.now()))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription %s already registered", sub.SubscriptionID)
		case isForeignKeyViolation(err):
			return core.WebhookSubscription{}, fmt.Errorf("%w: %s", core.ErrAccountNotFound, sub.AccountID)
		}
		return core.WebhookSubscription{}, err
	}
	return created.toDomain(), nil
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (core.WebhookSubscription, error) {
	return s.getBy(ctx, "id", id)
}

func (s *SubscriptionStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (core.WebhookSubscription, error) {
	return s.getBy(ctx, "subscription_id", subscriptionID)
}

func (s *SubscriptionStore) getBy(ctx context.Context, column, value string) (core.WebhookSubscription, error) {
	if s == nil || s.db == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	value = strings.TrimSpace(value)
	record := &subscriptionRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return core.WebhookSubscription{}, fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, value)
		}
		return core.WebhookSubscription{}, err
	}
	return record.toDomain(), nil
}

func (s *SubscriptionStore) ListByAccount(ctx context.Context, accountID string) ([]core.WebhookSubscription, error) {
	return s.list(ctx,
		repository.SelectBy("account_id", "=", strings.TrimSpace(accountID)),
		repository.OrderBy("expires_at ASC"),
	)
}

func (s *SubscriptionStore) ListRenewable(ctx context.Context, before time.Time) ([]core.WebhookSubscription, error) {
	return s.list(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.is_active = ?", true).
				Where("?TableAlias.expires_at <= ?", before.UTC())
		}),
		repository.OrderBy("expires_at ASC"),
	)
}

func (s *SubscriptionStore) list(ctx context.Context, criteria ...repository.SelectCriteria) ([]core.WebhookSubscription, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.WebhookSubscription, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *SubscriptionStore) MarkRenewed(ctx context.Context, id string, expiresAt time.Time, at time.Time) (core.WebhookSubscription, error) {
	if s == nil || s.db == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	at = at.UTC()
	result, err := s.db.NewUpdate().
		Model((*subscriptionRecord)(nil)).
		Set("expires_at = ?", expiresAt.UTC()).
		Set("last_renewed_at = ?", at).
		Set("failure_count = 0").
		Set("last_error = ''").
		Set("updated_at = ?", at).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return s.afterUpdate(ctx, id, result, err)
}

// Deactivate keeps the row for audit. Subscriptions are never deleted.
func (s *SubscriptionStore) Deactivate(ctx context.Context, id string, reason string, at time.Time) (core.WebhookSubscription, error) {
	if s == nil || s.db == nil {
		return core.WebhookSubscription{}, fmt.Errorf("sqlstore: subscription store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*subscriptionRecord)(nil)).
		Set("is_active = ?", false).
		Set("failure_count = failure_count + 1").
		Set("last_error = ?", strings.TrimSpace(reason)).
		Set("updated_at = ?", at.UTC()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return s.afterUpdate(ctx, id, result, err)
}

func (s *SubscriptionStore) afterUpdate(ctx context.Context, id string, result sql.Result, err error) (core.WebhookSubscription, error) {
	if err != nil {
		return core.WebhookSubscription{}, err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return core.WebhookSubscription{}, fmt.Errorf("%w: %s", core.ErrSubscriptionNotFound, id)
	}
	return s.Get(ctx, id)
}
