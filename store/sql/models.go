package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type accountRecord struct {
	bun.BaseModel `bun:"table:service_accounts,alias:sa"`

	ID                    string     `bun:"id,pk"`
	Email                 string     `bun:"email,notnull"`
	DisplayName           string     `bun:"display_name,notnull"`
	AuthType              string     `bun:"auth_type,notnull"`
	Status                string     `bun:"status,notnull"`
	AuthState             string     `bun:"auth_state,notnull"`
	ClientID              string     `bun:"client_id,notnull"`
	TenantID              string     `bun:"tenant_id,notnull"`
	RedirectURI           string     `bun:"redirect_uri,notnull"`
	EncryptedClientSecret string     `bun:"encrypted_client_secret,notnull"`
	LastSyncAt            *time.Time `bun:"last_sync_at,nullzero"`
	LastError             string     `bun:"last_error,notnull"`
	CreatedAt             time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type tokenRecord struct {
	bun.BaseModel `bun:"table:service_tokens,alias:st"`

	ID                    string    `bun:"id,pk"`
	AccountID             string    `bun:"account_id,notnull"`
	EncryptedAccessToken  string    `bun:"encrypted_access_token,notnull"`
	EncryptedRefreshToken string    `bun:"encrypted_refresh_token,notnull"`
	TokenType             string    `bun:"token_type,notnull"`
	Scope                 string    `bun:"scope,notnull"`
	ExpiresAt             time.Time `bun:"expires_at,notnull"`
	CreatedAt             time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt             time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type deltaLinkRecord struct {
	bun.BaseModel `bun:"table:service_delta_links,alias:sdl"`

	AccountID  string    `bun:"account_id,pk"`
	Cursor     string    `bun:"cursor,notnull"`
	Complete   bool      `bun:"complete,notnull"`
	LastSyncAt time.Time `bun:"last_sync_at,notnull"`
}

type syncHistoryRecord struct {
	bun.BaseModel `bun:"table:service_sync_history,alias:ssh"`

	ID             string     `bun:"id,pk"`
	AccountID      string     `bun:"account_id,notnull"`
	SyncType       string     `bun:"sync_type,notnull"`
	Status         string     `bun:"status,notnull"`
	ProcessedCount int        `bun:"processed_count,notnull"`
	ErrorCount     int        `bun:"error_count,notnull"`
	ErrorMessage   string     `bun:"error_message,notnull"`
	StartedAt      time.Time  `bun:"started_at,notnull"`
	CompletedAt    *time.Time `bun:"completed_at,nullzero"`
}

type messageRecord struct {
	bun.BaseModel `bun:"table:service_messages,alias:sm"`

	ID                string     `bun:"id,pk"`
	AccountID         string     `bun:"account_id,notnull"`
	ProviderMessageID string     `bun:"provider_message_id,notnull"`
	Subject           string     `bun:"subject,notnull"`
	Sender            string     `bun:"sender,notnull"`
	ToRecipients      []string   `bun:"to_recipients,type:jsonb,notnull"`
	CcRecipients      []string   `bun:"cc_recipients,type:jsonb,notnull"`
	BccRecipients     []string   `bun:"bcc_recipients,type:jsonb,notnull"`
	BodyPreview       string     `bun:"body_preview,notnull"`
	Body              string     `bun:"body,notnull"`
	BodyContentType   string     `bun:"body_content_type,notnull"`
	Importance        string     `bun:"importance,notnull"`
	IsRead            bool       `bun:"is_read,notnull"`
	HasAttachments    bool       `bun:"has_attachments,notnull"`
	ReceivedAt        *time.Time `bun:"received_at,nullzero"`
	SentAt            *time.Time `bun:"sent_at,nullzero"`
	Removed           bool       `bun:"removed,notnull"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type subscriptionRecord struct {
	bun.BaseModel `bun:"table:service_webhook_subscriptions,alias:sws"`

	ID              string     `bun:"id,pk"`
	AccountID       string     `bun:"account_id,notnull"`
	SubscriptionID  string     `bun:"subscription_id,notnull"`
	Resource        string     `bun:"resource,notnull"`
	ChangeType      string     `bun:"change_type,notnull"`
	NotificationURL string     `bun:"notification_url,notnull"`
	ClientState     string     `bun:"client_state,notnull"`
	ExpiresAt       time.Time  `bun:"expires_at,notnull"`
	IsActive        bool       `bun:"is_active,notnull"`
	FailureCount    int        `bun:"failure_count,notnull"`
	LastError       string     `bun:"last_error,notnull"`
	LastRenewedAt   *time.Time `bun:"last_renewed_at,nullzero"`
	CreatedAt       time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
