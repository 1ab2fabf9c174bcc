package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

func newAccountRecord(account core.Account, now time.Time) *accountRecord {
	record := &accountRecord{
		ID:          account.ID,
		Email:       strings.ToLower(strings.TrimSpace(account.Email)),
		DisplayName: strings.TrimSpace(account.DisplayName),
		AuthType:    string(account.AuthType),
		Status:      string(account.Status),
		AuthState:   string(account.AuthState),
		LastSyncAt:  cloneTimePointer(account.LastSyncAt),
		LastError:   account.LastError,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch {
	case account.AuthCode != nil:
		record.ClientID = account.AuthCode.ClientID
		record.TenantID = account.AuthCode.TenantID
		record.RedirectURI = account.AuthCode.RedirectURI
		record.EncryptedClientSecret = account.AuthCode.ClientSecret
	case account.DeviceCode != nil:
		record.ClientID = account.DeviceCode.ClientID
		record.TenantID = account.DeviceCode.TenantID
	}
	if record.Status == "" {
		record.Status = string(core.AccountStatusInactive)
	}
	if record.AuthState == "" {
		record.AuthState = string(core.AuthStateUnauthenticated)
	}
	return record
}

func (r *accountRecord) toDomain() core.Account {
	if r == nil {
		return core.Account{}
	}
	account := core.Account{
		ID:          r.ID,
		Email:       r.Email,
		DisplayName: r.DisplayName,
		AuthType:    core.AuthType(r.AuthType),
		Status:      core.AccountStatus(r.Status),
		AuthState:   core.AuthState(r.AuthState),
		LastSyncAt:  cloneTimePointer(r.LastSyncAt),
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	switch account.AuthType {
	case core.AuthTypeAuthorizationCode:
		account.AuthCode = &core.AuthCodeConfig{
			ClientID:     r.ClientID,
			TenantID:     r.TenantID,
			RedirectURI:  r.RedirectURI,
			ClientSecret: r.EncryptedClientSecret,
		}
	case core.AuthTypeDeviceCode:
		account.DeviceCode = &core.DeviceCodeConfig{
			ClientID: r.ClientID,
			TenantID: r.TenantID,
		}
	}
	return account
}

func (r *tokenRecord) toDomain() core.StoredToken {
	if r == nil {
		return core.StoredToken{}
	}
	return core.StoredToken{
		AccountID:             r.AccountID,
		EncryptedAccessToken:  r.EncryptedAccessToken,
		EncryptedRefreshToken: r.EncryptedRefreshToken,
		TokenType:             r.TokenType,
		Scope:                 r.Scope,
		ExpiresAt:             r.ExpiresAt.UTC(),
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
}

func (r *deltaLinkRecord) toDomain() core.DeltaLink {
	if r == nil {
		return core.DeltaLink{}
	}
	return core.DeltaLink{
		AccountID:  r.AccountID,
		Cursor:     r.Cursor,
		Complete:   r.Complete,
		LastSyncAt: r.LastSyncAt.UTC(),
	}
}

func (r *syncHistoryRecord) toDomain() core.SyncHistory {
	if r == nil {
		return core.SyncHistory{}
	}
	return core.SyncHistory{
		ID:             r.ID,
		AccountID:      r.AccountID,
		SyncType:       core.SyncType(r.SyncType),
		Status:         core.SyncStatus(r.Status),
		ProcessedCount: r.ProcessedCount,
		ErrorCount:     r.ErrorCount,
		ErrorMessage:   r.ErrorMessage,
		StartedAt:      r.StartedAt.UTC(),
		CompletedAt:    cloneTimePointer(r.CompletedAt),
	}
}

func newMessageRecord(accountID string, message core.Message, now time.Time) *messageRecord {
	return &messageRecord{
		AccountID:         accountID,
		ProviderMessageID: strings.TrimSpace(message.ProviderMessageID),
		Subject:           message.Subject,
		Sender:            message.Sender,
		ToRecipients:      nonNilStrings(message.ToRecipients),
		CcRecipients:      nonNilStrings(message.CcRecipients),
		BccRecipients:     nonNilStrings(message.BccRecipients),
		BodyPreview:       message.BodyPreview,
		Body:              message.Body,
		BodyContentType:   message.BodyContentType,
		Importance:        message.Importance,
		IsRead:            message.IsRead,
		HasAttachments:    message.HasAttachments,
		ReceivedAt:        cloneTimePointer(message.ReceivedAt),
		SentAt:            cloneTimePointer(message.SentAt),
		Removed:           message.Removed,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (r *messageRecord) toDomain() core.Message {
	if r == nil {
		return core.Message{}
	}
	return core.Message{
		AccountID:         r.AccountID,
		ProviderMessageID: r.ProviderMessageID,
		Subject:           r.Subject,
		Sender:            r.Sender,
		ToRecipients:      append([]string(nil), r.ToRecipients...),
		CcRecipients:      append([]string(nil), r.CcRecipients...),
		BccRecipients:     append([]string(nil), r.BccRecipients...),
		BodyPreview:       r.BodyPreview,
		Body:              r.Body,
		BodyContentType:   r.BodyContentType,
		Importance:        r.Importance,
		IsRead:            r.IsRead,
		HasAttachments:    r.HasAttachments,
		ReceivedAt:        cloneTimePointer(r.ReceivedAt),
		SentAt:            cloneTimePointer(r.SentAt),
		Removed:           r.Removed,
	}
}

func newSubscriptionRecord(sub core.WebhookSubscription, now time.Time) *subscriptionRecord {
	return &subscriptionRecord{
		ID:              sub.ID,
		AccountID:       strings.TrimSpace(sub.AccountID),
		SubscriptionID:  strings.TrimSpace(sub.SubscriptionID),
		Resource:        sub.Resource,
		ChangeType:      sub.ChangeType,
		NotificationURL: sub.NotificationURL,
		ClientState:     sub.ClientState,
		ExpiresAt:       sub.ExpiresAt.UTC(),
		IsActive:        true,
		FailureCount:    sub.FailureCount,
		LastError:       sub.LastError,
		LastRenewedAt:   cloneTimePointer(sub.LastRenewedAt),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (r *subscriptionRecord) toDomain() core.WebhookSubscription {
	if r == nil {
		return core.WebhookSubscription{}
	}
	return core.WebhookSubscription{
		ID:              r.ID,
		AccountID:       r.AccountID,
		SubscriptionID:  r.SubscriptionID,
		Resource:        r.Resource,
		ChangeType:      r.ChangeType,
		NotificationURL: r.NotificationURL,
		ClientState:     r.ClientState,
		ExpiresAt:       r.ExpiresAt.UTC(),
		IsActive:        r.IsActive,
		FailureCount:    r.FailureCount,
		LastError:       r.LastError,
		LastRenewedAt:   cloneTimePointer(r.LastRenewedAt),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return append([]string(nil), values...)
}
