package webhooks

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

// Notification is one change notification from a Graph delivery.
type Notification struct {
	SubscriptionID                 string        `json:"subscriptionId"`
	ClientState                    string        `json:"clientState"`
	ChangeType                     string        `json:"changeType"`
	Resource                       string        `json:"resource"`
	TenantID                       string        `json:"tenantId,omitempty"`
	SubscriptionExpirationDateTime string        `json:"subscriptionExpirationDateTime,omitempty"`
	ResourceData                   *ResourceData `json:"resourceData,omitempty"`
	// LifecycleEvent is set on lifecycle notifications such as
	// reauthorizationRequired.
	LifecycleEvent string `json:"lifecycleEvent,omitempty"`
}

type ResourceData struct {
	ODataType string `json:"@odata.type"`
	ID        string `json:"id"`
}

type notificationEnvelope struct {
	Value []Notification `json:"value"`
}

// ParseNotifications decodes a Graph notification delivery body.
func ParseNotifications(body []byte) ([]Notification, error) {
	var envelope notificationEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, core.BadInputError("decode notification payload", err)
	}
	if len(envelope.Value) == 0 {
		return nil, core.BadInputError("notification payload has no value entries", nil)
	}
	return envelope.Value, nil
}

type NotificationResult struct {
	AccountID      string
	SubscriptionID string
	ChangeType     string
	// SyncDue is false when an earlier notification for the same account
	// already triggered a sync inside the debounce window.
	SyncDue bool
}

// HandleNotification authenticates a notification against the stored
// subscription and resolves the account it belongs to.
func (m *RenewalManager) HandleNotification(ctx context.Context, n Notification) (result NotificationResult, err error) {
	startedAt := time.Now()
	defer func() {
		m.observer.Observe(ctx, startedAt, "webhook_notification", err, map[string]any{
			"account_id":      result.AccountID,
			"subscription_id": n.SubscriptionID,
			"change_type":     n.ChangeType,
			"sync_due":        result.SyncDue,
		})
	}()

	subscriptionID := strings.TrimSpace(n.SubscriptionID)
	if subscriptionID == "" {
		return NotificationResult{}, core.BadInputError("notification subscription id is required", nil)
	}
	sub, err := m.deps.Subscriptions.GetBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return NotificationResult{}, core.MapError(err)
	}
	if !clientStateMatches(sub.ClientState, n.ClientState) {
		return NotificationResult{}, core.MapError(fmt.Errorf("%w: subscription %s", core.ErrSubscriptionClientStateMismatch, subscriptionID))
	}
	if !sub.IsActive {
		return NotificationResult{}, core.InvalidStateError("subscription is not active", nil)
	}
	return NotificationResult{
		AccountID:      sub.AccountID,
		SubscriptionID: sub.SubscriptionID,
		ChangeType:     n.ChangeType,
		SyncDue:        m.debouncer.Allow(sub.AccountID),
	}, nil
}

// HandleDelivery handles every notification of one delivery. Rejected
// entries are reported together and do not stop the accepted ones.
func (m *RenewalManager) HandleDelivery(ctx context.Context, notifications []Notification) ([]NotificationResult, error) {
	results := make([]NotificationResult, 0, len(notifications))
	var errs []error
	for _, notification := range notifications {
		result, err := m.HandleNotification(ctx, notification)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func clientStateMatches(expected, actual string) bool {
	if expected == "" || actual == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(actual)) == 1
}
