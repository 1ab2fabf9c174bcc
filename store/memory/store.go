// Package memorystore implements the mail sync stores in process. Every store
// shares one state so deleting an account cascades like the SQL schema does.
package memorystore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

type state struct {
	mu            sync.RWMutex
	now           func() time.Time
	accounts      map[string]core.Account
	tokens        map[string]core.StoredToken
	deltaLinks    map[string]core.DeltaLink
	history       map[string]core.SyncHistory
	messages      map[string]map[string]core.Message
	subscriptions map[string]core.WebhookSubscription
}

type Stores struct {
	Accounts      *AccountStore
	Tokens        *TokenStore
	DeltaLinks    *DeltaLinkStore
	SyncHistory   *SyncHistoryStore
	Messages      *MessageStore
	Subscriptions *SubscriptionStore
}

func New() *Stores {
	return NewWithClock(func() time.Time { return time.Now().UTC() })
}

func NewWithClock(now func() time.Time) *Stores {
	s := &state{
		now:           now,
		accounts:      map[string]core.Account{},
		tokens:        map[string]core.StoredToken{},
		deltaLinks:    map[string]core.DeltaLink{},
		history:       map[string]core.SyncHistory{},
		messages:      map[string]map[string]core.Message{},
		subscriptions: map[string]core.WebhookSubscription{},
	}
	return &Stores{
		Accounts:      &AccountStore{state: s},
		Tokens:        &TokenStore{state: s},
		DeltaLinks:    &DeltaLinkStore{state: s},
		SyncHistory:   &SyncHistoryStore{state: s},
		Messages:      &MessageStore{state: s},
		Subscriptions: &SubscriptionStore{state: s},
	}
}

func (s *state) deleteAccountLocked(id string) {
	delete(s.accounts, id)
	delete(s.tokens, id)
	delete(s.deltaLinks, id)
	delete(s.messages, id)
	for key, entry := range s.history {
		if entry.AccountID == id {
			delete(s.history, key)
		}
	}
	for key, sub := range s.subscriptions {
		if sub.AccountID == id {
			delete(s.subscriptions, key)
		}
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneAccount(in core.Account) core.Account {
	out := in
	if in.AuthCode != nil {
		cfg := *in.AuthCode
		out.AuthCode = &cfg
	}
	if in.DeviceCode != nil {
		cfg := *in.DeviceCode
		out.DeviceCode = &cfg
	}
	if in.LastSyncAt != nil {
		at := *in.LastSyncAt
		out.LastSyncAt = &at
	}
	return out
}

func cloneMessage(in core.Message) core.Message {
	out := in
	out.ToRecipients = append([]string(nil), in.ToRecipients...)
	out.CcRecipients = append([]string(nil), in.CcRecipients...)
	out.BccRecipients = append([]string(nil), in.BccRecipients...)
	return out
}

func sortAccounts(accounts []core.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Email < accounts[j].Email
	})
}
