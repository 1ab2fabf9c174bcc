package microsoft

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
)

type emailAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (e emailAddress) String() string {
	address := strings.TrimSpace(e.EmailAddress.Address)
	name := strings.TrimSpace(e.EmailAddress.Name)
	switch {
	case address == "":
		return name
	case name == "" || strings.EqualFold(name, address):
		return address
	default:
		return fmt.Sprintf("%s <%s>", name, address)
	}
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphMessage struct {
	ID               string         `json:"id"`
	Subject          string         `json:"subject"`
	From             *emailAddress  `json:"from"`
	Sender           *emailAddress  `json:"sender"`
	ToRecipients     []emailAddress `json:"toRecipients"`
	CcRecipients     []emailAddress `json:"ccRecipients"`
	BccRecipients    []emailAddress `json:"bccRecipients"`
	BodyPreview      string         `json:"bodyPreview"`
	Body             *itemBody      `json:"body"`
	Importance       string         `json:"importance"`
	IsRead           bool           `json:"isRead"`
	HasAttachments   bool           `json:"hasAttachments"`
	ReceivedDateTime string         `json:"receivedDateTime"`
	SentDateTime     string         `json:"sentDateTime"`
}

// DecodeMessage maps a Graph message delta item onto the stored record.
// Removed items only carry their id.
func DecodeMessage(accountID string, item core.DeltaItem) (core.Message, error) {
	id := strings.TrimSpace(item.ID)
	if id == "" {
		return core.Message{}, fmt.Errorf("microsoft: delta item has no id")
	}
	if item.Removed {
		return core.Message{AccountID: accountID, ProviderMessageID: id, Removed: true}, nil
	}

	var raw graphMessage
	if err := json.Unmarshal(item.Raw, &raw); err != nil {
		return core.Message{}, fmt.Errorf("microsoft: decode message %s: %w", id, err)
	}
	message := core.Message{
		AccountID:         accountID,
		ProviderMessageID: id,
		Subject:           raw.Subject,
		ToRecipients:      addresses(raw.ToRecipients),
		CcRecipients:      addresses(raw.CcRecipients),
		BccRecipients:     addresses(raw.BccRecipients),
		BodyPreview:       raw.BodyPreview,
		Importance:        strings.ToLower(raw.Importance),
		IsRead:            raw.IsRead,
		HasAttachments:    raw.HasAttachments,
	}
	switch {
	case raw.From != nil:
		message.Sender = raw.From.String()
	case raw.Sender != nil:
		message.Sender = raw.Sender.String()
	}
	if raw.Body != nil {
		message.Body = raw.Body.Content
		message.BodyContentType = strings.ToLower(raw.Body.ContentType)
	}
	var err error
	if message.ReceivedAt, err = parseGraphTime(raw.ReceivedDateTime); err != nil {
		return core.Message{}, fmt.Errorf("microsoft: message %s receivedDateTime: %w", id, err)
	}
	if message.SentAt, err = parseGraphTime(raw.SentDateTime); err != nil {
		return core.Message{}, fmt.Errorf("microsoft: message %s sentDateTime: %w", id, err)
	}
	return message, nil
}

func addresses(list []emailAddress) []string {
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if value := entry.String(); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func parseGraphTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

var _ core.MessageTransformer = DecodeMessage
