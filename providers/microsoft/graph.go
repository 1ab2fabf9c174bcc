package microsoft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/ratelimit"
	"github.com/goliatone/go-mailsync/transport"
)

const (
	bucketMailbox       = "mailbox"
	bucketSubscriptions = "subscriptions"

	defaultMailFolder = "inbox"
	maxPageSize       = 1000
)

type GraphConfig struct {
	BaseURL     string
	MailFolder  string
	Adapter     transport.Adapter
	Policy      core.RateLimitPolicy
	CallTimeout time.Duration
}

// GraphClient reads mail deltas and manages change subscriptions on Graph.
// Every call is keyed by account for throttling.
type GraphClient struct {
	baseURL     string
	mailFolder  string
	adapter     transport.Adapter
	policy      core.RateLimitPolicy
	callTimeout time.Duration
}

func NewGraphClient(cfg GraphConfig) *GraphClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = core.DefaultGraphBaseURL
	}
	folder := strings.TrimSpace(cfg.MailFolder)
	if folder == "" {
		folder = defaultMailFolder
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = transport.NewRESTAdapter(nil)
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &GraphClient{
		baseURL:     baseURL,
		mailFolder:  folder,
		adapter:     adapter,
		policy:      cfg.Policy,
		callTimeout: callTimeout,
	}
}

func (g *GraphClient) InitialDeltaURL() string {
	return g.baseURL + "/me/mailFolders/" + url.PathEscape(g.mailFolder) + "/messages/delta"
}

type deltaEnvelope struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

type deltaItemHeader struct {
	ID      string          `json:"id"`
	Removed json.RawMessage `json:"@removed"`
}

// FetchDelta requests one page. An empty cursor starts from the folder
// delta endpoint; a stored link is requested verbatim since it already
// carries the skip or delta token.
func (g *GraphClient) FetchDelta(ctx context.Context, req core.DeltaRequest) (core.DeltaPage, error) {
	target := strings.TrimSpace(req.Cursor)
	if target == "" {
		target = g.InitialDeltaURL()
	}
	headers := map[string]string{}
	if size := req.PageSize; size > 0 {
		if size > maxPageSize {
			size = maxPageSize
		}
		headers["Prefer"] = fmt.Sprintf("odata.maxpagesize=%d", size)
	}

	res, err := g.call(ctx, req.AccountID, req.AccessToken, bucketMailbox, http.MethodGet, target, headers, nil)
	if err != nil {
		return core.DeltaPage{}, err
	}
	if res.StatusCode != http.StatusOK {
		return core.DeltaPage{}, graphStatusError(res)
	}

	var envelope deltaEnvelope
	if err := json.Unmarshal(res.Body, &envelope); err != nil {
		return core.DeltaPage{}, core.ProviderError(res.StatusCode, "invalid_response", "delta page is not json", err)
	}
	page := core.DeltaPage{
		Items:     make([]core.DeltaItem, 0, len(envelope.Value)),
		NextLink:  envelope.NextLink,
		DeltaLink: envelope.DeltaLink,
	}
	for _, raw := range envelope.Value {
		var header deltaItemHeader
		// A malformed item is passed through with an empty id so the
		// transform step can count it as an item error.
		_ = json.Unmarshal(raw, &header)
		page.Items = append(page.Items, core.DeltaItem{
			ID:      header.ID,
			Removed: len(header.Removed) > 0,
			Raw:     append(json.RawMessage(nil), raw...),
		})
	}
	if page.NextLink == "" && page.DeltaLink == "" {
		return core.DeltaPage{}, core.ProviderError(res.StatusCode, "invalid_response", "delta page carries neither next nor delta link", nil)
	}
	return page, nil
}

type subscriptionPayload struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (g *GraphClient) CreateSubscription(ctx context.Context, req core.SubscriptionRequest) (core.SubscriptionGrant, error) {
	body, err := json.Marshal(subscriptionPayload{
		ChangeType:         req.ChangeType,
		NotificationURL:    req.NotificationURL,
		Resource:           req.Resource,
		ExpirationDateTime: req.ExpiresAt.UTC().Format(time.RFC3339),
		ClientState:        req.ClientState,
	})
	if err != nil {
		return core.SubscriptionGrant{}, core.BadInputError("encode subscription request", err)
	}
	res, err := g.call(ctx, req.AccountID, req.AccessToken, bucketSubscriptions, http.MethodPost, g.baseURL+"/subscriptions", nil, body)
	if err != nil {
		return core.SubscriptionGrant{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return core.SubscriptionGrant{}, graphStatusError(res)
	}

	var created subscriptionPayload
	if err := json.Unmarshal(res.Body, &created); err != nil || strings.TrimSpace(created.ID) == "" {
		return core.SubscriptionGrant{}, core.ProviderError(res.StatusCode, "invalid_response", "subscription response has no id", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, created.ExpirationDateTime)
	if err != nil {
		expiresAt = req.ExpiresAt.UTC()
	}
	grant := core.SubscriptionGrant{
		SubscriptionID:  created.ID,
		Resource:        firstNonEmpty(created.Resource, req.Resource),
		ChangeType:      firstNonEmpty(created.ChangeType, req.ChangeType),
		NotificationURL: firstNonEmpty(created.NotificationURL, req.NotificationURL),
		ClientState:     req.ClientState,
		ExpiresAt:       expiresAt.UTC(),
	}
	return grant, nil
}

func (g *GraphClient) RenewSubscription(ctx context.Context, req core.SubscriptionRenewal) (time.Time, error) {
	body, err := json.Marshal(subscriptionPayload{
		ExpirationDateTime: req.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return time.Time{}, core.BadInputError("encode subscription renewal", err)
	}
	target := g.baseURL + "/subscriptions/" + url.PathEscape(strings.TrimSpace(req.SubscriptionID))
	res, err := g.call(ctx, req.AccountID, req.AccessToken, bucketSubscriptions, http.MethodPatch, target, nil, body)
	if err != nil {
		return time.Time{}, err
	}
	if res.StatusCode != http.StatusOK {
		return time.Time{}, graphStatusError(res)
	}
	var renewed subscriptionPayload
	if err := json.Unmarshal(res.Body, &renewed); err == nil {
		if at, parseErr := time.Parse(time.RFC3339, renewed.ExpirationDateTime); parseErr == nil {
			return at.UTC(), nil
		}
	}
	return req.ExpiresAt.UTC(), nil
}

func (g *GraphClient) DeleteSubscription(ctx context.Context, accountID, accessToken, subscriptionID string) error {
	target := g.baseURL + "/subscriptions/" + url.PathEscape(strings.TrimSpace(subscriptionID))
	res, err := g.call(ctx, accountID, accessToken, bucketSubscriptions, http.MethodDelete, target, nil, nil)
	if err != nil {
		return err
	}
	switch res.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return graphStatusError(res)
	}
}

// call wraps one request with the account throttle window.
func (g *GraphClient) call(
	ctx context.Context,
	accountID string,
	accessToken string,
	bucket string,
	method string,
	target string,
	headers map[string]string,
	body []byte,
) (transport.Response, error) {
	if strings.TrimSpace(accessToken) == "" {
		return transport.Response{}, core.BadInputError("access token is required", nil)
	}
	key := core.RateLimitKey{ProviderID: ProviderID, AccountID: accountID, BucketKey: bucket}
	if g.policy != nil {
		if err := g.policy.BeforeCall(ctx, key); err != nil {
			var throttled ratelimit.ThrottledError
			if errors.As(err, &throttled) {
				return transport.Response{}, throttled.ToServiceError()
			}
			return transport.Response{}, err
		}
	}

	requestHeaders := map[string]string{"Authorization": "Bearer " + accessToken}
	for name, value := range headers {
		requestHeaders[name] = value
	}
	res, err := g.adapter.Do(ctx, transport.Request{
		Method:  method,
		URL:     target,
		Headers: requestHeaders,
		Body:    body,
		Timeout: g.callTimeout,
	})
	if err != nil {
		return transport.Response{}, err
	}

	if g.policy != nil {
		meta := core.ProviderResponseMeta{StatusCode: res.StatusCode, Headers: res.Headers}
		if hint := retryAfter(res); hint > 0 {
			meta.RetryAfter = &hint
		}
		if err := g.policy.AfterCall(context.WithoutCancel(ctx), key, meta); err != nil {
			return transport.Response{}, err
		}
	}
	return res, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

var (
	_ core.DeltaSource        = (*GraphClient)(nil)
	_ core.SubscriptionClient = (*GraphClient)(nil)
)
