package microsoft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/transport"
	"golang.org/x/oauth2"
)

const (
	ProviderID = "microsoft"

	grantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

	defaultTokenLifetime  = 3600 * time.Second
	defaultDeviceInterval = 5
	defaultDeviceExpiry   = 900
)

type IdentityConfig struct {
	AuthorityURL string
	Scopes       []string
	HTTPClient   *http.Client
	CallTimeout  time.Duration
	Now          func() time.Time
}

// IdentityClient talks to the Microsoft identity platform v2.0 endpoints of
// one authority. Registrations are passed per call, so one client serves
// every account.
type IdentityClient struct {
	authority   string
	scopes      []string
	httpClient  *http.Client
	rest        *transport.RESTAdapter
	callTimeout time.Duration
	now         func() time.Time
}

func NewIdentityClient(cfg IdentityConfig) *IdentityClient {
	authority := strings.TrimRight(strings.TrimSpace(cfg.AuthorityURL), "/")
	if authority == "" {
		authority = core.DefaultAuthorityURL
	}
	scopes := normalizeScopes(cfg.Scopes)
	if len(scopes) == 0 {
		scopes = strings.Fields(core.DefaultScope)
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &IdentityClient{
		authority:   authority,
		scopes:      scopes,
		httpClient:  httpClient,
		rest:        transport.NewRESTAdapter(httpClient),
		callTimeout: callTimeout,
		now:         now,
	}
}

func (c *IdentityClient) endpoint(tenantID string) oauth2.Endpoint {
	base := c.authority + "/" + url.PathEscape(strings.TrimSpace(tenantID)) + "/oauth2/v2.0"
	return oauth2.Endpoint{
		AuthURL:       base + "/authorize",
		TokenURL:      base + "/token",
		DeviceAuthURL: base + "/devicecode",
		AuthStyle:     oauth2.AuthStyleInParams,
	}
}

func (c *IdentityClient) oauthConfig(reg core.ClientRegistration) *oauth2.Config {
	cfg := &oauth2.Config{
		ClientID:    reg.ClientID,
		Endpoint:    c.endpoint(reg.TenantID),
		RedirectURL: reg.RedirectURI,
		Scopes:      append([]string(nil), c.scopes...),
	}
	if secret, ok := reg.ClientSecret(); ok {
		cfg.ClientSecret = secret
	}
	return cfg
}

func (c *IdentityClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *IdentityClient) AuthorizationURL(reg core.ClientRegistration, state string) (string, error) {
	if reg.AuthType != core.AuthTypeAuthorizationCode {
		return "", core.ConfigurationError("authorization code flow requires an authorization code account", core.ErrInvalidAuthType)
	}
	if strings.TrimSpace(state) == "" {
		return "", core.BadInputError("state is required", nil)
	}
	return c.oauthConfig(reg).AuthCodeURL(state, oauth2.SetAuthURLParam("response_mode", "query")), nil
}

func (c *IdentityClient) ExchangeCode(ctx context.Context, reg core.ClientRegistration, code string) (core.TokenSet, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return core.TokenSet{}, core.BadInputError("authorization code is required", nil)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	cfg := c.oauthConfig(reg)
	token, err := cfg.Exchange(callCtx, code, oauth2.SetAuthURLParam("scope", strings.Join(cfg.Scopes, " ")))
	if err != nil {
		return core.TokenSet{}, mapTokenEndpointError(err)
	}
	return c.tokenSet(token, ""), nil
}

func (c *IdentityClient) Refresh(ctx context.Context, reg core.ClientRegistration, refreshToken string) (core.TokenSet, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return core.TokenSet{}, core.AuthExchangeError("invalid_grant", "no refresh token stored", nil)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	token, err := c.oauthConfig(reg).TokenSource(callCtx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return core.TokenSet{}, mapTokenEndpointError(err)
	}
	return c.tokenSet(token, refreshToken), nil
}

func (c *IdentityClient) StartDeviceAuthorization(ctx context.Context, reg core.ClientRegistration) (core.DeviceAuthorizationGrant, error) {
	if reg.AuthType != core.AuthTypeDeviceCode {
		return core.DeviceAuthorizationGrant{}, core.ConfigurationError("device code flow requires a device code account", core.ErrInvalidAuthType)
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	res, err := c.oauthConfig(reg).DeviceAuth(callCtx)
	if err != nil {
		return core.DeviceAuthorizationGrant{}, mapTokenEndpointError(err)
	}

	expiresIn := defaultDeviceExpiry
	if !res.Expiry.IsZero() {
		if remaining := int(time.Until(res.Expiry).Round(time.Second).Seconds()); remaining > 0 {
			expiresIn = remaining
		}
	}
	interval := int(res.Interval)
	if interval <= 0 {
		interval = defaultDeviceInterval
	}
	verificationURI := res.VerificationURI
	return core.DeviceAuthorizationGrant{
		DeviceCode:      res.DeviceCode,
		UserCode:        res.UserCode,
		VerificationURI: verificationURI,
		ExpiresIn:       expiresIn,
		Interval:        interval,
		Message: fmt.Sprintf(
			"To sign in, use a web browser to open the page %s and enter the code %s to authenticate.",
			verificationURI, res.UserCode,
		),
	}, nil
}

type deviceTokenPayload struct {
	AccessToken      string          `json:"access_token"`
	RefreshToken     string          `json:"refresh_token"`
	TokenType        string          `json:"token_type"`
	Scope            string          `json:"scope"`
	ExpiresIn        json.RawMessage `json:"expires_in"`
	ErrorCode        string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// PollDeviceToken sends a single device_code grant request. oauth2's
// DeviceAccessToken polls until completion, which would hide the pending
// answers the caller needs to see.
func (c *IdentityClient) PollDeviceToken(ctx context.Context, reg core.ClientRegistration, deviceCode string) (core.DevicePoll, error) {
	deviceCode = strings.TrimSpace(deviceCode)
	if deviceCode == "" {
		return core.DevicePoll{}, core.BadInputError("device code is required", nil)
	}
	form := url.Values{}
	form.Set("grant_type", grantTypeDeviceCode)
	form.Set("client_id", reg.ClientID)
	form.Set("device_code", deviceCode)

	res, err := c.rest.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     c.endpoint(reg.TenantID).TokenURL,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    []byte(form.Encode()),
		Timeout: c.callTimeout,
	})
	if err != nil {
		return core.DevicePoll{}, err
	}

	var payload deviceTokenPayload
	decodeErr := json.Unmarshal(res.Body, &payload)
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if decodeErr != nil {
			return core.DevicePoll{}, core.ProviderError(res.StatusCode, "invalid_response", "token response is not json", decodeErr)
		}
		return core.DevicePoll{
			Outcome: core.DevicePollApproved,
			Token: c.finishTokenSet(core.TokenSet{
				AccessToken:  payload.AccessToken,
				RefreshToken: payload.RefreshToken,
				TokenType:    payload.TokenType,
				Scope:        payload.Scope,
			}, parseExpiresIn(payload.ExpiresIn)),
		}, nil
	}

	if isTransientStatus(res.StatusCode) {
		return core.DevicePoll{}, core.TransientProviderError(res.StatusCode, retryAfter(res), nil)
	}
	switch payload.ErrorCode {
	case "authorization_pending":
		return core.DevicePoll{Outcome: core.DevicePollPending}, nil
	case "slow_down":
		return core.DevicePoll{Outcome: core.DevicePollSlowDown}, nil
	}
	code := payload.ErrorCode
	if code == "" {
		code = "http_" + strconv.Itoa(res.StatusCode)
	}
	return core.DevicePoll{}, core.AuthExchangeError(code, payload.ErrorDescription, nil)
}

func (c *IdentityClient) tokenSet(token *oauth2.Token, previousRefresh string) core.TokenSet {
	set := core.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry.UTC(),
	}
	if set.RefreshToken == "" {
		set.RefreshToken = previousRefresh
	}
	if scope, ok := token.Extra("scope").(string); ok {
		set.Scope = scope
	}
	if token.Expiry.IsZero() {
		return c.finishTokenSet(set, 0)
	}
	return set
}

// finishTokenSet fills the expiry from expires_in, defaulting to one hour
// when the provider left it out.
func (c *IdentityClient) finishTokenSet(set core.TokenSet, expiresIn int) core.TokenSet {
	lifetime := defaultTokenLifetime
	if expiresIn > 0 {
		lifetime = time.Duration(expiresIn) * time.Second
	}
	set.ExpiresAt = c.now().Add(lifetime).UTC()
	if set.TokenType == "" {
		set.TokenType = "Bearer"
	}
	return set
}

// parseExpiresIn accepts both numeric and quoted forms.
func parseExpiresIn(raw json.RawMessage) int {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" {
		return 0
	}
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0
	}
	return value
}

// mapTokenEndpointError sorts token endpoint failures into retryable and
// rejected. Context errors are returned untouched.
func mapTokenEndpointError(err error) error {
	if err == nil {
		return nil
	}
	if transport.IsCanceled(err) {
		return err
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		var hint time.Duration
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
			hint = parseRetryAfter(retrieveErr.Response.Header.Get("Retry-After"))
		}
		if isTransientStatus(status) {
			return core.TransientProviderError(status, hint, err)
		}
		code := retrieveErr.ErrorCode
		if code == "" {
			code = "http_" + strconv.Itoa(status)
		}
		return core.AuthExchangeError(code, retrieveErr.ErrorDescription, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return core.TransientProviderError(0, 0, err)
	}
	return core.AuthExchangeError("invalid_response", err.Error(), err)
}

func normalizeScopes(scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		for _, field := range strings.Fields(scope) {
			out = append(out, field)
		}
	}
	return out
}

var _ core.IdentityProvider = (*IdentityClient)(nil)
