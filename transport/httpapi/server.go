// Package httpapi exposes the browser and provider facing endpoints: the
// OAuth redirect callback, device code polling, auth status and the Graph
// change notification receiver.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-mailsync/auth"
	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/webhooks"
)

const maxNotificationBody = 1 << 20

type Service interface {
	GetAccount(ctx context.Context, account string) (core.Account, error)
	StartAuthorization(ctx context.Context, accountID string) (auth.AuthorizationStart, error)
	CompleteAuthorization(ctx context.Context, code, state string) (auth.AuthResult, error)
	PollDeviceCode(ctx context.Context, deviceCode string) (auth.PollResult, error)
	AuthStatus(ctx context.Context, accountID string) (auth.AuthStatus, error)
	HandleNotifications(ctx context.Context, notifications []webhooks.Notification) ([]string, error)
}

// SyncTrigger starts a background sync for an account.
type SyncTrigger interface {
	TriggerSync(accountID string) bool
}

// MetricsSource exposes in-process metric series.
type MetricsSource interface {
	Snapshot() []core.MetricSample
}

type Handler struct {
	service  Service
	trigger  SyncTrigger
	metrics  MetricsSource
	observer core.Observer
	router   chi.Router
}

type Option func(*Handler)

func WithSyncTrigger(trigger SyncTrigger) Option {
	return func(h *Handler) {
		if h == nil || trigger == nil {
			return
		}
		h.trigger = trigger
	}
}

// WithMetrics serves the metric snapshot on GET /metrics.
func WithMetrics(metrics MetricsSource) Option {
	return func(h *Handler) {
		if h == nil || metrics == nil {
			return
		}
		h.metrics = metrics
	}
}

func WithObserver(observer core.Observer) Option {
	return func(h *Handler) {
		if h == nil {
			return
		}
		h.observer = observer
	}
}

func NewHandler(service Service, opts ...Option) (*Handler, error) {
	if service == nil {
		return nil, core.ConfigurationError("httpapi service is required", nil)
	}
	h := &Handler{service: service}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.observer.Prefix == "" {
		h.observer.Prefix = "mailsync.http"
	}
	h.router = h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.metrics != nil {
		r.Get("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"series": h.metrics.Snapshot()})
		})
	}
	r.Route("/auth", func(r chi.Router) {
		r.Get("/start", h.startAuthorization)
		r.Get("/callback", h.authorizationCallback)
		r.Post("/device/poll", h.pollDeviceCode)
		r.Get("/status/{account}", h.authStatus)
	})
	r.Post(webhooks.NotificationPath, h.graphNotifications)
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.observer.Debug(r.Context(), "http request", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"request_id":  chimiddleware.GetReqID(r.Context()),
		})
	})
}

// startAuthorization redirects the browser to the provider authorize URL.
// With format=json the URL is returned instead.
func (h *Handler) startAuthorization(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("account"))
	if ref == "" {
		h.writeError(w, r, core.BadInputError("account query parameter is required", nil))
		return
	}
	account, err := h.service.GetAccount(r.Context(), ref)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	start, err := h.service.StartAuthorization(r.Context(), account.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeJSON(w, http.StatusOK, map[string]any{
			"account_id": start.AccountID,
			"auth_url":   start.URL,
			"expires_at": start.ExpiresAt,
		})
		return
	}
	http.Redirect(w, r, start.URL, http.StatusFound)
}

func (h *Handler) authorizationCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if providerErr := query.Get("error"); providerErr != "" {
		h.writeError(w, r, core.AuthExchangeError(providerErr, query.Get("error_description"), nil))
		return
	}
	code := strings.TrimSpace(query.Get("code"))
	state := strings.TrimSpace(query.Get("state"))
	if code == "" || state == "" {
		h.writeError(w, r, core.BadInputError("code and state query parameters are required", nil))
		return
	}
	result, err := h.service.CompleteAuthorization(r.Context(), code, state)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": result.AccountID,
		"email":      result.Email,
		"auth_state": result.AuthState,
		"status":     result.Status,
		"expires_at": result.ExpiresAt,
		"scope":      result.Scope,
	})
}

type devicePollRequest struct {
	DeviceCode string `json:"device_code"`
}

func (h *Handler) pollDeviceCode(w http.ResponseWriter, r *http.Request) {
	var req devicePollRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, r, core.BadInputError("decode device poll request", err))
		return
	}
	if strings.TrimSpace(req.DeviceCode) == "" {
		h.writeError(w, r, core.BadInputError("device_code is required", nil))
		return
	}
	result, err := h.service.PollDeviceCode(r.Context(), req.DeviceCode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Status != auth.PollAuthenticated {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{
		"status":     result.Status,
		"account_id": result.AccountID,
		"interval":   result.Interval,
	})
}

func (h *Handler) authStatus(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.service.AuthStatus(r.Context(), account.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body := map[string]any{
		"account_id": status.AccountID,
		"email":      status.Email,
		"auth_type":  status.AuthType,
		"auth_state": status.AuthState,
		"status":     status.Status,
		"has_token":  status.Token != nil,
	}
	if status.LastError != "" {
		body["last_error"] = status.LastError
	}
	if status.Token != nil {
		body["token"] = status.Token
	}
	writeJSON(w, http.StatusOK, body)
}

// graphNotifications answers the subscription validation handshake by echoing
// validationToken, and otherwise accepts a notification delivery. Graph
// expects 202 quickly, so syncs run in the background.
func (h *Handler) graphNotifications(w http.ResponseWriter, r *http.Request) {
	if token, ok := r.URL.Query()["validationToken"]; ok && len(token) > 0 {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token[0])
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBody))
	if err != nil {
		h.writeError(w, r, core.BadInputError("read notification payload", err))
		return
	}
	notifications, err := webhooks.ParseNotifications(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	due, err := h.service.HandleNotifications(r.Context(), notifications)
	if err != nil {
		h.observer.Warn(r.Context(), "rejected webhook notifications", map[string]any{
			"error":    err.Error(),
			"received": len(notifications),
		})
	}
	triggered := 0
	if h.trigger != nil {
		for _, accountID := range due {
			if h.trigger.TriggerSync(accountID) {
				triggered++
			}
		}
	}
	h.observer.Info(r.Context(), "webhook delivery accepted", map[string]any{
		"received":  len(notifications),
		"sync_due":  len(due),
		"triggered": triggered,
	})
	w.WriteHeader(http.StatusAccepted)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
			Code:    core.ErrorInternal,
			Message: err.Error(),
		}})
		return
	}
	mapped := core.MapError(err)
	var rich *goerrors.Error
	if !goerrors.As(mapped, &rich) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    core.ErrorInternal,
			Message: "An unexpected error occurred",
		}})
		return
	}
	status := rich.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		h.observer.Error(r.Context(), "request failed", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Code:     rich.TextCode,
		Message:  rich.Message,
		Metadata: core.RedactSensitiveMap(rich.Metadata),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
