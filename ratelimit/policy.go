package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-mailsync/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

type State struct {
	Key            core.RateLimitKey
	Limit          int
	Remaining      int // -1 when the provider did not report it
	ResetAt        *time.Time
	RetryAfter     *time.Duration
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, key core.RateLimitKey) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ThrottledError is returned by BeforeCall while an account is inside a
// throttle window. The call was never sent.
type ThrottledError struct {
	ProviderID string
	AccountID  string
	BucketKey  string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf(
		"ratelimit: provider %q account %q bucket %q throttled for %s",
		strings.TrimSpace(e.ProviderID),
		strings.TrimSpace(e.AccountID),
		strings.TrimSpace(e.BucketKey),
		e.RetryAfter,
	)
}

// ToServiceError converts the throttle into a transient provider error whose
// retry hint is the remaining window, so core.RetryPolicy waits it out.
func (e ThrottledError) ToServiceError() *goerrors.Error {
	return core.TransientProviderError(http.StatusTooManyRequests, e.RetryAfter, e).
		WithMetadata(map[string]any{
			core.MetadataAccountID: strings.TrimSpace(e.AccountID),
			"bucket_key":           strings.TrimSpace(e.BucketKey),
		})
}

type AdaptivePolicy struct {
	Store            StateStore
	Now              func() time.Time
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	DefaultRetryHint time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:            store,
		Now:              func() time.Time { return time.Now().UTC() },
		InitialBackoff:   time.Second,
		MaxBackoff:       time.Minute,
		DefaultRetryHint: 5 * time.Second,
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, key core.RateLimitKey) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, normalizeKey(key))
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return throttled(state.Key, until.Sub(now))
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return throttled(state.Key, state.ResetAt.Sub(now))
	}
	return nil
}

func (p *AdaptivePolicy) AfterCall(ctx context.Context, key core.RateLimitKey, res core.ProviderResponseMeta) error {
	if p == nil || p.Store == nil {
		return nil
	}
	key = normalizeKey(key)
	now := p.now()
	state, err := p.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrStateNotFound):
		state = State{Key: key}
	case err != nil:
		return err
	}

	hints := readHints(res, now)
	state.LastStatus = res.StatusCode
	state.UpdatedAt = now
	state.Remaining = -1
	state.RetryAfter = nil
	if hints.limit != nil {
		state.Limit = *hints.limit
	}
	if hints.remaining != nil {
		state.Remaining = *hints.remaining
	}
	if hints.resetAt != nil {
		state.ResetAt = hints.resetAt
	}
	if hints.retryAfter != nil {
		state.RetryAfter = hints.retryAfter
	}

	if hints.throttled(res.StatusCode) {
		state.Attempts++
		delay := p.backoff(state.Attempts)
		if hints.retryAfter != nil {
			delay = *hints.retryAfter
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
	} else {
		state.Attempts = 0
		state.ThrottledUntil = nil
	}
	return p.Store.Upsert(ctx, state)
}

func throttled(key core.RateLimitKey, retryAfter time.Duration) ThrottledError {
	return ThrottledError{
		ProviderID: key.ProviderID,
		AccountID:  key.AccountID,
		BucketKey:  key.BucketKey,
		RetryAfter: retryAfter,
	}
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// backoff doubles from InitialBackoff per consecutive throttle, capped at
// MaxBackoff. It is used only when the response carried no Retry-After.
func (p *AdaptivePolicy) backoff(attempt int) time.Duration {
	initial, maximum := p.InitialBackoff, p.MaxBackoff
	if initial <= 0 {
		initial = p.defaultRetryHint()
	}
	if maximum < initial {
		maximum = time.Minute
	}
	delay := initial
	for i := 1; i < attempt && delay < maximum; i++ {
		delay *= 2
	}
	return min(delay, maximum)
}

func (p *AdaptivePolicy) defaultRetryHint() time.Duration {
	if p != nil && p.DefaultRetryHint > 0 {
		return p.DefaultRetryHint
	}
	return 5 * time.Second
}

// hints are the throttling signals a Graph response carries. Nil fields were
// absent or unparseable.
type hints struct {
	limit      *int
	remaining  *int
	resetAt    *time.Time
	retryAfter *time.Duration
}

func readHints(res core.ProviderResponseMeta, now time.Time) hints {
	var h hints
	h.limit = headerInt(res.Headers, "x-ratelimit-limit")
	h.remaining = headerInt(res.Headers, "x-ratelimit-remaining")
	if reset := headerInt(res.Headers, "x-ratelimit-reset"); reset != nil && *reset > 0 {
		at := time.Unix(int64(*reset), 0).UTC()
		h.resetAt = &at
	}
	switch {
	case res.RetryAfter != nil && *res.RetryAfter > 0:
		wait := *res.RetryAfter
		h.retryAfter = &wait
	default:
		h.retryAfter = retryAfterHeader(headerValue(res.Headers, "retry-after"), now)
	}
	return h
}

func (h hints) throttled(statusCode int) bool {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return true
	// Graph answers throttled mailbox requests with 503 plus Retry-After.
	case statusCode == http.StatusServiceUnavailable:
		return h.retryAfter != nil
	case statusCode >= http.StatusInternalServerError:
		return false
	}
	return h.remaining != nil && *h.remaining == 0
}

// retryAfterHeader accepts delta seconds or an HTTP date.
func retryAfterHeader(raw string, now time.Time) *time.Duration {
	if raw == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return nil
		}
		wait := time.Duration(seconds) * time.Second
		return &wait
	}
	at, err := http.ParseTime(raw)
	if err != nil || !at.After(now) {
		return nil
	}
	wait := at.Sub(now)
	return &wait
}

func headerInt(headers map[string]string, key string) *int {
	value := headerValue(headers, key)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return nil
	}
	return &parsed
}

func headerValue(headers map[string]string, key string) string {
	for name, value := range headers {
		if strings.EqualFold(strings.TrimSpace(name), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func normalizeKey(key core.RateLimitKey) core.RateLimitKey {
	return core.RateLimitKey{
		ProviderID: strings.TrimSpace(strings.ToLower(key.ProviderID)),
		AccountID:  strings.TrimSpace(key.AccountID),
		BucketKey:  strings.TrimSpace(strings.ToLower(key.BucketKey)),
	}
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.RateLimitKey) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	normalized := normalizeKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[stateKey(normalized)]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	state.Key = normalizeKey(state.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[stateKey(state.Key)] = state
	return nil
}

func stateKey(key core.RateLimitKey) string {
	return key.ProviderID + "|" + key.AccountID + "|" + key.BucketKey
}

var _ core.RateLimitPolicy = (*AdaptivePolicy)(nil)
