package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-mailsync/core"
)

func TestRESTAdapter_DoSendsMethodHeadersQueryAndBody(t *testing.T) {
	var gotMethod, gotAuth, gotPrefer, gotQuery, gotContentType, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		gotPrefer = r.Header.Get("Prefer")
		gotQuery = r.URL.Query().Get("$select")
		gotContentType = r.Header.Get("Content-Type")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"sub_1"}`))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	res, err := adapter.Do(context.Background(), Request{
		Method:  "post",
		URL:     server.URL + "/subscriptions",
		Headers: map[string]string{"Authorization": "Bearer tok", "Prefer": "odata.maxpagesize=10"},
		Query:   map[string]string{"$select": "id"},
		Body:    []byte(`{"a":1}`),
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotMethod != http.MethodPost || gotAuth != "Bearer tok" || gotPrefer != "odata.maxpagesize=10" {
		t.Fatalf("unexpected request method=%q auth=%q prefer=%q", gotMethod, gotAuth, gotPrefer)
	}
	if gotQuery != "id" {
		t.Fatalf("expected query parameter, got %q", gotQuery)
	}
	if gotContentType != "application/json" || gotBody != `{"a":1}` {
		t.Fatalf("unexpected body %q with content type %q", gotBody, gotContentType)
	}
	if res.StatusCode != http.StatusCreated || string(res.Body) != `{"id":"sub_1"}` {
		t.Fatalf("unexpected response %+v", res)
	}
	if res.Header("retry-after") != "3" {
		t.Fatalf("expected case-insensitive header lookup, got %q", res.Header("retry-after"))
	}
}

func TestRESTAdapter_NonSuccessStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	res, err := NewRESTAdapter(server.Client()).Do(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("expected status to be returned to the caller, got %v", err)
	}
	if res.StatusCode != http.StatusGone {
		t.Fatalf("expected 410, got %d", res.StatusCode)
	}
}

func TestRESTAdapter_ResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 4

	_, err := adapter.Do(context.Background(), Request{URL: server.URL})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != core.ErrorProviderRejected {
		t.Fatalf("expected %q text code, got %q", core.ErrorProviderRejected, rich.TextCode)
	}
	if core.IsTransientProviderError(err) {
		t.Fatalf("oversized body must not be retried")
	}

	_, err = adapter.Do(context.Background(), Request{URL: server.URL, MaxResponseBodyBytes: 10})
	if err != nil {
		t.Fatalf("request limit should override adapter limit: %v", err)
	}
}

func TestRESTAdapter_NetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewRESTAdapter(&http.Client{Timeout: time.Second}).Do(context.Background(), Request{URL: url})
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if !core.IsTransientProviderError(err) {
		t.Fatalf("expected transient provider error, got %v", err)
	}
	if IsCanceled(err) {
		t.Fatalf("connection refused is not a cancellation")
	}
}

func TestRESTAdapter_CancelledContextIsDetectable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRESTAdapter(server.Client()).Do(ctx, Request{URL: server.URL})
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !IsCanceled(err) {
		t.Fatalf("expected errors.Is context.Canceled, got %v", err)
	}
}

func TestRESTAdapter_RejectsRelativeURL(t *testing.T) {
	_, err := NewRESTAdapter(nil).Do(context.Background(), Request{URL: "/me/messages"})
	if err == nil {
		t.Fatalf("expected relative url to be rejected")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != core.ErrorBadInput {
		t.Fatalf("expected bad input error, got %v", err)
	}
}
