package microsoft

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-mailsync/core"
	"github.com/goliatone/go-mailsync/transport"
)

type graphErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func isTransientStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// graphStatusError converts a non-success Graph answer into the error
// taxonomy. Throttling and server failures are transient; everything else
// is a provider rejection carrying the Graph error code.
func graphStatusError(res transport.Response) error {
	if isTransientStatus(res.StatusCode) {
		return core.TransientProviderError(res.StatusCode, retryAfter(res), nil)
	}
	var envelope graphErrorEnvelope
	_ = json.Unmarshal(res.Body, &envelope)
	code := strings.TrimSpace(envelope.Error.Code)
	if code == "" {
		code = "http_" + strconv.Itoa(res.StatusCode)
	}
	return core.ProviderError(res.StatusCode, code, envelope.Error.Message, nil)
}

func retryAfter(res transport.Response) time.Duration {
	return parseRetryAfter(res.Header("Retry-After"))
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
