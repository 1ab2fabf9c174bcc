package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorConfiguration     = "MAILSYNC_CONFIGURATION"
	ErrorInvalidState      = "MAILSYNC_INVALID_STATE"
	ErrorAuthExchange      = "MAILSYNC_AUTH_EXCHANGE"
	ErrorTokenRefresh      = "MAILSYNC_TOKEN_REFRESH"
	ErrorTransientProvider = "MAILSYNC_TRANSIENT_PROVIDER"
	ErrorProviderRejected  = "MAILSYNC_PROVIDER_REJECTED"
	ErrorPersistence       = "MAILSYNC_PERSISTENCE"
	ErrorNotFound          = "MAILSYNC_NOT_FOUND"
	ErrorBadInput          = "MAILSYNC_BAD_INPUT"
	ErrorConflict          = "MAILSYNC_CONFLICT"
	ErrorInternal          = "MAILSYNC_INTERNAL_ERROR"
)

const (
	MetadataProviderError            = "provider_error"
	MetadataProviderErrorDescription = "provider_error_description"
	MetadataStatusCode               = "status_code"
	MetadataRetryAfterMS             = "retry_after_ms"
	MetadataAccountID                = "account_id"
)

func ConfigurationError(message string, source error) *goerrors.Error {
	return wrapMailsyncError(source, goerrors.CategoryValidation, ErrorConfiguration, message)
}

func InvalidStateError(message string, source error) *goerrors.Error {
	return wrapMailsyncError(source, goerrors.CategoryAuth, ErrorInvalidState, message)
}

// AuthExchangeError carries the provider error code so callers can surface
// it as is.
func AuthExchangeError(providerCode, description string, source error) *goerrors.Error {
	message := "provider rejected the authorization grant"
	if code := strings.TrimSpace(providerCode); code != "" {
		message = fmt.Sprintf("provider rejected the authorization grant: %s", code)
	}
	return wrapMailsyncError(source, goerrors.CategoryAuth, ErrorAuthExchange, message).
		WithMetadata(map[string]any{
			MetadataProviderError:            strings.TrimSpace(providerCode),
			MetadataProviderErrorDescription: strings.TrimSpace(description),
		})
}

func TokenRefreshError(accountID string, source error) *goerrors.Error {
	return wrapMailsyncError(source, goerrors.CategoryAuth, ErrorTokenRefresh,
		"refresh token rejected, account requires re-authentication").
		WithMetadata(map[string]any{MetadataAccountID: accountID})
}

// TransientProviderError marks a failure worth retrying. retryAfter is zero
// when the provider gave no hint.
func TransientProviderError(statusCode int, retryAfter time.Duration, source error) *goerrors.Error {
	category := goerrors.CategoryExternal
	code := http.StatusBadGateway
	if statusCode == http.StatusTooManyRequests {
		category = goerrors.CategoryRateLimit
		code = http.StatusTooManyRequests
	}
	metadata := map[string]any{MetadataStatusCode: statusCode}
	if retryAfter > 0 {
		metadata[MetadataRetryAfterMS] = retryAfter.Milliseconds()
	}
	return wrapMailsyncError(source, category, ErrorTransientProvider, "transient provider failure").
		WithCode(code).
		WithMetadata(metadata)
}

func ProviderError(statusCode int, providerCode, description string, source error) *goerrors.Error {
	return wrapMailsyncError(source, goerrors.CategoryExternal, ErrorProviderRejected, "provider rejected the request").
		WithCode(http.StatusBadGateway).
		WithMetadata(map[string]any{
			MetadataStatusCode:               statusCode,
			MetadataProviderError:            strings.TrimSpace(providerCode),
			MetadataProviderErrorDescription: strings.TrimSpace(description),
		})
}

func PersistenceError(message string, source error) *goerrors.Error {
	return wrapMailsyncError(source, goerrors.CategoryInternal, ErrorPersistence, message)
}

func NotFoundError(message string, source error) *goerrors.Error {
	return wrapMailsyncError(source, goerrors.CategoryNotFound, ErrorNotFound, message)
}

func BadInputError(message string, source error) *goerrors.Error {
	return wrapMailsyncError(source, goerrors.CategoryBadInput, ErrorBadInput, message)
}

func wrapMailsyncError(source error, category goerrors.Category, textCode, message string) *goerrors.Error {
	var out *goerrors.Error
	if source == nil {
		out = goerrors.New(message, category)
	} else {
		out = goerrors.Wrap(source, category, message)
		out.Category = category
	}
	out.TextCode = textCode
	out.Code = 0
	return ensureMailsyncErrorEnvelope(out)
}

func IsConfigurationError(err error) bool     { return hasTextCode(err, ErrorConfiguration) }
func IsInvalidStateError(err error) bool      { return hasTextCode(err, ErrorInvalidState) }
func IsAuthExchangeError(err error) bool      { return hasTextCode(err, ErrorAuthExchange) }
func IsTokenRefreshError(err error) bool      { return hasTextCode(err, ErrorTokenRefresh) }
func IsTransientProviderError(err error) bool { return hasTextCode(err, ErrorTransientProvider) }
func IsProviderError(err error) bool          { return hasTextCode(err, ErrorProviderRejected) }
func IsPersistenceError(err error) bool       { return hasTextCode(err, ErrorPersistence) }
func IsNotFoundError(err error) bool          { return hasTextCode(err, ErrorNotFound) }
func IsBadInputError(err error) bool          { return hasTextCode(err, ErrorBadInput) }

// ProviderErrorCode returns the provider error code attached to err, if any.
func ProviderErrorCode(err error) string {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return ""
	}
	code, _ := richErr.Metadata[MetadataProviderError].(string)
	return code
}

// ProviderStatusCode returns the provider HTTP status attached to err, or 0.
func ProviderStatusCode(err error) int {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return 0
	}
	switch value := richErr.Metadata[MetadataStatusCode].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return 0
	}
}

// RetryAfterHint returns the provider retry hint carried by a transient error.
func RetryAfterHint(err error) time.Duration {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.Metadata == nil {
		return 0
	}
	switch value := richErr.Metadata[MetadataRetryAfterMS].(type) {
	case int64:
		return time.Duration(value) * time.Millisecond
	case int:
		return time.Duration(value) * time.Millisecond
	case float64:
		return time.Duration(value) * time.Millisecond
	default:
		return 0
	}
}

func hasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == textCode
}

// MapError normalizes any error into the mailsync taxonomy. Context
// cancellation is returned untouched.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return mailsyncErrorMapper(err)
}

func mailsyncErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureMailsyncErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrTokenNotFound),
		errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrSyncHistoryNotFound),
		errors.Is(err, ErrDeltaLinkNotFound):
		return NotFoundError(err.Error(), err)
	case errors.Is(err, ErrInvalidAuthType),
		errors.Is(err, ErrIncompleteAuthConfig),
		errors.Is(err, ErrClientSecretNotAllowed):
		return ConfigurationError(err.Error(), err)
	case errors.Is(err, ErrInvalidAuthStateTransition),
		errors.Is(err, ErrInvalidAccountStatusTransition),
		errors.Is(err, ErrAuthStateConflict),
		errors.Is(err, ErrAccountExists),
		errors.Is(err, ErrSyncHistoryClosed):
		return wrapMailsyncError(err, goerrors.CategoryConflict, ErrorConflict, err.Error())
	case errors.Is(err, ErrSubscriptionClientStateMismatch):
		return InvalidStateError(err.Error(), err)
	case errors.Is(err, ErrInvalidTokenSet):
		return BadInputError(err.Error(), err)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	if isStoreMessage(msg) {
		// Store argument checks read "<store>: <field> is required".
		if strings.Contains(msg, "required") || strings.Contains(msg, "invalid") {
			return BadInputError(err.Error(), err)
		}
		return PersistenceError(err.Error(), err)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureMailsyncErrorEnvelope(mapped)
}

func isStoreMessage(msg string) bool {
	for _, prefix := range []string{"sqlstore:", "memorystore:", "redisstore:"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}

func ensureMailsyncErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = mailsyncHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultMailsyncTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultMailsyncTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput:
		return ErrorBadInput
	case goerrors.CategoryValidation:
		return ErrorConfiguration
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ErrorInvalidState
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorTransientProvider
	case goerrors.CategoryExternal:
		return ErrorProviderRejected
	default:
		return ErrorInternal
	}
}

func mailsyncHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
