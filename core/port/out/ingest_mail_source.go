package out

import (
	"context"
	"errors"
	"time"

	"ingest_server/core/domain"
)

// MailSource lists a mailbox's messages since a cursor, in provider order.
// A listing cut short returns the messages it has together with a
// *PartialFetchError.
type MailSource interface {
	Provider() domain.Provider
	FetchSince(ctx context.Context, conn *domain.ProviderConnection, accessToken string, since time.Time) ([]domain.CanonicalMessage, error)
}

// PartialFetchError reports that everything received before Until was
// listed, and later messages were not. The cursor may only advance to Until.
type PartialFetchError struct {
	Provider domain.Provider
	Until    time.Time
}

func (e *PartialFetchError) Error() string {
	return string(e.Provider) + ": listing truncated at " + e.Until.UTC().Format(time.RFC3339)
}

// AsPartialFetch returns the partial fetch error in err, if any.
func AsPartialFetch(err error) (*PartialFetchError, bool) {
	var pe *PartialFetchError
	ok := errors.As(err, &pe)
	return pe, ok
}

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth       ProviderErrorCode = "auth_error"
	ProviderErrRateLimit  ProviderErrorCode = "rate_limit"
	ProviderErrNotFound   ProviderErrorCode = "not_found"
	ProviderErrNetwork    ProviderErrorCode = "network_error"
	ProviderErrServer     ProviderErrorCode = "server_error"
	ProviderErrBadRequest ProviderErrorCode = "bad_request"
)

// ProviderError is returned by MailSource implementations.
type ProviderError struct {
	Provider  domain.Provider
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return string(e.Provider) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Provider) + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider domain.Provider, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// ProviderErrorFromStatus classifies an HTTP status returned by a provider API.
func ProviderErrorFromStatus(provider domain.Provider, status int, message string, err error) *ProviderError {
	switch {
	case status == 401:
		return NewProviderError(provider, ProviderErrAuth, message, err, false)
	case status == 403:
		return NewProviderError(provider, ProviderErrAuth, message, err, false)
	case status == 404:
		return NewProviderError(provider, ProviderErrNotFound, message, err, false)
	case status == 429:
		return NewProviderError(provider, ProviderErrRateLimit, message, err, true)
	case status >= 500:
		return NewProviderError(provider, ProviderErrServer, message, err, true)
	case status >= 400:
		return NewProviderError(provider, ProviderErrBadRequest, message, err, false)
	}
	return NewProviderError(provider, ProviderErrNetwork, message, err, true)
}

// IsAuthError reports whether err is a provider auth failure.
func IsAuthError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == ProviderErrAuth
}
