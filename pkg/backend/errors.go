package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind classifies backend failures.
type Kind int

const (
	KindNetwork Kind = iota
	KindTimeout
	KindCanceled
	KindUnauthorized
	KindQuotaExceeded
	KindInvalidRequest
	KindUpstreamTimeout
	KindServer
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindUnauthorized:
		return "unauthorized"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindInvalidRequest:
		return "invalid_request"
	case KindUpstreamTimeout:
		return "upstream_timeout"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is returned by every Client for failed calls.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("backend %s error", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a backend Error of kind k.
func IsKind(err error, k Kind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == k
}

// KindForStatus maps a non-2xx HTTP status to its failure class.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusPaymentRequired, http.StatusTooManyRequests:
		return KindQuotaExceeded
	case http.StatusGatewayTimeout:
		return KindUpstreamTimeout
	}
	if status >= 500 {
		return KindServer
	}
	return KindInvalidRequest
}

func statusError(status int, message string) *Error {
	return &Error{Kind: KindForStatus(status), StatusCode: status, Message: message}
}

// transportError classifies a failure that produced no HTTP status.
func transportError(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindCanceled, Err: err}
	default:
		return &Error{Kind: KindNetwork, Err: err}
	}
}

func isRetryable(err error) bool {
	return IsKind(err, KindServer)
}
