package http

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"

	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
)

var (
	ErrHeadNotSupported    = errors.New("HEAD method not supported by server")
	ErrRangesNotSupported  = errors.New("byte ranges not supported by server")
	ErrRangeIgnored        = errors.New("server ignored range request")
	ErrInvalidContentRange = errors.New("invalid Content-Range header")

	ErrTimeout         = errors.New("operation timed out")
	ErrIdleTimeout     = errors.New("no data received within idle timeout")
	ErrNetworkProblem  = errors.New("network-related error")
	ErrIOProblem       = errors.New("I/O error")
	ErrRequestCreation = errors.New("failed to create request")

	ErrServerProblem    = errors.New("server error (5xx)")
	ErrTooManyRequests  = errors.New("too many requests (429)")
	ErrResourceNotFound = errors.New("resource not found (404)")
	ErrAccessDenied     = errors.New("access denied (403)")
	ErrAuthentication   = errors.New("authentication required (401)")
	ErrGone             = errors.New("resource gone (410)")
	ErrClientRequest    = errors.New("client error (4xx)")

	ErrUnknown       = errors.New("unknown error")
	ErrUnexpectedEOF = errors.New("unexpected EOF")
)

// ClassifyHTTPError converts an HTTP status code into an appropriate error.
func ClassifyHTTPError(statusCode int) error {
	switch statusCode {
	case http.StatusNotFound:
		return ErrResourceNotFound
	case http.StatusForbidden:
		return ErrAccessDenied
	case http.StatusUnauthorized:
		return ErrAuthentication
	case http.StatusGone:
		return ErrGone
	case http.StatusMethodNotAllowed:
		return ErrHeadNotSupported
	case http.StatusRequestedRangeNotSatisfiable:
		return ErrRangesNotSupported
	case http.StatusTooManyRequests:
		return ErrTooManyRequests
	default:
		switch {
		case statusCode >= http.StatusInternalServerError:
			return ErrServerProblem
		case statusCode >= http.StatusBadRequest:
			return ErrClientRequest
		default:
			return nil
		}
	}
}

// ClassifyError categorizes a general error into a sentinel error.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, ErrIdleTimeout) {
		return ErrIdleTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	if errors.Is(err, io.EOF) {
		return ErrUnexpectedEOF
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEOF
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetworkProblem
	}

	return ErrUnknown
}

// IsFallbackError checks if the error requires fallback during probing.
func IsFallbackError(err error) bool {
	return errors.Is(err, ErrHeadNotSupported) || errors.Is(err, ErrRangesNotSupported) || errors.Is(err, ErrUnexpectedEOF)
}

// ToDownloadError maps a failure on a direct-link fetch onto the error
// taxonomy. Auth, forbidden, not-found and gone answers, an ignored range and
// a body that ends early all mean the direct link may have expired. Only a
// resolver can tell a missing share apart from a stale link.
func ToDownloadError(err error, resource string, statusCode int) *dlErrors.DownloadError {
	if err == nil {
		return nil
	}

	var de *dlErrors.DownloadError
	if errors.As(err, &de) {
		return de
	}

	var out *dlErrors.DownloadError

	switch {
	case errors.Is(err, context.Canceled):
		out = dlErrors.NewCancelledError(err, resource)
	case errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrResourceNotFound),
		errors.Is(err, ErrGone),
		errors.Is(err, ErrRangeIgnored),
		errors.Is(err, ErrUnexpectedEOF):
		out = dlErrors.NewLinkExpiredError(err, resource)
	case errors.Is(err, ErrRangesNotSupported),
		errors.Is(err, ErrInvalidContentRange),
		errors.Is(err, ErrRequestCreation),
		errors.Is(err, ErrIOProblem),
		errors.Is(err, ErrClientRequest),
		errors.Is(err, ErrHeadNotSupported):
		out = dlErrors.NewUnrecoverableError(err, resource)
	default:
		// 429, 5xx, timeouts and plain network trouble
		out = dlErrors.NewTransientError(err, resource)
	}

	if statusCode != 0 {
		out.WithStatus(statusCode)
	}

	return out
}

// StatusError carries the status code of a failed response alongside its
// classified sentinel.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status recorded on err, if any.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	return 0
}

func statusError(code int) error {
	return &StatusError{Code: code, Err: ClassifyHTTPError(code)}
}
