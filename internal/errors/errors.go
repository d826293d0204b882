package errors

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
	Join   = errors.Join
)

// Kind classifies a failure so the scheduler can decide between retry,
// requeue and fail.
type Kind string

const (
	KindTransientNetwork Kind = "TransientNetwork" // retryable with bounded backoff
	KindLinkExpired      Kind = "LinkExpired"      // one resolver re-invocation
	KindQuotaExceeded    Kind = "QuotaExceeded"    // account unusable, try another
	KindAuthFailure      Kind = "AuthFailure"      // account unusable, surface if last
	KindNotFound         Kind = "NotFound"         // immediate failure
	KindUnrecoverable    Kind = "Unrecoverable"    // immediate failure
	KindCancelled        Kind = "Cancelled"        // paused or removed, not an error
)

// DownloadError is a classified failure from the pool, resolver or fetcher.
type DownloadError struct {
	Err        error     // Original error
	Kind       Kind      // Taxonomy bucket
	Retryable  bool      // Whether retry is recommended
	Timestamp  time.Time // When the error occurred
	Resource   string    // What resource was being accessed
	StatusCode int       // HTTP status code when one was involved
}

func (e *DownloadError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Resource, e.Err)
	}

	return fmt.Sprintf("[%s] %s (status: %d): %v", e.Kind, e.Resource, e.StatusCode, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrLinkExpired        = New("direct link expired")
	ErrQuotaExceeded      = New("account traffic quota exceeded")
	ErrAuthFailure        = New("account authentication failed")
	ErrNotFound           = New("shared file not found")
	ErrNoAccountAvailable = New("no account available")
	ErrSizeMismatch       = New("downloaded size does not match expected size")
	ErrIdleTimeout        = New("no data received within idle timeout")
)

func newError(kind Kind, err error, resource string, retryable bool) *DownloadError {
	return &DownloadError{
		Err:       err,
		Kind:      kind,
		Retryable: retryable,
		Timestamp: time.Now(),
		Resource:  resource,
	}
}

// NewTransientError creates a retryable network error.
func NewTransientError(err error, resource string) *DownloadError {
	return newError(KindTransientNetwork, err, resource, true)
}

// NewLinkExpiredError marks a fetch failure as a candidate for re-resolution.
func NewLinkExpiredError(err error, resource string) *DownloadError {
	if err == nil {
		err = ErrLinkExpired
	}

	return newError(KindLinkExpired, err, resource, true)
}

func NewQuotaError(err error, resource string) *DownloadError {
	if err == nil {
		err = ErrQuotaExceeded
	}

	return newError(KindQuotaExceeded, err, resource, false)
}

func NewAuthError(err error, resource string) *DownloadError {
	if err == nil {
		err = ErrAuthFailure
	}

	return newError(KindAuthFailure, err, resource, false)
}

func NewNotFoundError(err error, resource string) *DownloadError {
	if err == nil {
		err = ErrNotFound
	}

	return newError(KindNotFound, err, resource, false)
}

// NewUnrecoverableError creates an error that is never retried.
func NewUnrecoverableError(err error, resource string) *DownloadError {
	return newError(KindUnrecoverable, err, resource, false)
}

// NewCancelledError wraps a context cancellation.
func NewCancelledError(err error, resource string) *DownloadError {
	return newError(KindCancelled, err, resource, false)
}

// WithStatus records the HTTP status code that produced the error.
func (e *DownloadError) WithStatus(code int) *DownloadError {
	e.StatusCode = code
	return e
}

// KindOf extracts the taxonomy kind of err. Context cancellation is reported
// as Cancelled and anything unclassified as Unrecoverable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var downloadErr *DownloadError
	if As(err, &downloadErr) {
		return downloadErr.Kind
	}

	if Is(err, context.Canceled) {
		return KindCancelled
	}

	return KindUnrecoverable
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var downloadErr *DownloadError
	if As(err, &downloadErr) {
		return downloadErr.Retryable
	}

	return false
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsAccountFault reports whether the failure should be charged to the
// account rather than the task.
func IsAccountFault(err error) bool {
	k := KindOf(err)
	return k == KindQuotaExceeded || k == KindAuthFailure
}

// ShouldReResolve reports whether resuming after err must resolve the share
// link again before fetching.
func ShouldReResolve(kind Kind) bool {
	return kind == KindLinkExpired || kind == KindTransientNetwork
}

// GetStatusCode extracts the status code from an error if available
func GetStatusCode(err error) (int, bool) {
	var downloadErr *DownloadError
	if As(err, &downloadErr) && downloadErr.StatusCode != 0 {
		return downloadErr.StatusCode, true
	}

	return 0, false
}
