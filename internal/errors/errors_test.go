package errors_test

import (
	"context"
	stdErrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NamanBalaji/sharebridge/internal/errors"
)

func TestDownloadErrorError(t *testing.T) {
	de := &errors.DownloadError{
		Err:       stdErrors.New("underlying error"),
		Kind:      errors.KindUnrecoverable,
		Timestamp: time.Now(),
		Resource:  "file.txt",
	}
	assert.Equal(t, "[Unrecoverable] file.txt: underlying error", de.Error())

	de2 := errors.NewLinkExpiredError(stdErrors.New("forbidden"), "http://example.com").WithStatus(403)
	assert.Equal(t, "[LinkExpired] http://example.com (status: 403): forbidden", de2.Error())
}

func TestDownloadErrorUnwrap(t *testing.T) {
	baseErr := stdErrors.New("base error")
	de := errors.NewTransientError(baseErr, "resource")

	assert.True(t, errors.Is(de, baseErr))
	assert.Equal(t, baseErr, stdErrors.Unwrap(de))
}

func TestConstructorsDefaultSentinels(t *testing.T) {
	assert.ErrorIs(t, errors.NewLinkExpiredError(nil, "r"), errors.ErrLinkExpired)
	assert.ErrorIs(t, errors.NewQuotaError(nil, "r"), errors.ErrQuotaExceeded)
	assert.ErrorIs(t, errors.NewAuthError(nil, "r"), errors.ErrAuthFailure)
	assert.ErrorIs(t, errors.NewNotFoundError(nil, "r"), errors.ErrNotFound)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.Kind
	}{
		{"nil", nil, ""},
		{"transient", errors.NewTransientError(stdErrors.New("x"), "r"), errors.KindTransientNetwork},
		{"wrapped expired", fmt.Errorf("segment 2: %w", errors.NewLinkExpiredError(nil, "r")), errors.KindLinkExpired},
		{"quota", errors.NewQuotaError(nil, "r"), errors.KindQuotaExceeded},
		{"context", context.Canceled, errors.KindCancelled},
		{"wrapped context", fmt.Errorf("read: %w", context.Canceled), errors.KindCancelled},
		{"plain", stdErrors.New("disk full"), errors.KindUnrecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, errors.IsRetryable(nil))
	assert.False(t, errors.IsRetryable(stdErrors.New("plain")))
	assert.True(t, errors.IsRetryable(errors.NewTransientError(stdErrors.New("x"), "r")))
	assert.True(t, errors.IsRetryable(errors.NewLinkExpiredError(nil, "r")))
	assert.False(t, errors.IsRetryable(errors.NewNotFoundError(nil, "r")))
	assert.False(t, errors.IsRetryable(errors.NewUnrecoverableError(stdErrors.New("x"), "r")))
}

func TestIsAccountFault(t *testing.T) {
	assert.True(t, errors.IsAccountFault(errors.NewQuotaError(nil, "r")))
	assert.True(t, errors.IsAccountFault(errors.NewAuthError(nil, "r")))
	assert.False(t, errors.IsAccountFault(errors.NewLinkExpiredError(nil, "r")))
}

func TestShouldReResolve(t *testing.T) {
	assert.True(t, errors.ShouldReResolve(errors.KindLinkExpired))
	assert.True(t, errors.ShouldReResolve(errors.KindTransientNetwork))
	assert.False(t, errors.ShouldReResolve(errors.KindNotFound))
	assert.False(t, errors.ShouldReResolve(""))
}

func TestGetStatusCode(t *testing.T) {
	code, ok := errors.GetStatusCode(errors.NewTransientError(stdErrors.New("x"), "r").WithStatus(503))
	assert.True(t, ok)
	assert.Equal(t, 503, code)

	_, ok = errors.GetStatusCode(errors.NewTransientError(stdErrors.New("x"), "r"))
	assert.False(t, ok)
}
