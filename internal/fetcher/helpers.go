package fetcher

import (
	"math/rand"
	"time"

	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
)

// Backoff returns the jittered exponential delay before retry retryCount+1.
func Backoff(retryCount int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << uint(retryCount))

	jitter := time.Duration(rand.Float64() * float64(delay) * 0.2) // +/- 10%
	finalDelay := delay + jitter - (time.Duration(float64(delay) * 0.1))

	maxDelay := 2 * time.Minute
	if finalDelay > maxDelay {
		finalDelay = maxDelay
	}

	return finalDelay
}

// isRetryable reports whether a segment attempt may be repeated. Expired
// links are retried too; only after retries run out does the fetcher ask for
// a fresh link.
func isRetryable(err error) bool {
	switch dlErrors.KindOf(err) {
	case dlErrors.KindTransientNetwork, dlErrors.KindLinkExpired:
		return true
	default:
		return false
	}
}
