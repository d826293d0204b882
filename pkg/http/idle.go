package http

import (
	"io"
	"sync"
	"time"
)

// IdleReader closes the wrapped body when no bytes arrive for the timeout,
// turning a stalled transfer into ErrIdleTimeout instead of a hang.
type IdleReader struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer

	mu      sync.Mutex
	expired bool
}

// NewIdleReader wraps body. A non-positive timeout disables the watchdog.
func NewIdleReader(body io.ReadCloser, timeout time.Duration) *IdleReader {
	r := &IdleReader{body: body, timeout: timeout}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, r.expire)
	}

	return r
}

func (r *IdleReader) expire() {
	r.mu.Lock()
	r.expired = true
	r.mu.Unlock()

	r.body.Close()
}

func (r *IdleReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)

	r.mu.Lock()
	expired := r.expired
	r.mu.Unlock()

	if expired {
		return n, ErrIdleTimeout
	}

	if n > 0 && r.timer != nil {
		r.timer.Reset(r.timeout)
	}

	return n, err
}

// Close stops the watchdog and closes the body.
func (r *IdleReader) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}

	r.mu.Lock()
	expired := r.expired
	r.mu.Unlock()

	if expired {
		return nil
	}

	return r.body.Close()
}
