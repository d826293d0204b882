package throttle

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ChunkSize is the largest single token request, matching the fetcher's
// read buffer.
const ChunkSize = 32 * 1024

// Bandwidth caps aggregate transfer speed. Every registered task gets an
// equal share of the cap on top of the global bucket, so one fast segment
// cannot starve the others.
type Bandwidth struct {
	mu     sync.Mutex
	limit  int64
	global *rate.Limiter
	shares map[uuid.UUID]*rate.Limiter

	transferred atomic.Int64
}

// New creates a limiter of bytesPerSec. Zero or negative means unlimited.
func New(bytesPerSec int64) *Bandwidth {
	b := &Bandwidth{
		global: rate.NewLimiter(rate.Inf, ChunkSize),
		shares: make(map[uuid.UUID]*rate.Limiter),
	}
	b.SetLimit(bytesPerSec)

	return b
}

// SetLimit changes the global cap and rebalances task shares.
func (b *Bandwidth) SetLimit(bytesPerSec int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bytesPerSec < 0 {
		bytesPerSec = 0
	}

	b.limit = bytesPerSec
	b.global.SetLimit(toLimit(bytesPerSec))
	b.rebalance()
}

// Limit returns the global cap in bytes per second, 0 when unlimited.
func (b *Bandwidth) Limit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.limit
}

// Register gives a task its share of the cap.
func (b *Bandwidth) Register(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.shares[id]; ok {
		return
	}

	b.shares[id] = rate.NewLimiter(rate.Inf, ChunkSize)
	b.rebalance()
}

// Unregister returns a task's share to the others.
func (b *Bandwidth) Unregister(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.shares, id)
	b.rebalance()
}

// Share returns the bytes per second currently granted to a task, 0 when
// unlimited or unknown.
func (b *Bandwidth) Share(id uuid.UUID) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.shares[id]
	if !ok || l.Limit() == rate.Inf {
		return 0
	}

	return int64(l.Limit())
}

// Wait blocks until n bytes may be transferred for task id.
func (b *Bandwidth) Wait(ctx context.Context, id uuid.UUID, n int) error {
	b.mu.Lock()
	share := b.shares[id]
	global := b.global
	b.mu.Unlock()

	for n > 0 {
		step := n
		if step > ChunkSize {
			step = ChunkSize
		}

		if share != nil {
			if err := share.WaitN(ctx, step); err != nil {
				return err
			}
		}

		if err := global.WaitN(ctx, step); err != nil {
			return err
		}

		b.transferred.Add(int64(step))
		n -= step
	}

	return nil
}

// Transferred returns the total bytes admitted since creation.
func (b *Bandwidth) Transferred() int64 {
	return b.transferred.Load()
}

// Reader wraps r so every read is charged to task id.
func (b *Bandwidth) Reader(ctx context.Context, id uuid.UUID, r io.Reader) io.Reader {
	return &limitedReader{ctx: ctx, id: id, r: r, bw: b}
}

func (b *Bandwidth) rebalance() {
	if len(b.shares) == 0 {
		return
	}

	per := toLimit(b.limit / int64(len(b.shares)))
	if b.limit > 0 && per < 1 {
		per = 1
	}

	for _, l := range b.shares {
		l.SetLimit(per)
	}
}

func toLimit(bytesPerSec int64) rate.Limit {
	if bytesPerSec <= 0 {
		return rate.Inf
	}

	return rate.Limit(bytesPerSec)
}

type limitedReader struct {
	ctx context.Context
	id  uuid.UUID
	r   io.Reader
	bw  *Bandwidth
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.bw.Wait(l.ctx, l.id, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}
