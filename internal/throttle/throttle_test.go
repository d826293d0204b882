package throttle_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/sharebridge/internal/throttle"
)

func TestUnlimitedDoesNotWait(t *testing.T) {
	bw := throttle.New(0)
	id := uuid.New()
	bw.Register(id)

	start := time.Now()
	require.NoError(t, bw.Wait(context.Background(), id, 10*throttle.ChunkSize))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, bw.Share(id))
}

func TestSharesArePartitioned(t *testing.T) {
	bw := throttle.New(1000)
	a, b := uuid.New(), uuid.New()

	bw.Register(a)
	assert.Equal(t, int64(1000), bw.Share(a))

	bw.Register(b)
	assert.Equal(t, int64(500), bw.Share(a))
	assert.Equal(t, int64(500), bw.Share(b))

	bw.Unregister(a)
	assert.Equal(t, int64(1000), bw.Share(b))
	assert.Zero(t, bw.Share(a))

	bw.SetLimit(0)
	assert.Zero(t, bw.Share(b))
	assert.Zero(t, bw.Limit())
}

func TestWaitEnforcesLimit(t *testing.T) {
	// burst covers the first chunk, the second needs half a second
	bw := throttle.New(2 * throttle.ChunkSize)
	id := uuid.New()
	bw.Register(id)

	start := time.Now()
	require.NoError(t, bw.Wait(context.Background(), id, 2*throttle.ChunkSize))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestWaitHonorsCancellation(t *testing.T) {
	bw := throttle.New(1)
	id := uuid.New()
	bw.Register(id)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bw.Wait(ctx, id, throttle.ChunkSize)
	assert.Error(t, err)
}

func TestReaderPassesDataThrough(t *testing.T) {
	bw := throttle.New(0)
	id := uuid.New()

	payload := bytes.Repeat([]byte("x"), 3*throttle.ChunkSize+7)
	r := bw.Reader(context.Background(), id, bytes.NewReader(payload))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int64(len(payload)), bw.Transferred())
}
