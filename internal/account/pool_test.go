package account_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/sharebridge/internal/account"
	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
)

type memPersister struct {
	mu    sync.Mutex
	saved map[string]account.Account
}

func (m *memPersister) SaveAccount(a *account.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saved == nil {
		m.saved = make(map[string]account.Account)
	}

	m.saved[a.ID] = *a

	return nil
}

func newPool(t *testing.T, limit int, accts ...*account.Account) (*account.Pool, *memPersister) {
	t.Helper()

	persist := &memPersister{}
	p := account.NewPool(limit, persist)

	for _, a := range accts {
		require.NoError(t, p.Add(a))
	}

	return p, persist
}

func TestAcquire_MostRemainingQuotaWins(t *testing.T) {
	p, _ := newPool(t, 1,
		&account.Account{ID: "small", TrafficTotal: 100, TrafficUsed: 90},
		&account.Account{ID: "big", TrafficTotal: 100, TrafficUsed: 10},
		&account.Account{ID: "mid", TrafficTotal: 100, TrafficUsed: 50},
	)

	a, err := p.Acquire("t1")
	require.NoError(t, err)
	assert.Equal(t, "big", a.ID)

	// big is at its limit now
	a, err = p.Acquire("t2")
	require.NoError(t, err)
	assert.Equal(t, "mid", a.ID)
}

func TestAcquire_TieBrokenByOldestLastUse(t *testing.T) {
	now := time.Now()
	p, _ := newPool(t, 1,
		&account.Account{ID: "recent", LastUsedAt: now},
		&account.Account{ID: "stale", LastUsedAt: now.Add(-time.Hour)},
	)

	a, err := p.Acquire("t1")
	require.NoError(t, err)
	assert.Equal(t, "stale", a.ID)
}

func TestAcquire_NeverReturnsUnusableAccounts(t *testing.T) {
	p, _ := newPool(t, 5,
		&account.Account{ID: "expired", Status: account.Expired},
		&account.Account{ID: "disabled", Status: account.Disabled},
		&account.Account{ID: "limited", Status: account.RateLimited},
		&account.Account{ID: "drained", TrafficTotal: 10, TrafficUsed: 10},
	)

	_, err := p.Acquire("t1")
	require.Error(t, err)
	assert.ErrorIs(t, err, dlErrors.ErrNoAccountAvailable)
	assert.Equal(t, dlErrors.KindQuotaExceeded, dlErrors.KindOf(err))
	assert.False(t, p.HasUsable())

	require.NoError(t, p.Add(&account.Account{ID: "ok"}))
	for i := 0; i < 5; i++ {
		a, err := p.Acquire("t")
		require.NoError(t, err)
		assert.Equal(t, "ok", a.ID)
	}
}

func TestAcquire_RespectsPerAccountLimit(t *testing.T) {
	p, _ := newPool(t, 2, &account.Account{ID: "a"})

	_, err := p.Acquire("t1")
	require.NoError(t, err)
	_, err = p.Acquire("t2")
	require.NoError(t, err)

	_, err = p.Acquire("t3")
	assert.ErrorIs(t, err, dlErrors.ErrNoAccountAvailable)
	assert.Equal(t, dlErrors.KindTransientNetwork, dlErrors.KindOf(err))

	p.Release("a", 0)

	_, err = p.Acquire("t3")
	assert.NoError(t, err)
}

func TestRelease_ChargesUsageAndNotifies(t *testing.T) {
	p, persist := newPool(t, 1, &account.Account{ID: "a", TrafficTotal: 1000})

	var notified atomic.Int32
	p.OnRelease(func() { notified.Add(1) })

	_, err := p.Acquire("t1")
	require.NoError(t, err)

	p.Release("a", 400)

	a, err := p.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(400), a.TrafficUsed)
	assert.Equal(t, int64(600), a.Remaining())
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, int64(400), persist.saved["a"].TrafficUsed)

	p.Release("missing", 10)
	assert.Equal(t, int32(1), notified.Load())
}

func TestCharge_BillsWithoutReleasing(t *testing.T) {
	p, persist := newPool(t, 1,
		&account.Account{ID: "a", TrafficTotal: 1000},
		&account.Account{ID: "b", TrafficTotal: 800},
	)

	var notified atomic.Int32
	p.OnRelease(func() { notified.Add(1) })

	first, err := p.Acquire("t1")
	require.NoError(t, err)
	require.Equal(t, "a", first.ID)

	p.Charge("a", 500)
	p.Charge("a", 0)
	p.Charge("missing", 10)

	a, err := p.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), a.TrafficUsed)
	assert.Equal(t, int64(500), persist.saved["a"].TrafficUsed)
	assert.Equal(t, int32(0), notified.Load(), "charging keeps the account busy")

	second, err := p.Acquire("t2")
	require.NoError(t, err)
	assert.Equal(t, "b", second.ID)

	p.Release("a", 0)

	a, err = p.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), a.TrafficUsed, "release adds nothing on top of earlier charges")
}

func TestMarkUnusableAndRevalidate(t *testing.T) {
	p, persist := newPool(t, 1, &account.Account{ID: "a"})

	require.NoError(t, p.MarkUnusable("a", account.RateLimited, "quota exceeded"))
	_, err := p.Acquire("t1")
	assert.Error(t, err)
	assert.Equal(t, account.RateLimited, persist.saved["a"].Status)

	health := p.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "RateLimited", health[0].Status)
	assert.Equal(t, "quota exceeded", health[0].Reason)

	assert.Error(t, p.MarkUnusable("a", account.Active, ""))
	assert.ErrorIs(t, p.MarkUnusable("missing", account.Disabled, ""), account.ErrAccountNotFound)

	require.NoError(t, p.Revalidate("a", 5000, 0))
	a, err := p.Acquire("t1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), a.TrafficTotal)
}

func TestSession_SingleRefreshPerAccount(t *testing.T) {
	p, persist := newPool(t, 1, &account.Account{ID: "a"})

	var calls atomic.Int32
	release := make(chan struct{})
	refresh := func(ctx context.Context, a *account.Account) (string, error) {
		calls.Add(1)
		<-release
		return "token-1", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 4)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.Session(context.Background(), "a", refresh)
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}

	// give all callers time to join the in-flight refresh
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "token-1", r)
	}

	assert.Equal(t, "token-1", persist.saved["a"].SessionToken)

	_, err := p.Session(context.Background(), "missing", refresh)
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestAddDuplicateAndMissing(t *testing.T) {
	p, _ := newPool(t, 1, &account.Account{ID: "a"})

	assert.ErrorIs(t, p.Add(&account.Account{ID: "a"}), account.ErrAccountExists)
	assert.Error(t, p.Add(&account.Account{}))

	_, err := p.Get("b")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
	assert.ErrorIs(t, p.Revalidate("b", -1, -1), account.ErrAccountNotFound)
}
