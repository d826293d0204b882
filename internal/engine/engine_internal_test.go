package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/config"
	"github.com/NamanBalaji/sharebridge/internal/fetcher"
	"github.com/NamanBalaji/sharebridge/internal/resolver"
	"github.com/NamanBalaji/sharebridge/internal/scheduler"
)

func TestAddTaskLeavesNoRowWhenSchedulingFails(t *testing.T) {
	pool := account.NewPool(1, nil)
	require.NoError(t, pool.Add(&account.Account{ID: "a"}))

	res := resolver.Func(func(ctx context.Context, shareURL string, acct *account.Account) (resolver.Result, error) {
		return resolver.Result{}, nil
	})

	e, err := New(&Config{DownloadDir: t.TempDir(), MaxConcurrentDownloads: 1}, nil, pool, res)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown() })

	// the scheduler winds down while the engine still accepts requests
	e.sched.Stop()

	_, err = e.AddTask(context.Background(), AddRequest{URL: "https://host/s/late", Priority: PriorityDefault})
	require.ErrorIs(t, err, scheduler.ErrStopped)

	assert.Empty(t, e.List(nil))
	assert.Empty(t, e.FindByURL("https://host/s/late"))
}

func TestFromConfigKeepsExplicitZeros(t *testing.T) {
	c := config.DefaultConfig()
	zero := 0
	c.Download.MaxRetries = &zero
	c.Download.DefaultPriority = &zero
	c.Download.AdmitBackoff = 200 * time.Millisecond
	c.Download.AdmitBackoffMax = 2 * time.Second

	got := FromConfig(&c)
	assert.Equal(t, 0, got.DefaultPriority)
	assert.Equal(t, fetcher.NoRetries, got.Fetch.MaxRetries)
	assert.Equal(t, 0, got.Fetch.WithDefaults().MaxRetries)
	assert.Equal(t, 200*time.Millisecond, got.AdmitBackoff)
	assert.Equal(t, 2*time.Second, got.AdmitBackoffMax)

	def := DefaultConfig()
	assert.Equal(t, 1, def.DefaultPriority)
	assert.Positive(t, def.Fetch.MaxRetries)
	assert.Equal(t, time.Second, def.AdmitBackoff)
}
