package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/config"
	"github.com/NamanBalaji/sharebridge/internal/repository"
)

func TestSeedAccounts(t *testing.T) {
	repo, err := repository.NewBboltRepository(filepath.Join(t.TempDir(), "sharebridge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	require.NoError(t, repo.SaveAccount(&account.Account{
		ID:           "main",
		Name:         "main",
		TrafficTotal: 100,
		TrafficUsed:  40,
		Status:       account.RateLimited,
		Reason:       "quota exceeded",
	}))
	require.NoError(t, repo.SaveAccount(&account.Account{ID: "retired", Name: "retired", Status: account.Expired}))

	pool := account.NewPool(1, repo)

	err = seedAccounts(pool, repo, []config.AccountConfig{
		{Name: "main", Username: "u", Password: "p", TrafficTotal: 500},
		{Name: "spare", Cookie: "c"},
	})
	require.NoError(t, err)

	primary, err := pool.Get("main")
	require.NoError(t, err)
	assert.Equal(t, account.Active, primary.Status, "configured accounts return to service")
	assert.Empty(t, primary.Reason)
	assert.Equal(t, int64(40), primary.TrafficUsed, "usage survives a restart")
	assert.Equal(t, int64(500), primary.TrafficTotal)
	assert.Equal(t, "u", primary.Credentials.Username)

	spare, err := pool.Get("spare")
	require.NoError(t, err)
	assert.Equal(t, account.Active, spare.Status)
	assert.Equal(t, "c", spare.Credentials.Cookie)

	retired, err := pool.Get("retired")
	require.NoError(t, err)
	assert.Equal(t, account.Expired, retired.Status, "accounts the config no longer names keep their state")

	stored, err := repo.FindAllAccounts()
	require.NoError(t, err)
	require.Len(t, stored, 3)

	for _, a := range stored {
		if a.ID == "main" {
			assert.Equal(t, account.Active, a.Status, "revalidation is persisted")
		}
	}
}
