package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/NamanBalaji/sharebridge/internal/config"
)

func withTempConfigHome(t *testing.T) string {
	t.Helper()
	orig := xdg.ConfigHome
	dir := t.TempDir()
	xdg.ConfigHome = dir
	t.Cleanup(func() { xdg.ConfigHome = orig })

	return filepath.Join(dir, "sharebridge")
}

func TestLoad_Table(t *testing.T) {
	def := cfg.DefaultConfig()

	tests := []struct {
		name      string
		preWrite  bool
		contents  string
		expectErr bool
		check     func(t *testing.T, got *cfg.Config)
	}{
		{
			name:     "missing_file_returns_defaults",
			preWrite: false,
			check: func(t *testing.T, got *cfg.Config) {
				if !reflect.DeepEqual(*got.Download, *def.Download) {
					t.Fatalf("expected download defaults\nwant: %#v\ngot:  %#v", *def.Download, *got.Download)
				}
				assert.Equal(t, def.MaxConcurrentDownloads, got.MaxConcurrentDownloads)
				assert.Equal(t, def.Listen, got.Listen)
			},
		},
		{
			name:     "empty_file_returns_defaults",
			preWrite: true,
			contents: "",
			check: func(t *testing.T, got *cfg.Config) {
				assert.Equal(t, *def.Scaling, *got.Scaling)
			},
		},
		{
			name:      "invalid_yaml_returns_error",
			preWrite:  true,
			contents:  ": not yaml",
			expectErr: true,
		},
		{
			name:     "partial_override_and_fallback",
			preWrite: true,
			contents: `
maxConcurrentDownloads: 5
apiKey: secret
download:
  segments: 8
  speedLimit: 2MiB
  retryDelay: 3s
scaling:
  enabled: true
  max: 12
accounts:
  - name: main
    username: alice
    trafficTotal: 10GB
`,
			check: func(t *testing.T, got *cfg.Config) {
				assert.Equal(t, 5, got.MaxConcurrentDownloads)
				assert.Equal(t, "secret", got.APIKey)
				assert.Equal(t, 8, got.Download.Segments)
				assert.Equal(t, cfg.ByteRate(2*1024*1024), got.Download.SpeedLimit)
				assert.Equal(t, 3*time.Second, got.Download.RetryDelay)
				assert.Equal(t, def.Download.Retries(), got.Download.Retries())
				assert.Equal(t, def.Download.Priority(), got.Download.Priority())
				assert.Equal(t, time.Second, got.Download.AdmitBackoff)
				assert.Equal(t, 30*time.Second, got.Download.AdmitBackoffMax)
				assert.Equal(t, def.Download.IdleTimeout, got.Download.IdleTimeout)
				assert.True(t, got.Scaling.Enabled)
				assert.Equal(t, 12, got.Scaling.Max)
				assert.Equal(t, def.Scaling.Min, got.Scaling.Min)
				require.Len(t, got.Accounts, 1)
				assert.Equal(t, cfg.ByteRate(10_000_000_000), got.Accounts[0].TrafficTotal)
			},
		},
		{
			name:     "explicit_zero_is_kept",
			preWrite: true,
			contents: `
download:
  maxRetries: 0
  defaultPriority: 0
  admitBackoff: 250ms
  admitBackoffMax: 4s
`,
			check: func(t *testing.T, got *cfg.Config) {
				assert.Equal(t, 0, got.Download.Retries())
				assert.Equal(t, 0, got.Download.Priority())
				assert.Equal(t, 250*time.Millisecond, got.Download.AdmitBackoff)
				assert.Equal(t, 4*time.Second, got.Download.AdmitBackoffMax)
				assert.NoError(t, got.Validate())
			},
		},
		{
			name:     "numeric_speed_limit",
			preWrite: true,
			contents: "download:\n  speedLimit: 1000\n",
			check: func(t *testing.T, got *cfg.Config) {
				assert.Equal(t, cfg.ByteRate(1000), got.Download.SpeedLimit)
			},
		},
		{
			name:      "bad_speed_limit",
			preWrite:  true,
			contents:  "download:\n  speedLimit: fast\n",
			expectErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "sharebridge")
			if tc.preWrite {
				require.NoError(t, os.WriteFile(path, []byte(tc.contents), 0o600))
			}

			got, err := cfg.Load(path)
			if tc.expectErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.check(t, got)
		})
	}
}

func TestGetConfig_UsesXDGHome(t *testing.T) {
	file := withTempConfigHome(t)
	require.NoError(t, os.WriteFile(file, []byte("listen: \":9999\"\n"), 0o600))

	got, err := cfg.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9999", got.Listen)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SHAREBRIDGE_MAX_CONCURRENT", "7")
	t.Setenv("SHAREBRIDGE_SPEED_LIMIT", "1 MB")
	t.Setenv("SHAREBRIDGE_API_KEY", "envkey")

	got, err := cfg.Load(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Equal(t, 7, got.MaxConcurrentDownloads)
	assert.Equal(t, cfg.ByteRate(1_000_000), got.Download.SpeedLimit)
	assert.Equal(t, "envkey", got.APIKey)

	t.Setenv("SHAREBRIDGE_MAX_CONCURRENT", "many")
	_, err = cfg.Load(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *cfg.Config {
		d := cfg.DefaultConfig()
		return &d
	}

	assert.NoError(t, valid().Validate())

	c := valid()
	c.MaxConcurrentDownloads = 0
	assert.Error(t, c.Validate())

	c = valid()
	c.Download.Segments = 0
	assert.Error(t, c.Validate())

	c = valid()
	four := 4
	c.Download.DefaultPriority = &four
	assert.Error(t, c.Validate())

	c = valid()
	negative := -1
	c.Download.MaxRetries = &negative
	assert.Error(t, c.Validate())

	c = valid()
	c.Download.AdmitBackoff = time.Minute
	c.Download.AdmitBackoffMax = time.Second
	assert.Error(t, c.Validate())

	c = valid()
	c.Scaling.Enabled = true
	c.Scaling.Min = 10
	c.Scaling.Max = 2
	assert.Error(t, c.Validate())

	c = valid()
	c.Accounts = []cfg.AccountConfig{{}}
	assert.Error(t, c.Validate())
}

func TestByteRateString(t *testing.T) {
	assert.Equal(t, "unlimited", cfg.ByteRate(0).String())
	assert.Equal(t, "1.0 MiB/s", cfg.ByteRate(1024*1024).String())
}
