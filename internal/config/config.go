package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const configFileName = "sharebridge"

// ByteRate is a bytes-per-second value that accepts humanized strings such
// as "10MB" or "512 KiB" in the config file.
type ByteRate int64

func (b *ByteRate) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*b = ByteRate(n)
		return nil
	}

	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid byte rate %q: %w", value.Value, err)
	}

	*b = ByteRate(n)

	return nil
}

func (b ByteRate) String() string {
	if b <= 0 {
		return "unlimited"
	}

	return humanize.IBytes(uint64(b)) + "/s"
}

// Config holds the configuration options for the application.
type Config struct {
	Listen                 string          `yaml:"listen,omitempty"`
	APIKey                 string          `yaml:"apiKey,omitempty"`
	DataDir                string          `yaml:"dataDir,omitempty"`
	MaxConcurrentDownloads int             `yaml:"maxConcurrentDownloads,omitempty"`
	Download               *DownloadConfig `yaml:"download,omitempty"`
	Scaling                *ScalingConfig  `yaml:"scaling,omitempty"`
	Resolver               *ServiceConfig  `yaml:"resolver,omitempty"`
	Search                 *ServiceConfig  `yaml:"search,omitempty"`
	Accounts               []AccountConfig `yaml:"accounts,omitempty"`
}

// DownloadConfig holds options for the segmented fetcher.
type DownloadConfig struct {
	Dir                   string        `yaml:"dir,omitempty"`
	Segments              int           `yaml:"segments,omitempty"`
	SpeedLimit            ByteRate      `yaml:"speedLimit,omitempty"`
	PerAccountConcurrency int           `yaml:"perAccountConcurrency,omitempty"`
	MaxRetries            *int          `yaml:"maxRetries,omitempty"` // nil means unset, 0 disables retries
	RetryDelay            time.Duration `yaml:"retryDelay,omitempty"`
	IdleTimeout           time.Duration `yaml:"idleTimeout,omitempty"`
	SaveInterval          time.Duration `yaml:"saveInterval,omitempty"`
	DefaultPriority       *int          `yaml:"defaultPriority,omitempty"`
	AdmitBackoff          time.Duration `yaml:"admitBackoff,omitempty"`    // first wait when no account is free
	AdmitBackoffMax       time.Duration `yaml:"admitBackoffMax,omitempty"` // the wait doubles up to this
}

// Retries returns the configured retry count, the default when unset.
func (d *DownloadConfig) Retries() int {
	if d == nil || d.MaxRetries == nil {
		return maxRetries
	}

	return *d.MaxRetries
}

// Priority returns the configured default task priority.
func (d *DownloadConfig) Priority() int {
	if d == nil || d.DefaultPriority == nil {
		return defaultPriority
	}

	return *d.DefaultPriority
}

// ScalingConfig tunes the dynamic worker-slot policy.
type ScalingConfig struct {
	Enabled        bool          `yaml:"enabled,omitempty"`
	Min            int           `yaml:"min,omitempty"`
	Max            int           `yaml:"max,omitempty"`
	Interval       time.Duration `yaml:"interval,omitempty"`
	ErrorThreshold int           `yaml:"errorThreshold,omitempty"`
	GrowBelow      float64       `yaml:"growBelow,omitempty"`
}

// ServiceConfig points at an external collaborator over HTTP.
type ServiceConfig struct {
	Endpoint string        `yaml:"endpoint,omitempty"`
	Token    string        `yaml:"token,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// AccountConfig seeds the account pool on first start.
type AccountConfig struct {
	Name         string   `yaml:"name"`
	Username     string   `yaml:"username,omitempty"`
	Password     string   `yaml:"password,omitempty"`
	Cookie       string   `yaml:"cookie,omitempty"`
	TrafficTotal ByteRate `yaml:"trafficTotal,omitempty"`
}

// Path returns the location of the configuration file.
func Path() string {
	return filepath.Join(xdg.ConfigHome, configFileName)
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	return Load(Path())
}

// Load reads the configuration at path, falling back to defaults for every
// unset value, then applies environment overrides.
func Load(path string) (*Config, error) {
	defaults := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}

		b = nil
	}

	var cfg Config

	if len(b) > 0 {
		err = yaml.Unmarshal(b, &cfg)
		if err != nil {
			return nil, err
		}
	}

	dl := zeroOr(cfg.Download, defaults.Download)
	sc := zeroOr(cfg.Scaling, defaults.Scaling)
	rs := zeroOr(cfg.Resolver, defaults.Resolver)
	se := zeroOr(cfg.Search, defaults.Search)

	merged := &Config{
		Listen:                 zeroOr(cfg.Listen, defaults.Listen),
		APIKey:                 cfg.APIKey,
		DataDir:                zeroOr(cfg.DataDir, defaults.DataDir),
		MaxConcurrentDownloads: zeroOr(cfg.MaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		Download: &DownloadConfig{
			Dir:                   zeroOr(dl.Dir, defaults.Download.Dir),
			Segments:              zeroOr(dl.Segments, defaults.Download.Segments),
			SpeedLimit:            dl.SpeedLimit,
			PerAccountConcurrency: zeroOr(dl.PerAccountConcurrency, defaults.Download.PerAccountConcurrency),
			MaxRetries:            zeroOr(dl.MaxRetries, defaults.Download.MaxRetries),
			RetryDelay:            zeroOr(dl.RetryDelay, defaults.Download.RetryDelay),
			IdleTimeout:           zeroOr(dl.IdleTimeout, defaults.Download.IdleTimeout),
			SaveInterval:          zeroOr(dl.SaveInterval, defaults.Download.SaveInterval),
			DefaultPriority:       zeroOr(dl.DefaultPriority, defaults.Download.DefaultPriority),
			AdmitBackoff:          zeroOr(dl.AdmitBackoff, defaults.Download.AdmitBackoff),
			AdmitBackoffMax:       zeroOr(dl.AdmitBackoffMax, defaults.Download.AdmitBackoffMax),
		},
		Scaling: &ScalingConfig{
			Enabled:        sc.Enabled,
			Min:            zeroOr(sc.Min, defaults.Scaling.Min),
			Max:            zeroOr(sc.Max, defaults.Scaling.Max),
			Interval:       zeroOr(sc.Interval, defaults.Scaling.Interval),
			ErrorThreshold: zeroOr(sc.ErrorThreshold, defaults.Scaling.ErrorThreshold),
			GrowBelow:      zeroOr(sc.GrowBelow, defaults.Scaling.GrowBelow),
		},
		Resolver: &ServiceConfig{
			Endpoint: rs.Endpoint,
			Token:    rs.Token,
			Timeout:  zeroOr(rs.Timeout, defaults.Resolver.Timeout),
		},
		Search: &ServiceConfig{
			Endpoint: se.Endpoint,
			Token:    se.Token,
			Timeout:  zeroOr(se.Timeout, defaults.Search.Timeout),
		},
		Accounts: cfg.Accounts,
	}

	if err := merged.LoadFromEnv(); err != nil {
		return nil, err
	}

	return merged, nil
}

func DefaultConfig() Config {
	return Config{
		Listen:                 listenAddr,
		DataDir:                dataDir,
		MaxConcurrentDownloads: maxConcurrentDownloads,
		Download: &DownloadConfig{
			Dir:                   downloadDir,
			Segments:              segmentsPerDownload,
			PerAccountConcurrency: perAccountConcurrency,
			MaxRetries:            intPtr(maxRetries),
			RetryDelay:            retryDelay,
			IdleTimeout:           idleTimeout,
			SaveInterval:          saveInterval,
			DefaultPriority:       intPtr(defaultPriority),
			AdmitBackoff:          admitBackoff,
			AdmitBackoffMax:       admitBackoffMax,
		},
		Scaling: &ScalingConfig{
			Min:            scalingMin,
			Max:            scalingMax,
			Interval:       scalingInterval,
			ErrorThreshold: scalingErrorThreshold,
			GrowBelow:      scalingGrowBelow,
		},
		Resolver: &ServiceConfig{Timeout: resolverTimeout},
		Search:   &ServiceConfig{Timeout: searchTimeout},
	}
}

// LoadFromEnv applies SHAREBRIDGE_* environment overrides.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SHAREBRIDGE_LISTEN"); v != "" {
		c.Listen = v
	}

	if v := os.Getenv("SHAREBRIDGE_API_KEY"); v != "" {
		c.APIKey = v
	}

	if v := os.Getenv("SHAREBRIDGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}

	if v := os.Getenv("SHAREBRIDGE_DOWNLOAD_DIR"); v != "" {
		c.Download.Dir = v
	}

	if v := os.Getenv("SHAREBRIDGE_MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SHAREBRIDGE_MAX_CONCURRENT: %w", err)
		}

		c.MaxConcurrentDownloads = n
	}

	if v := os.Getenv("SHAREBRIDGE_SPEED_LIMIT"); v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse SHAREBRIDGE_SPEED_LIMIT: %w", err)
		}

		c.Download.SpeedLimit = ByteRate(n)
	}

	if v := os.Getenv("SHAREBRIDGE_RESOLVER_ENDPOINT"); v != "" {
		c.Resolver.Endpoint = v
	}

	if v := os.Getenv("SHAREBRIDGE_SEARCH_ENDPOINT"); v != "" {
		c.Search.Endpoint = v
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxConcurrentDownloads <= 0 {
		return errors.New("config: maxConcurrentDownloads must be positive")
	}

	if c.Download.Segments <= 0 {
		return errors.New("config: download.segments must be positive")
	}

	if c.Download.SpeedLimit < 0 {
		return errors.New("config: download.speedLimit must not be negative")
	}

	if c.Download.PerAccountConcurrency <= 0 {
		return errors.New("config: download.perAccountConcurrency must be positive")
	}

	if p := c.Download.Priority(); p < 0 || p > 3 {
		return errors.New("config: download.defaultPriority must be within 0..3")
	}

	if c.Download.Retries() < 0 {
		return errors.New("config: download.maxRetries must not be negative")
	}

	if c.Download.AdmitBackoffMax < c.Download.AdmitBackoff {
		return errors.New("config: download.admitBackoffMax must not be below admitBackoff")
	}

	if c.Scaling.GrowBelow < 0 || c.Scaling.GrowBelow > 1 {
		return errors.New("config: scaling.growBelow must be within 0..1")
	}

	if c.Scaling.Enabled && c.Scaling.Min > c.Scaling.Max {
		return errors.New("config: scaling.min must not exceed scaling.max")
	}

	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("config: accounts[%d] needs a name", i)
		}
	}

	return nil
}

func intPtr(v int) *int {
	return &v
}

// zeroOr returns def if v is the zero value for its type. A pointer set to
// a zero value is kept.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
