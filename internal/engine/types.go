package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/config"
	"github.com/NamanBalaji/sharebridge/internal/fetcher"
	"github.com/NamanBalaji/sharebridge/internal/scheduler"
	"github.com/NamanBalaji/sharebridge/internal/status"
	"github.com/NamanBalaji/sharebridge/internal/task"
)

// PriorityDefault asks AddTask to use the configured default priority.
const PriorityDefault = -1

// Config contains engine configuration
type Config struct {
	DownloadDir            string
	MaxConcurrentDownloads int
	SpeedLimit             int64 // bytes per second, 0 = unlimited
	DefaultPriority        int
	SaveInterval           time.Duration
	Fetch                  fetcher.Config

	// AdmitBackoff and AdmitBackoffMax bound the scheduler's wait when no
	// account can take the next task.
	AdmitBackoff    time.Duration
	AdmitBackoffMax time.Duration

	Scaling         bool
	ScalingPolicy   scheduler.ScalingPolicy
	ScalingInterval time.Duration
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return FromConfig(withDefaults())
}

func withDefaults() *config.Config {
	c := config.DefaultConfig()
	return &c
}

// FromConfig maps the file configuration onto the engine.
func FromConfig(c *config.Config) *Config {
	return &Config{
		DownloadDir:            c.Download.Dir,
		MaxConcurrentDownloads: c.MaxConcurrentDownloads,
		SpeedLimit:             int64(c.Download.SpeedLimit),
		DefaultPriority:        c.Download.Priority(),
		SaveInterval:           c.Download.SaveInterval,
		AdmitBackoff:           c.Download.AdmitBackoff,
		AdmitBackoffMax:        c.Download.AdmitBackoffMax,
		Fetch: fetcher.Config{
			Segments:    c.Download.Segments,
			MaxRetries:  fetchRetries(c.Download.Retries()),
			RetryDelay:  c.Download.RetryDelay,
			IdleTimeout: c.Download.IdleTimeout,
		},
		Scaling: c.Scaling.Enabled,
		ScalingPolicy: scheduler.ThroughputPolicy{
			Min:               c.Scaling.Min,
			Max:               c.Scaling.Max,
			GrowBelow:         c.Scaling.GrowBelow,
			ShrinkAfterErrors: c.Scaling.ErrorThreshold,
		},
		ScalingInterval: c.Scaling.Interval,
	}
}

// fetchRetries translates a configured retry count for the fetcher, whose
// zero value means "use the default".
func fetchRetries(n int) int {
	if n == 0 {
		return fetcher.NoRetries
	}

	return n
}

// AddRequest describes one share link to download.
type AddRequest struct {
	URL      string
	Name     string // optional display name; the resolved filename is used when empty
	Category string
	Priority int // 0..3 or PriorityDefault
	BatchID  uuid.UUID
}

// GlobalStats aggregates task counts and scheduler state.
type GlobalStats struct {
	scheduler.Stats

	Queued      int   `json:"queuedTasks"`
	Downloading int   `json:"downloadingTasks"`
	Paused      int   `json:"pausedTasks"`
	Completed   int   `json:"completedTasks"`
	Failed      int   `json:"failedTasks"`
	SpeedBPS    int64 `json:"speedBps"`
	Remaining   int64 `json:"remainingBytes"`
}

func summarize(st scheduler.Stats, tasks []*task.Task) GlobalStats {
	g := GlobalStats{Stats: st}

	for _, t := range tasks {
		switch t.State {
		case status.Queued:
			g.Queued++
		case status.Resolving, status.Downloading:
			g.Downloading++
			g.SpeedBPS += t.SpeedBPS
		case status.Paused:
			g.Paused++
		case status.Completed:
			g.Completed++
		case status.Failed, status.Cancelled:
			g.Failed++
		}

		if !t.State.IsTerminal() {
			if r := t.Remaining(); r > 0 {
				g.Remaining += r
			}
		}
	}

	return g
}
