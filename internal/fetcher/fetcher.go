package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/resolver"
	"github.com/NamanBalaji/sharebridge/internal/task"
	"github.com/NamanBalaji/sharebridge/internal/throttle"
	httpPkg "github.com/NamanBalaji/sharebridge/pkg/http"
)

const (
	defaultSegments         = 4
	defaultMaxRetries       = 3
	defaultRetryDelay       = 2 * time.Second
	defaultIdleTimeout      = 30 * time.Second
	defaultProgressInterval = 500 * time.Millisecond

	// speedAlpha weights the newest sample in the moving average.
	speedAlpha = 0.3

	bufferSize = throttle.ChunkSize
)

// NoRetries as MaxRetries disables retries; zero selects the default.
const NoRetries = -1

// Config tunes a Fetcher. Zero values fall back to defaults.
type Config struct {
	Segments         int
	MaxRetries       int
	RetryDelay       time.Duration
	IdleTimeout      time.Duration
	ProgressInterval time.Duration
}

// WithDefaults fills every unset value with its default.
func (c Config) WithDefaults() Config {
	if c.Segments <= 0 {
		c.Segments = defaultSegments
	}

	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}

	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}

	return c
}

// RefreshFunc obtains a new direct link for the same file.
type RefreshFunc func(ctx context.Context) (resolver.Result, error)

// Progress is reported every progress interval and once more when the
// fetch stops.
type Progress struct {
	Downloaded  int64
	Transferred int64 // bytes received over the network so far
	SpeedBPS    int64
	Segments    []task.SegmentState
}

type ProgressFunc func(p Progress)

// Request describes one transfer. Segments carries persisted offsets from an
// earlier attempt; empty means start fresh.
type Request struct {
	TaskID      uuid.UUID
	Link        resolver.Result
	Destination string
	Segments    []task.SegmentState
	Refresh     RefreshFunc
	OnProgress  ProgressFunc
}

// Result is returned with or without an error so offsets can be persisted.
type Result struct {
	Link        resolver.Result
	SizeBytes   int64
	Downloaded  int64
	Transferred int64
	Segments    []task.SegmentState
	Refreshed   bool
}

// Fetcher downloads one file over parallel range requests into a
// preallocated destination.
type Fetcher struct {
	client *httpPkg.Client
	bw     *throttle.Bandwidth
	cfg    Config
}

// New creates a Fetcher. bw may be nil for no throttling.
func New(client *httpPkg.Client, bw *throttle.Bandwidth, cfg Config) *Fetcher {
	if client == nil {
		client = httpPkg.NewClient()
	}

	return &Fetcher{client: client, bw: bw, cfg: cfg.WithDefaults()}
}

type job struct {
	*Fetcher

	id          uuid.UUID
	link        resolver.Result
	file        *os.File
	segments    []*segment
	transferred atomic.Int64
}

// Fetch runs the transfer until it completes, fails or ctx is cancelled.
// Cancellation yields a Cancelled error and the offsets reached so far.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	j := &job{Fetcher: f, id: req.TaskID, link: req.Link}

	if f.bw != nil {
		f.bw.Register(req.TaskID)
		defer f.bw.Unregister(req.TaskID)
	}

	states := f.prepare(req.TaskID, req.Segments, req.Link)
	for _, s := range states {
		j.segments = append(j.segments, newSegment(s))
	}

	file, err := openDestination(req.Destination, req.Link.SizeBytes, sumWritten(states) == 0)
	if err != nil {
		return j.result(false), dlErrors.NewUnrecoverableError(err, req.Destination)
	}

	j.file = file
	defer file.Close()

	progressCtx, stopProgress := context.WithCancel(ctx)
	progressDone := make(chan struct{})

	go func() {
		defer close(progressDone)
		j.trackProgress(progressCtx, req.OnProgress)
	}()

	refreshed := false

	for {
		err = j.runSegments(ctx)
		if err == nil || !dlErrors.IsKind(err, dlErrors.KindLinkExpired) || refreshed || req.Refresh == nil {
			break
		}

		refreshed = true
		logger.Infof("Direct link for task %s looks expired, resolving again", req.TaskID)

		next, rerr := req.Refresh(ctx)
		if rerr != nil {
			err = rerr
			break
		}

		if j.link.SizeBytes > 0 && next.SizeBytes > 0 && next.SizeBytes != j.link.SizeBytes {
			err = dlErrors.NewUnrecoverableError(
				fmt.Errorf("%w: link now reports %d bytes, expected %d", dlErrors.ErrSizeMismatch, next.SizeBytes, j.link.SizeBytes),
				req.TaskID.String())

			break
		}

		next.SizeBytes = j.link.SizeBytes
		next.SupportsRanges = j.link.SupportsRanges
		j.link = next
	}

	stopProgress()
	<-progressDone

	if err == nil {
		err = j.verify()
	}

	res := j.result(refreshed)

	if req.OnProgress != nil {
		req.OnProgress(Progress{Downloaded: res.Downloaded, Transferred: res.Transferred, Segments: res.Segments})
	}

	if err != nil {
		if ctx.Err() != nil {
			return res, dlErrors.NewCancelledError(ctx.Err(), req.TaskID.String())
		}

		return res, err
	}

	logger.Infof("Task %s fetched %d bytes (%d over the network)", req.TaskID, res.Downloaded, res.Transferred)

	return res, nil
}

// prepare reuses persisted offsets when they still fit the link, otherwise
// plans fresh segments.
func (f *Fetcher) prepare(id uuid.UUID, persisted []task.SegmentState, link resolver.Result) []task.SegmentState {
	if len(persisted) > 0 {
		states := append([]task.SegmentState(nil), persisted...)

		switch {
		case link.SizeBytes > 0 && covers(states, link.SizeBytes) && (link.SupportsRanges || len(states) == 1):
			return states
		case link.SizeBytes <= 0 && len(states) == 1 && states[0].Start == 0 && states[0].End < 0:
			return states
		}

		logger.Warnf("Persisted segments of task %s do not match the link, starting over", id)
	}

	return Plan(link.SizeBytes, link.SupportsRanges, f.segmentsFor(id))
}

// segmentsFor caps fresh plans so every segment can still read at least one
// chunk per second out of the task's bandwidth share.
func (f *Fetcher) segmentsFor(id uuid.UUID) int {
	n := f.cfg.Segments
	if f.bw == nil {
		return n
	}

	share := f.bw.Share(id)
	if share <= 0 {
		return n
	}

	if fit := int(share / bufferSize); fit < n {
		n = max(fit, 1)
	}

	return n
}

func (j *job) runSegments(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range j.segments {
		if s.done() {
			continue
		}

		seg := s

		g.Go(func() error {
			return j.fetchWithRetries(gctx, seg)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return dlErrors.NewCancelledError(ctx.Err(), j.id.String())
	}

	return err
}

func (j *job) fetchWithRetries(ctx context.Context, s *segment) error {
	var lastErr error

	for attempt := 0; attempt <= j.cfg.MaxRetries; attempt++ {
		err := j.fetchSegment(ctx, s)
		if err == nil {
			return nil
		}

		lastErr = err
		if ctx.Err() != nil || !isRetryable(err) {
			return err
		}

		if attempt == j.cfg.MaxRetries {
			break
		}

		backoff := Backoff(attempt, j.cfg.RetryDelay)

		select {
		case <-ctx.Done():
			return dlErrors.NewCancelledError(ctx.Err(), j.id.String())
		case <-time.After(backoff):
			logger.Debugf("Retrying segment %d of task %s, attempt %d: %v", s.index, j.id, attempt+2, err)
		}
	}

	logger.Warnf("Segment %d of task %s failed after %d retries: %v", s.index, j.id, j.cfg.MaxRetries, lastErr)

	return lastErr
}

func (j *job) fetchSegment(ctx context.Context, s *segment) error {
	if s.done() {
		return nil
	}

	// a host without ranges can only restart from the beginning
	if !j.link.SupportsRanges && s.written.Load() > 0 {
		s.written.Store(0)
	}

	resource := fmt.Sprintf("%s#%d", j.id, s.index)

	conn := newConnection(j.link.DirectURL, j.link.Headers, j.client, s.offset(), s.end.Load())
	if err := conn.connect(ctx, j.id, j.bw, j.cfg.IdleTimeout); err != nil {
		return httpPkg.ToDownloadError(err, resource, conn.status)
	}

	defer func() {
		if err := conn.close(); err != nil {
			logger.Debugf("Failed to close connection for segment %s: %v", resource, err)
		}
	}()

	buffer := make([]byte, bufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return dlErrors.NewCancelledError(err, resource)
		}

		n, err := conn.Read(buffer)
		if n > 0 {
			if rem := s.remaining(); rem >= 0 && int64(n) > rem {
				n = int(rem)
			}

			if _, werr := j.file.WriteAt(buffer[:n], s.offset()); werr != nil {
				return dlErrors.NewUnrecoverableError(fmt.Errorf("%w: %w", httpPkg.ErrIOProblem, werr), resource)
			}

			s.written.Add(int64(n))
			j.transferred.Add(int64(n))
		}

		if s.remaining() == 0 {
			return nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if s.remaining() < 0 {
					s.finish()
					return nil
				}

				return httpPkg.ToDownloadError(httpPkg.ErrUnexpectedEOF, resource, conn.status)
			}

			return httpPkg.ToDownloadError(httpPkg.ClassifyError(err), resource, conn.status)
		}
	}
}

// trackProgress reports aggregated offsets with a smoothed speed.
func (j *job) trackProgress(ctx context.Context, fn ProgressFunc) {
	if fn == nil {
		return
	}

	ticker := time.NewTicker(j.cfg.ProgressInterval)
	defer ticker.Stop()

	last := j.downloaded()
	lastAt := time.Now()

	var speed float64

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			total := j.downloaded()

			elapsed := now.Sub(lastAt).Seconds()
			if elapsed > 0 {
				inst := float64(total-last) / elapsed
				if inst < 0 {
					inst = 0
				}

				speed = speedAlpha*inst + (1-speedAlpha)*speed
			}

			last, lastAt = total, now

			fn(Progress{
				Downloaded:  total,
				Transferred: j.transferred.Load(),
				SpeedBPS:    int64(speed),
				Segments:    j.states(),
			})
		}
	}
}

// verify checks the finished file against the expected size.
func (j *job) verify() error {
	written := j.downloaded()
	size := j.link.SizeBytes

	if size > 0 {
		if written != size {
			return dlErrors.NewUnrecoverableError(
				fmt.Errorf("%w: wrote %d of %d bytes", dlErrors.ErrSizeMismatch, written, size), j.id.String())
		}

		info, err := j.file.Stat()
		if err != nil {
			return dlErrors.NewUnrecoverableError(fmt.Errorf("%w: %w", httpPkg.ErrIOProblem, err), j.id.String())
		}

		if info.Size() != size {
			return dlErrors.NewUnrecoverableError(
				fmt.Errorf("%w: file has %d of %d bytes", dlErrors.ErrSizeMismatch, info.Size(), size), j.id.String())
		}
	} else if err := j.file.Truncate(written); err != nil {
		return dlErrors.NewUnrecoverableError(fmt.Errorf("%w: %w", httpPkg.ErrIOProblem, err), j.id.String())
	}

	if err := j.file.Sync(); err != nil {
		return dlErrors.NewUnrecoverableError(fmt.Errorf("%w: %w", httpPkg.ErrIOProblem, err), j.id.String())
	}

	return nil
}

func (j *job) downloaded() int64 {
	var total int64
	for _, s := range j.segments {
		total += s.written.Load()
	}

	return total
}

func (j *job) states() []task.SegmentState {
	out := make([]task.SegmentState, len(j.segments))
	for i, s := range j.segments {
		out[i] = s.state()
	}

	return out
}

func (j *job) result(refreshed bool) *Result {
	size := j.link.SizeBytes
	downloaded := j.downloaded()

	if size <= 0 && len(j.segments) > 0 && j.segments[len(j.segments)-1].done() {
		size = downloaded
	}

	return &Result{
		Link:        j.link,
		SizeBytes:   size,
		Downloaded:  downloaded,
		Transferred: j.transferred.Load(),
		Segments:    j.states(),
		Refreshed:   refreshed,
	}
}

func sumWritten(states []task.SegmentState) int64 {
	var total int64
	for _, s := range states {
		total += s.Written
	}

	return total
}

// openDestination opens the output file and sizes it. A fresh transfer
// starts from an empty file.
func openDestination(path string, size int64, fresh bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}

	if fresh {
		if err := file.Truncate(0); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to reset destination: %w", err)
		}
	}

	if size > 0 {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to preallocate destination: %w", err)
		}
	}

	return file, nil
}
