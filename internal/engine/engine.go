package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/account"
	"github.com/NamanBalaji/sharebridge/internal/events"
	"github.com/NamanBalaji/sharebridge/internal/filesystem"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/resolver"
	"github.com/NamanBalaji/sharebridge/internal/scheduler"
	"github.com/NamanBalaji/sharebridge/internal/status"
	"github.com/NamanBalaji/sharebridge/internal/store"
	"github.com/NamanBalaji/sharebridge/internal/task"
	httpPkg "github.com/NamanBalaji/sharebridge/pkg/http"
)

var (
	// ErrTaskNotFound is returned when a task cannot be found
	ErrTaskNotFound = store.ErrTaskNotFound

	// ErrInvalidURL is returned for malformed share URLs
	ErrInvalidURL = errors.New("invalid URL")

	// ErrEngineNotRunning is returned when an operation requires the engine to be running
	ErrEngineNotRunning = errors.New("engine is not running")

	// ErrNotPausable is returned when the task's state has no Paused transition
	ErrNotPausable = errors.New("task cannot be paused in its current state")

	// ErrNotResumable is returned for Completed or Cancelled tasks
	ErrNotResumable = errors.New("task cannot be resumed in its current state")
)

const shutdownTimeout = 30 * time.Second

type Engine struct {
	mu sync.RWMutex

	config   *Config
	store    *store.Store
	bus      *events.Bus
	pool     *account.Pool
	resolver resolver.Resolver
	sched    *scheduler.Scheduler
	client   *httpPkg.Client
	layout   *filesystem.Layout

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	running bool
}

// runTask runs a function in a goroutine tracked by the WaitGroup
func (e *Engine) runTask(fn func()) {
	e.wg.Add(1)

	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// New creates a new Engine. repo may be nil for a memory-only engine.
func New(config *Config, repo store.Persister, pool *account.Pool, res resolver.Resolver) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if pool == nil {
		return nil, errors.New("engine needs an account pool")
	}

	if res == nil {
		return nil, errors.New("engine needs a resolver")
	}

	layout := filesystem.NewLayout(config.DownloadDir)
	if err := layout.EnsureDirectory(); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	bus := events.NewBus(0)

	e := &Engine{
		config:   config,
		store:    store.New(repo, bus),
		bus:      bus,
		pool:     pool,
		resolver: res,
		client:   httpPkg.NewClient(),
		layout:   layout,
	}

	e.sched = scheduler.New(scheduler.Config{
		Workers:    config.MaxConcurrentDownloads,
		SpeedLimit: config.SpeedLimit,
		Scaling:    config.Scaling,
		Policy:     config.ScalingPolicy,
		Interval:   config.ScalingInterval,
		RetryMin:   config.AdmitBackoff,
		RetryMax:   config.AdmitBackoffMax,
	}, pool, e.run)

	pool.OnRelease(e.sched.Notify)

	return e, nil
}

// Start loads persisted tasks, re-admits the queued ones and starts the
// scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	recovered, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	if recovered > 0 {
		logger.Infof("Recovered %d interrupted task(s)", recovered)
	}

	e.ctx, e.cancelFunc = context.WithCancel(ctx)

	queued := e.store.List(func(t *task.Task) bool { return t.State == status.Queued })
	sort.SliceStable(queued, func(i, j int) bool { return queued[i].EnqueuedAt.Before(queued[j].EnqueuedAt) })

	for _, t := range queued {
		if err := e.sched.Enqueue(t.ID, t.Priority); err != nil {
			logger.Warnf("Failed to enqueue task %s: %v", t.ID, err)
		}
	}

	e.sched.Start(e.ctx)

	e.runTask(func() {
		e.startPeriodicSave(e.ctx)
	})

	e.running = true

	logger.Infof("Engine started with %d slot(s), %d task(s) queued", e.config.MaxConcurrentDownloads, len(queued))

	return nil
}

// Shutdown stops every transfer, persists offsets and closes the event bus.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}

	logger.Infof("Starting engine shutdown...")

	e.cancelFunc()

	waitChan := make(chan struct{})
	go func() {
		e.sched.Stop()
		e.wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		logger.Infof("All tasks stopped gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warnf("Shutdown timed out, some tasks may not have stopped")
	}

	if err := e.store.SaveDirty(); err != nil {
		logger.Errorf("Failed to save task state: %v", err)
	}

	e.bus.Close()
	e.running = false

	logger.Infof("Engine shutdown complete")

	return nil
}

func (e *Engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.running
}

// AddTask creates a Queued task and hands it to the scheduler. A share URL
// that already has a live task returns that task instead of a duplicate.
func (e *Engine) AddTask(ctx context.Context, req AddRequest) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !e.isRunning() {
		return nil, ErrEngineNotRunning
	}

	if err := validateURL(req.URL); err != nil {
		return nil, err
	}

	for _, existing := range e.store.FindByURL(req.URL) {
		if !existing.State.IsTerminal() && existing.State != status.Failed {
			logger.Infof("Share %s already tracked by task %s", req.URL, existing.ID)
			return existing, nil
		}
	}

	priority := req.Priority
	if priority == PriorityDefault {
		priority = e.config.DefaultPriority
	}

	name := req.Name
	if name != "" {
		name = filesystem.SanitizeName(name)
	}

	t, err := task.New(req.URL, name, priority)
	if err != nil {
		return nil, err
	}

	t.Category = req.Category
	t.BatchID = req.BatchID

	if err := e.store.Create(t); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	if err := e.sched.Enqueue(t.ID, t.Priority); err != nil {
		if _, derr := e.store.Delete(t.ID); derr != nil {
			logger.Warnf("Failed to drop unscheduled task %s: %v", t.ID, derr)
		}

		return nil, err
	}

	logger.Infof("Task %s added for %s (priority %d)", t.ID, req.URL, t.Priority)

	return t, nil
}

// AddBatch adds every request under one named batch.
func (e *Engine) AddBatch(ctx context.Context, name string, reqs []AddRequest) (*task.Batch, []*task.Task, error) {
	if len(reqs) == 0 {
		return nil, nil, errors.New("batch needs at least one url")
	}

	for _, r := range reqs {
		if err := validateURL(r.URL); err != nil {
			return nil, nil, err
		}
	}

	b := task.NewBatch(name)
	tasks := make([]*task.Task, 0, len(reqs))

	for _, r := range reqs {
		r.BatchID = b.ID

		t, err := e.AddTask(ctx, r)
		if err != nil {
			return nil, tasks, err
		}

		tasks = append(tasks, t)
		b.TaskIDs = append(b.TaskIDs, t.ID)
	}

	if err := e.store.CreateBatch(b); err != nil {
		return nil, tasks, err
	}

	return b, tasks, nil
}

// Get returns a copy of the task.
func (e *Engine) Get(id uuid.UUID) (*task.Task, error) {
	return e.store.Get(id)
}

// List returns the tasks accepted by filter, oldest first.
func (e *Engine) List(filter func(t *task.Task) bool) []*task.Task {
	return e.store.List(filter)
}

// FindByURL returns the tasks created for a share URL.
func (e *Engine) FindByURL(shareURL string) []*task.Task {
	return e.store.FindByURL(shareURL)
}

// QueueOrder returns queued task ids in the order they will be admitted.
func (e *Engine) QueueOrder() []uuid.UUID {
	return e.sched.Queued()
}

// Batches returns the progress of every batch.
func (e *Engine) Batches() []task.BatchProgress {
	return e.store.Batches()
}

// Accounts returns the account-health snapshot.
func (e *Engine) Accounts() []account.Health {
	return e.pool.Health()
}

// RevalidateAccount returns an account marked unusable to selection. With
// resetUsage its consumed traffic starts again from zero, as after the
// host's quota window rolls over.
func (e *Engine) RevalidateAccount(id string, resetUsage bool) error {
	used := int64(-1)
	if resetUsage {
		used = 0
	}

	return e.pool.Revalidate(id, -1, used)
}

// Stats returns global counts and scheduler figures.
func (e *Engine) Stats() GlobalStats {
	return summarize(e.sched.Stats(), e.store.List(nil))
}

// SetSpeedLimit changes the global bandwidth cap; 0 removes it.
func (e *Engine) SetSpeedLimit(bps int64) {
	e.sched.SetSpeedLimit(bps)
}

// Subscribe returns a subscription that yields every task's state first,
// then changes.
func (e *Engine) Subscribe() *events.Subscription {
	return e.bus.Subscribe(e.store.Snapshot)
}

// Pause stops a queued or running task. Offsets reached so far are kept.
func (e *Engine) Pause(id uuid.UUID) error {
	t, err := e.store.Get(id)
	if err != nil {
		return err
	}

	if t.State == status.Paused {
		return nil
	}

	if !task.CanTransition(t.State, status.Paused) {
		return fmt.Errorf("%w: %s", ErrNotPausable, t.State)
	}

	if _, err := e.store.Transition(id, status.Paused, nil); err != nil {
		return err
	}

	e.sched.Remove(id)
	e.sched.Cancel(id)

	logger.Infof("Task %s paused", id)

	return nil
}

// Resume puts a Paused or Failed task back in the queue.
func (e *Engine) Resume(id uuid.UUID) error {
	t, err := e.store.Get(id)
	if err != nil {
		return err
	}

	switch t.State {
	case status.Queued, status.Resolving, status.Downloading:
		return nil
	case status.Paused, status.Failed:
	default:
		return fmt.Errorf("%w: %s", ErrNotResumable, t.State)
	}

	t, err = e.store.Transition(id, status.Queued, nil)
	if err != nil {
		return err
	}

	if err := e.sched.Enqueue(id, t.Priority); err != nil && !errors.Is(err, scheduler.ErrAlreadyScheduled) {
		return err
	}

	logger.Infof("Task %s resumed", id)

	return nil
}

// Cancel stops a task for good. It stays visible in history as Cancelled.
func (e *Engine) Cancel(id uuid.UUID) error {
	t, err := e.store.Get(id)
	if err != nil {
		return err
	}

	if t.State.IsTerminal() {
		return nil
	}

	if _, err := e.store.Transition(id, status.Cancelled, nil); err != nil {
		return err
	}

	e.sched.Remove(id)
	e.sched.Cancel(id)

	logger.Infof("Task %s cancelled", id)

	return nil
}

// Delete stops the task and removes its record, and its file when
// removeFiles is set.
func (e *Engine) Delete(id uuid.UUID, removeFiles bool) error {
	e.sched.Remove(id)
	e.sched.Cancel(id)

	t, err := e.store.Delete(id)
	if err != nil {
		return err
	}

	if removeFiles && t.DestinationPath != "" {
		if !e.layout.Contains(t.DestinationPath) {
			logger.Warnf("Not removing %s: outside the download directory", t.DestinationPath)
		} else if err := filesystem.RemoveFile(t.DestinationPath); err != nil {
			logger.Warnf("Failed to remove file of task %s: %v", id, err)
		}
	}

	logger.Infof("Task %s deleted", id)

	if t.BatchID != uuid.Nil {
		e.dropEmptyBatch(t.BatchID)
	}

	return nil
}

// dropEmptyBatch removes a batch once its last task is gone.
func (e *Engine) dropEmptyBatch(id uuid.UUID) {
	b, err := e.store.Batch(id)
	if err != nil {
		return
	}

	left := e.store.List(func(t *task.Task) bool { return t.BatchID == id })
	if len(left) > 0 {
		return
	}

	if err := e.store.DeleteBatch(id); err != nil {
		logger.Warnf("Failed to delete empty batch %s: %v", id, err)
		return
	}

	logger.Infof("Batch %q removed with its last task", b.Name)
}

// startPeriodicSave writes dirty progress rows on a ticker.
func (e *Engine) startPeriodicSave(ctx context.Context) {
	interval := e.config.SaveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.store.SaveDirty(); err != nil {
				logger.Errorf("Error saving task progress: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func validateURL(raw string) error {
	if raw == "" {
		return ErrInvalidURL
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	return nil
}
