package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/events"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/status"
	"github.com/NamanBalaji/sharebridge/internal/task"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskExists    = errors.New("task already exists")
	ErrBatchNotFound = errors.New("batch not found")
)

// Persister is the durable side of the store.
type Persister interface {
	SaveTask(t *task.Task) error
	FindAllTasks() ([]*task.Task, error)
	DeleteTask(id uuid.UUID) error
	SaveBatch(b *task.Batch) error
	FindAllBatches() ([]*task.Batch, error)
	DeleteBatch(id uuid.UUID) error
}

// Publisher receives one event per task mutation.
type Publisher interface {
	Publish(ev events.TaskChanged)
}

type row struct {
	mu      sync.Mutex
	task    *task.Task
	version uint64
	dirty   bool
	removed bool
}

// Store is the authoritative in-memory view of every task. Each task has its
// own lock; events for a task are published while that lock is held, so
// subscribers observe a task's changes in order.
type Store struct {
	mu      sync.RWMutex
	rows    map[uuid.UUID]*row
	batches map[uuid.UUID]*task.Batch

	repo Persister
	bus  Publisher
}

// New creates an empty store. repo and bus may be nil.
func New(repo Persister, bus Publisher) *Store {
	return &Store{
		rows:    make(map[uuid.UUID]*row),
		batches: make(map[uuid.UUID]*task.Batch),
		repo:    repo,
		bus:     bus,
	}
}

// Load reads persisted tasks and batches. Tasks interrupted while Resolving
// or Downloading are moved back to Queued with their offsets intact and
// their original enqueue time. It returns the number of recovered tasks.
func (s *Store) Load() (int, error) {
	if s.repo == nil {
		return 0, nil
	}

	tasks, err := s.repo.FindAllTasks()
	if err != nil {
		return 0, fmt.Errorf("failed to load tasks: %w", err)
	}

	batches, err := s.repo.FindAllBatches()
	if err != nil {
		return 0, fmt.Errorf("failed to load batches: %w", err)
	}

	recovered := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range batches {
		s.batches[b.ID] = b
	}

	for _, t := range tasks {
		if t.State.IsActive() {
			enqueued := t.EnqueuedAt
			if err := t.Transition(status.Queued); err != nil {
				logger.Warnf("Cannot recover task %s from %s: %v", t.ID, t.State, err)
				continue
			}

			t.EnqueuedAt = enqueued
			recovered++

			if err := s.repo.SaveTask(t); err != nil {
				logger.Errorf("Failed to persist recovered task %s: %v", t.ID, err)
			}
		}

		s.rows[t.ID] = &row{task: t, version: 1}
	}

	logger.Infof("Loaded %d tasks and %d batches (%d recovered to queue)", len(tasks), len(batches), recovered)

	return recovered, nil
}

// Create adds a new task and persists it.
func (s *Store) Create(t *task.Task) error {
	if t == nil || t.ID == uuid.Nil {
		return errors.New("task ID cannot be empty")
	}

	r := &row{task: t.Clone(), version: 1}
	r.mu.Lock()
	defer r.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.rows[t.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}

	if s.repo != nil {
		if err := s.repo.SaveTask(r.task); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to persist task: %w", err)
		}
	}

	s.rows[t.ID] = r
	s.mu.Unlock()

	s.publish(r)

	return nil
}

// Get returns a copy of the task.
func (s *Store) Get(id uuid.UUID) (*task.Task, error) {
	r, err := s.row(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	return r.task.Clone(), nil
}

// Update applies fn to a copy of the task, persists the result and only then
// makes it visible. fn returning an error leaves the task untouched.
func (s *Store) Update(id uuid.UUID, fn func(t *task.Task) error) (*task.Task, error) {
	r, err := s.row(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	next := r.task.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	next.UpdatedAt = time.Now()

	if s.repo != nil {
		if err := s.repo.SaveTask(next); err != nil {
			return nil, fmt.Errorf("failed to persist task: %w", err)
		}
	}

	r.task = next
	r.dirty = false
	r.version++
	s.publish(r)

	return next.Clone(), nil
}

// Transition moves the task to next, applying mutate (may be nil) in the
// same step.
func (s *Store) Transition(id uuid.UUID, next status.Status, mutate func(t *task.Task)) (*task.Task, error) {
	return s.Update(id, func(t *task.Task) error {
		if err := t.Transition(next); err != nil {
			return err
		}

		if mutate != nil {
			mutate(t)
		}

		return nil
	})
}

// UpdateProgress records transfer progress. A report carrying segment state
// replaces the downloaded count, so a host that restarts a range from zero
// lowers it; a bare count never moves backwards. The row is marked dirty and
// written by SaveDirty.
func (s *Store) UpdateProgress(id uuid.UUID, downloaded, speedBPS int64, segments []task.SegmentState) error {
	r, err := s.row(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t := r.task.Clone()
	if segments != nil || downloaded > t.DownloadedBytes {
		t.DownloadedBytes = downloaded
	}

	t.SpeedBPS = speedBPS

	if segments != nil {
		t.Segments = append([]task.SegmentState(nil), segments...)
	}

	t.UpdatedAt = time.Now()

	r.task = t
	r.dirty = true
	r.version++
	s.publish(r)

	return nil
}

// SaveDirty persists every task changed by UpdateProgress since its last
// write.
func (s *Store) SaveDirty() error {
	if s.repo == nil {
		return nil
	}

	var errs []error

	for _, r := range s.allRows() {
		r.mu.Lock()
		if r.dirty && !r.removed {
			if err := s.repo.SaveTask(r.task); err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", r.task.ID, err))
			} else {
				r.dirty = false
			}
		}
		r.mu.Unlock()
	}

	return errors.Join(errs...)
}

// Delete removes the task from memory and storage.
func (s *Store) Delete(id uuid.UUID) (*task.Task, error) {
	r, err := s.row(id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removed {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if s.repo != nil {
		if err := s.repo.DeleteTask(id); err != nil {
			logger.Warnf("Failed to delete task %s from storage: %v", id, err)
		}
	}

	s.mu.Lock()
	delete(s.rows, id)
	s.mu.Unlock()

	r.removed = true
	r.version++
	s.publish(r)

	return r.task.Clone(), nil
}

// List returns copies of the tasks accepted by filter (nil accepts all),
// oldest first.
func (s *Store) List(filter func(t *task.Task) bool) []*task.Task {
	var out []*task.Task

	for _, r := range s.allRows() {
		r.mu.Lock()
		if !r.removed && (filter == nil || filter(r.task)) {
			out = append(out, r.task.Clone())
		}
		r.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}

		return out[i].ID.String() < out[j].ID.String()
	})

	return out
}

// FindByURL returns tasks whose share URL equals shareURL.
func (s *Store) FindByURL(shareURL string) []*task.Task {
	return s.List(func(t *task.Task) bool { return t.OriginalURL == shareURL })
}

// Snapshot returns the current event view of every task, for new
// subscribers.
func (s *Store) Snapshot() []events.TaskChanged {
	var out []events.TaskChanged

	for _, r := range s.allRows() {
		r.mu.Lock()
		if !r.removed {
			out = append(out, changeOf(r))
		}
		r.mu.Unlock()
	}

	return out
}

// CreateBatch stores a batch.
func (s *Store) CreateBatch(b *task.Batch) error {
	if b == nil || b.ID == uuid.Nil {
		return errors.New("batch ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.SaveBatch(b); err != nil {
			return fmt.Errorf("failed to persist batch: %w", err)
		}
	}

	c := *b
	c.TaskIDs = append([]uuid.UUID(nil), b.TaskIDs...)
	s.batches[b.ID] = &c

	return nil
}

// Batch returns a copy of the batch.
func (s *Store) Batch(id uuid.UUID) (*task.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	c := *b
	c.TaskIDs = append([]uuid.UUID(nil), b.TaskIDs...)

	return &c, nil
}

// Batches returns the progress of every batch, oldest first.
func (s *Store) Batches() []task.BatchProgress {
	s.mu.RLock()
	batches := make([]*task.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		c := *b
		batches = append(batches, &c)
	}
	s.mu.RUnlock()

	sort.Slice(batches, func(i, j int) bool { return batches[i].CreatedAt.Before(batches[j].CreatedAt) })

	out := make([]task.BatchProgress, 0, len(batches))
	for _, b := range batches {
		id := b.ID
		tasks := s.List(func(t *task.Task) bool { return t.BatchID == id })
		out = append(out, task.Summarize(b, tasks))
	}

	return out
}

// DeleteBatch removes the batch record. Its tasks are left alone.
func (s *Store) DeleteBatch(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[id]; !ok {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	delete(s.batches, id)

	if s.repo != nil {
		if err := s.repo.DeleteBatch(id); err != nil {
			return fmt.Errorf("failed to delete batch: %w", err)
		}
	}

	return nil
}

func (s *Store) row(id uuid.UUID) (*row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	return r, nil
}

// allRows copies the row set so row locks are never taken under s.mu.
func (s *Store) allRows() []*row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]*row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}

	return rows
}

// publish must be called with r.mu held.
func (s *Store) publish(r *row) {
	if s.bus == nil {
		return
	}

	s.bus.Publish(changeOf(r))
}

func changeOf(r *row) events.TaskChanged {
	t := r.task

	return events.TaskChanged{
		TaskID:  t.ID,
		Version: r.version,
		State:   t.State,
		Progress: events.Progress{
			Downloaded: t.DownloadedBytes,
			Size:       t.SizeBytes,
			SpeedBPS:   t.SpeedBPS,
		},
		ErrorKind:    t.ErrorKind,
		ErrorMessage: t.ErrorMessage,
		Removed:      r.removed,
		At:           t.UpdatedAt,
	}
}
