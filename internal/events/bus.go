package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/status"
)

const defaultBuffer = 64

// Progress is the byte-level part of a task change.
type Progress struct {
	Downloaded int64 `json:"downloaded"`
	Size       int64 `json:"size"`
	SpeedBPS   int64 `json:"speedBps"`
}

// TaskChanged describes the state of one task after a mutation. Version grows
// by one per mutation of the same task.
type TaskChanged struct {
	TaskID       uuid.UUID     `json:"taskId"`
	Version      uint64        `json:"version"`
	State        status.Status `json:"state"`
	Progress     Progress      `json:"progress"`
	ErrorKind    dlErrors.Kind `json:"errorKind,omitempty"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Removed      bool          `json:"removed,omitempty"`
	Snapshot     bool          `json:"snapshot,omitempty"`
	At           time.Time     `json:"at"`
}

// SnapshotFunc returns the current state of every task.
type SnapshotFunc func() []TaskChanged

// Bus fans task changes out to subscribers. Publish never blocks; a
// subscriber that falls behind loses events and the loss is counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool

	dropped atomic.Uint64
}

// NewBus creates a bus whose subscribers buffer up to buffer deltas.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev TaskChanged) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		s.deliver(ev)
	}
}

// Subscribe registers a subscriber. Its channel yields the snapshot first,
// then every delta newer than the snapshot.
func (b *Bus) Subscribe(snapshot SnapshotFunc) *Subscription {
	s := &Subscription{bus: b, buffer: b.buffer}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.ch = make(chan TaskChanged)
		s.closed = true
		close(s.ch)

		return s
	}

	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	var snap []TaskChanged
	if snapshot != nil {
		snap = snapshot()
	}

	s.start(snap)

	logger.Debugf("Event subscriber %d registered with %d snapshot entries", s.id, len(snap))

	return s
}

// Dropped returns the number of events lost across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs, id)
}

// Subscription is one consumer of the bus.
type Subscription struct {
	id     uint64
	bus    *Bus
	buffer int

	mu      sync.Mutex
	ch      chan TaskChanged
	ready   bool
	closed  bool
	pending []TaskChanged

	dropped atomic.Uint64
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan TaskChanged {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ch
}

// Dropped returns how many events this subscriber lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.remove(s.id)
	}

	s.shutdown()
}

// start emits the snapshot, then the deltas that raced with it. A delta
// whose version is not newer than the snapshot entry is already reflected.
func (s *Subscription) start(snap []TaskChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.ch = make(chan TaskChanged, len(snap)+s.buffer)

	seen := make(map[uuid.UUID]uint64, len(snap))
	for _, ev := range snap {
		ev.Snapshot = true
		seen[ev.TaskID] = ev.Version
		s.ch <- ev
	}

	for _, ev := range s.pending {
		if v, ok := seen[ev.TaskID]; ok && ev.Version <= v {
			continue
		}

		s.send(ev)
	}

	s.pending = nil
	s.ready = true
}

func (s *Subscription) deliver(ev TaskChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if !s.ready {
		if len(s.pending) >= s.buffer {
			s.drop()
			return
		}

		s.pending = append(s.pending, ev)

		return
	}

	s.send(ev)
}

func (s *Subscription) send(ev TaskChanged) {
	select {
	case s.ch <- ev:
	default:
		s.drop()
	}
}

func (s *Subscription) drop() {
	s.dropped.Add(1)

	if s.bus != nil {
		s.bus.dropped.Add(1)
	}
}

func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	s.pending = nil

	if s.ch == nil {
		s.ch = make(chan TaskChanged)
	}

	close(s.ch)
}
