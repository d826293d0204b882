package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/account"
	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/throttle"
)

var (
	ErrAlreadyScheduled = errors.New("task already queued or running")
	ErrStopped          = errors.New("scheduler stopped")

	// ErrRequeue, wrapped in a RunFunc's error, puts the task back in the
	// ready queue once its slot is released.
	ErrRequeue = errors.New("task requeued")
)

const (
	defaultInterval = 5 * time.Second
	defaultRetryMin = time.Second
	defaultRetryMax = 30 * time.Second
)

// Accounts is the part of the account pool admission needs.
type Accounts interface {
	Acquire(taskID string) (*account.Account, error)
	Release(accountID string, bytesConsumed int64)
}

// RunFunc executes one admitted task until it reaches a resting state. It
// returns the bytes to charge to acct and the failure, if any. The context
// is cancelled by Cancel and Stop.
type RunFunc func(ctx context.Context, id uuid.UUID, acct *account.Account, bw *throttle.Bandwidth) (int64, error)

// Config tunes the scheduler.
type Config struct {
	Workers    int
	SpeedLimit int64
	Scaling    bool
	Policy     ScalingPolicy
	Interval   time.Duration
	RetryMin   time.Duration
	RetryMax   time.Duration
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Workers       int   `json:"workers"`
	Active        int   `json:"active"`
	Queued        int   `json:"queued"`
	ThroughputBPS int64 `json:"throughputBps"`
	SpeedLimit    int64 `json:"speedLimit"`
}

type running struct {
	cancel   context.CancelFunc
	priority int
	stopping bool // cancelled, still winding down
	requeue  bool // enqueued again while stopping
}

// Scheduler admits queued tasks into a bounded number of worker slots in
// strict priority order. It never preempts a running task.
type Scheduler struct {
	mu     sync.Mutex
	queue  readyQueue
	queued map[uuid.UUID]*item
	active map[uuid.UUID]*running
	seq    uint64

	workers    atomic.Int32
	failures   atomic.Int32
	throughput atomic.Int64

	accounts Accounts
	run      RunFunc
	bw       *throttle.Bandwidth
	cfg      Config

	wake       chan struct{}
	retry      *time.Timer
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup
	done   chan struct{}
}

// New creates a scheduler. Call Start to begin admitting.
func New(cfg Config, accounts Accounts, run RunFunc) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	if cfg.RetryMin <= 0 {
		cfg.RetryMin = defaultRetryMin
	}

	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = max(defaultRetryMax, cfg.RetryMin)
	}

	s := &Scheduler{
		queued:     make(map[uuid.UUID]*item),
		active:     make(map[uuid.UUID]*running),
		accounts:   accounts,
		run:        run,
		bw:         throttle.New(cfg.SpeedLimit),
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
		retryDelay: cfg.RetryMin,
		done:       make(chan struct{}),
	}
	s.workers.Store(int32(cfg.Workers))

	return s
}

// Start launches the admission loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.loop()
	s.Notify()
}

// Stop cancels every running task and waits for the runners to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel

	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-s.done
	s.runs.Wait()
}

// Notify asks the loop to re-run admission. It never blocks and is safe to
// call from the account pool's release hook.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue places a task in the ready queue.
func (s *Scheduler) Enqueue(id uuid.UUID, priority int) error {
	s.mu.Lock()

	if s.ctx != nil && s.ctx.Err() != nil {
		s.mu.Unlock()
		return ErrStopped
	}

	if _, ok := s.queued[id]; ok {
		s.mu.Unlock()
		return ErrAlreadyScheduled
	}

	if r, ok := s.active[id]; ok {
		if !r.stopping {
			s.mu.Unlock()
			return ErrAlreadyScheduled
		}

		// picked up again when the cancelled run returns
		r.requeue = true
		r.priority = priority
		s.mu.Unlock()

		return nil
	}

	s.seq++
	it := &item{id: id, priority: priority, seq: s.seq}
	heap.Push(&s.queue, it)
	s.queued[id] = it
	s.mu.Unlock()

	logger.Debugf("Task %s queued with priority %d", id, priority)
	s.Notify()

	return nil
}

// Remove takes a task out of the ready queue. It reports whether it was there.
func (s *Scheduler) Remove(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.active[id]; ok && r.requeue {
		r.requeue = false
		return true
	}

	it, ok := s.queued[id]
	if !ok {
		return false
	}

	heap.Remove(&s.queue, it.index)
	delete(s.queued, id)

	return true
}

// Cancel stops a running task. It reports whether the task was running.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	r, ok := s.active[id]
	if ok {
		r.stopping = true
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	r.cancel()

	return true
}

// IsActive reports whether id currently holds a worker slot.
func (s *Scheduler) IsActive(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.active[id]

	return ok
}

// Queued returns the waiting task ids in admission order.
func (s *Scheduler) Queued() []uuid.UUID {
	s.mu.Lock()
	cp := make(readyQueue, len(s.queue))
	for i, it := range s.queue {
		c := *it
		cp[i] = &c
	}
	s.mu.Unlock()

	heap.Init(&cp)

	out := make([]uuid.UUID, 0, len(cp))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(&cp).(*item).id)
	}

	return out
}

// SetWorkers changes the slot count. Running tasks are never preempted, so
// shrinking only takes effect as they finish.
func (s *Scheduler) SetWorkers(n int) {
	if n <= 0 {
		n = 1
	}

	old := s.workers.Swap(int32(n))
	if int(old) != n {
		logger.Infof("Worker slots changed from %d to %d", old, n)
		s.Notify()
	}
}

// SetSpeedLimit changes the global bandwidth cap; 0 removes it.
func (s *Scheduler) SetSpeedLimit(bps int64) {
	s.bw.SetLimit(bps)
}

// Bandwidth exposes the shared limiter.
func (s *Scheduler) Bandwidth() *throttle.Bandwidth {
	return s.bw
}

// Stats reports the current slot usage and measured throughput.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	active, queued := len(s.active), len(s.queued)
	s.mu.Unlock()

	return Stats{
		Workers:       int(s.workers.Load()),
		Active:        active,
		Queued:        queued,
		ThroughputBPS: s.throughput.Load(),
		SpeedLimit:    s.bw.Limit(),
	}
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	lastTotal := s.bw.Transferred()
	lastAt := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			s.admit()
		case now := <-ticker.C:
			total := s.bw.Transferred()
			elapsed := now.Sub(lastAt).Seconds()

			if elapsed > 0 {
				s.throughput.Store(int64(float64(total-lastTotal) / elapsed))
			}

			lastTotal, lastAt = total, now

			if s.cfg.Scaling && s.cfg.Policy != nil {
				s.rescale()
			}
		}
	}
}

func (s *Scheduler) rescale() {
	st := s.Stats()
	failures := int(s.failures.Swap(0))

	next := s.cfg.Policy.Next(Sample{
		Workers:       st.Workers,
		Active:        st.Active,
		Queued:        st.Queued,
		ThroughputBPS: st.ThroughputBPS,
		LimitBPS:      st.SpeedLimit,
		Errors:        failures,
	})

	s.SetWorkers(next)
}

// admit fills free slots from the head of the ready queue. A candidate whose
// account acquisition fails stays queued and the slot goes to the next one.
func (s *Scheduler) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	free := int(s.workers.Load()) - len(s.active)
	if free <= 0 || s.queue.Len() == 0 {
		return
	}

	var skipped []*item

	admitted := 0

	for free > 0 && s.queue.Len() > 0 {
		it := heap.Pop(&s.queue).(*item)

		acct, err := s.accounts.Acquire(it.id.String())
		if err != nil {
			logger.Debugf("Task %s not admitted: %v", it.id, err)

			skipped = append(skipped, it)

			continue
		}

		delete(s.queued, it.id)
		s.start(it, acct)

		free--
		admitted++
	}

	for _, it := range skipped {
		heap.Push(&s.queue, it)
	}

	if admitted > 0 {
		s.retryDelay = s.cfg.RetryMin
	}

	if len(skipped) > 0 && free > 0 {
		s.scheduleRetry()
	}
}

// scheduleRetry arms a single backoff timer. Caller holds s.mu.
func (s *Scheduler) scheduleRetry() {
	if s.retry != nil {
		return
	}

	d := s.retryDelay
	s.retryDelay = min(d*2, s.cfg.RetryMax)

	logger.Debugf("No account available, retrying admission in %s", d)

	s.retry = time.AfterFunc(d, func() {
		s.mu.Lock()
		s.retry = nil
		s.mu.Unlock()

		s.Notify()
	})
}

// start runs the task in its own goroutine. Caller holds s.mu.
func (s *Scheduler) start(it *item, acct *account.Account) {
	id := it.id
	ctx, cancel := context.WithCancel(s.ctx)
	s.active[id] = &running{cancel: cancel, priority: it.priority}
	s.runs.Add(1)

	logger.Infof("Task %s admitted on account %s", id, acct.ID)

	go func() {
		defer s.runs.Done()
		defer cancel()

		consumed, err := s.run(ctx, id, acct, s.bw)
		if err != nil && !dlErrors.IsKind(err, dlErrors.KindCancelled) {
			s.failures.Add(1)
		}

		s.mu.Lock()
		r := s.active[id]
		delete(s.active, id)

		if (r.requeue || errors.Is(err, ErrRequeue)) && s.ctx.Err() == nil {
			s.seq++
			next := &item{id: id, priority: r.priority, seq: s.seq}
			heap.Push(&s.queue, next)
			s.queued[id] = next

			logger.Debugf("Task %s requeued: %v", id, err)
		}
		s.mu.Unlock()

		s.accounts.Release(acct.ID, consumed)
		s.Notify()
	}()
}
