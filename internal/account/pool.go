package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
	"github.com/NamanBalaji/sharebridge/internal/logger"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
)

// Persister durably records account rows.
type Persister interface {
	SaveAccount(a *Account) error
}

// RefreshFunc obtains a new session token for an account.
type RefreshFunc func(ctx context.Context, a *Account) (string, error)

type entry struct {
	account  *Account
	inFlight int
}

// Pool owns the hosting accounts and hands one out per admitted task.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry

	limit     int
	persist   Persister
	sessions  singleflight.Group
	onRelease func()
	now       func() time.Time
}

// NewPool creates a pool where each account serves at most perAccountLimit
// tasks at once. persist may be nil.
func NewPool(perAccountLimit int, persist Persister) *Pool {
	if perAccountLimit <= 0 {
		perAccountLimit = 1
	}

	return &Pool{
		entries: make(map[string]*entry),
		limit:   perAccountLimit,
		persist: persist,
		now:     time.Now,
	}
}

// OnRelease registers a hook fired whenever capacity may have become
// available (release or revalidation).
func (p *Pool) OnRelease(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onRelease = fn
}

// Add registers an account. Existing ids are rejected.
func (p *Pool) Add(a *Account) error {
	if a == nil || a.ID == "" {
		return errors.New("account id cannot be empty")
	}

	p.mu.Lock()

	if _, ok := p.entries[a.ID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountExists, a.ID)
	}

	c := a.Clone()
	p.entries[a.ID] = &entry{account: c}
	p.mu.Unlock()

	p.save(c)
	p.notify()

	return nil
}

// Acquire picks the Active account with the most remaining quota among
// those below their concurrency limit, breaking ties by oldest LastUsedAt.
// When no account is usable at all the error is QuotaExceeded; when usable
// accounts are merely busy it is transient.
func (p *Pool) Acquire(taskID string) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *entry

	anyUsable := false

	for _, e := range p.entries {
		if !e.account.Usable() {
			continue
		}

		anyUsable = true

		if e.inFlight >= p.limit {
			continue
		}

		if best == nil || better(e.account, best.account) {
			best = e
		}
	}

	if best == nil {
		if !anyUsable {
			return nil, dlErrors.NewQuotaError(dlErrors.ErrNoAccountAvailable, taskID)
		}

		return nil, dlErrors.NewTransientError(dlErrors.ErrNoAccountAvailable, taskID)
	}

	best.inFlight++
	best.account.LastUsedAt = p.now()

	logger.Debugf("Account %s acquired for task %s (in flight %d/%d)", best.account.ID, taskID, best.inFlight, p.limit)

	return best.account.Clone(), nil
}

func better(a, b *Account) bool {
	ra, rb := a.Remaining(), b.Remaining()
	if ra != rb {
		return ra > rb
	}

	if !a.LastUsedAt.Equal(b.LastUsedAt) {
		return a.LastUsedAt.Before(b.LastUsedAt)
	}

	return a.ID < b.ID
}

// Release returns an acquired account and charges bytesConsumed to it.
func (p *Pool) Release(id string, bytesConsumed int64) {
	p.mu.Lock()

	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	if e.inFlight > 0 {
		e.inFlight--
	}

	if bytesConsumed > 0 {
		e.account.TrafficUsed += bytesConsumed
	}

	e.account.UpdatedAt = p.now()
	c := e.account.Clone()
	p.mu.Unlock()

	p.save(c)
	p.notify()
}

// Charge adds usage without releasing the account.
func (p *Pool) Charge(id string, bytesConsumed int64) {
	if bytesConsumed <= 0 {
		return
	}

	p.mu.Lock()

	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	e.account.TrafficUsed += bytesConsumed
	c := e.account.Clone()
	p.mu.Unlock()

	p.save(c)
}

// MarkUnusable takes the account out of selection until Revalidate.
func (p *Pool) MarkUnusable(id string, s Status, reason string) error {
	if s == Active {
		return errors.New("cannot mark account unusable with Active status")
	}

	p.mu.Lock()

	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	e.account.Status = s
	e.account.Reason = reason
	e.account.UpdatedAt = p.now()
	c := e.account.Clone()
	p.mu.Unlock()

	logger.Warnf("Account %s marked %s: %s", id, s, reason)
	p.save(c)

	return nil
}

// Revalidate returns an account to the Active set, optionally with refreshed
// quota figures (negative values keep the current ones).
func (p *Pool) Revalidate(id string, trafficTotal, trafficUsed int64) error {
	p.mu.Lock()

	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	e.account.Status = Active
	e.account.Reason = ""

	if trafficTotal >= 0 {
		e.account.TrafficTotal = trafficTotal
	}

	if trafficUsed >= 0 {
		e.account.TrafficUsed = trafficUsed
	}

	e.account.UpdatedAt = p.now()
	c := e.account.Clone()
	p.mu.Unlock()

	logger.Infof("Account %s revalidated", id)
	p.save(c)
	p.notify()

	return nil
}

// Session refreshes the account's session token. Concurrent callers for the
// same account share one refresh.
func (p *Pool) Session(ctx context.Context, id string, refresh RefreshFunc) (string, error) {
	a, err := p.Get(id)
	if err != nil {
		return "", err
	}

	v, err, shared := p.sessions.Do(id, func() (interface{}, error) {
		token, err := refresh(ctx, a)
		if err != nil {
			return "", err
		}

		p.mu.Lock()

		e, ok := p.entries[id]
		if !ok {
			p.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}

		e.account.SessionToken = token
		e.account.UpdatedAt = p.now()
		c := e.account.Clone()
		p.mu.Unlock()

		p.save(c)

		return token, nil
	})
	if err != nil {
		return "", err
	}

	if shared {
		logger.Debugf("Session refresh for account %s shared with a concurrent caller", id)
	}

	return v.(string), nil
}

// Get returns a copy of the account.
func (p *Pool) Get(id string) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}

	return e.account.Clone(), nil
}

// HasUsable reports whether any account could serve a task now or later.
func (p *Pool) HasUsable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.account.Usable() {
			return true
		}
	}

	return false
}

// Health returns a snapshot of every account ordered by id.
func (p *Pool) Health() []Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Health, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, Health{
			ID:        e.account.ID,
			Name:      e.account.Name,
			Status:    e.account.Status.String(),
			Reason:    e.account.Reason,
			Remaining: e.account.Remaining(),
			InFlight:  e.inFlight,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

func (p *Pool) save(a *Account) {
	if p.persist == nil {
		return
	}

	if err := p.persist.SaveAccount(a); err != nil {
		logger.Errorf("Failed to save account %s: %v", a.ID, err)
	}
}

func (p *Pool) notify() {
	p.mu.Lock()
	fn := p.onRelease
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
}
