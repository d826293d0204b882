package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/NamanBalaji/sharebridge/internal/account"
	dlErrors "github.com/NamanBalaji/sharebridge/internal/errors"
	"github.com/NamanBalaji/sharebridge/internal/fetcher"
	"github.com/NamanBalaji/sharebridge/internal/filesystem"
	"github.com/NamanBalaji/sharebridge/internal/logger"
	"github.com/NamanBalaji/sharebridge/internal/resolver"
	"github.com/NamanBalaji/sharebridge/internal/scheduler"
	"github.com/NamanBalaji/sharebridge/internal/status"
	"github.com/NamanBalaji/sharebridge/internal/task"
	"github.com/NamanBalaji/sharebridge/internal/throttle"
)

// run is the scheduler's start function. It drives one admitted task
// through Resolving and Downloading to a resting state and returns the bytes
// still to charge to acct. Usage is billed as progress is reported so other
// admissions see the account's quota shrink during long transfers.
func (e *Engine) run(ctx context.Context, id uuid.UUID, acct *account.Account, bw *throttle.Bandwidth) (int64, error) {
	t, err := e.store.Get(id)
	if err != nil {
		logger.Debugf("Admitted task %s is gone: %v", id, err)
		return 0, nil
	}

	// a different account cannot reuse another session's direct link
	needResolve := t.NeedsResolve() || t.AccountID != acct.ID

	t, err = e.store.Transition(id, status.Resolving, func(t *task.Task) {
		t.AccountID = acct.ID
	})
	if err != nil {
		logger.Debugf("Task %s no longer runnable: %v", id, err)
		return 0, nil
	}

	link := linkOf(t)

	if needResolve {
		link, err = e.resolve(ctx, t.OriginalURL, acct)
		if err != nil {
			return 0, e.settle(ctx, id, acct, err, nil)
		}
	}

	t, err = e.store.Transition(id, status.Downloading, func(t *task.Task) {
		applyLink(t, link)

		if t.DestinationPath == "" {
			t.DestinationPath = e.layout.Destination(t.Category, t.Filename)
		}

		t.RecordError(nil)
	})
	if err != nil {
		logger.Debugf("Task %s left Resolving before download: %v", id, err)
		return 0, nil
	}

	shareURL := t.OriginalURL

	// network bytes already billed to acct; progress callbacks run one at a time
	var charged int64

	f := fetcher.New(e.client, bw, e.config.Fetch)

	res, err := f.Fetch(ctx, fetcher.Request{
		TaskID:      id,
		Link:        link,
		Destination: t.DestinationPath,
		Segments:    t.Segments,
		Refresh: func(ctx context.Context) (resolver.Result, error) {
			return e.resolve(ctx, shareURL, acct)
		},
		OnProgress: func(p fetcher.Progress) {
			if err := e.store.UpdateProgress(id, p.Downloaded, p.SpeedBPS, p.Segments); err != nil {
				logger.Debugf("Progress for task %s dropped: %v", id, err)
			}

			if delta := p.Transferred - charged; delta > 0 {
				e.pool.Charge(acct.ID, delta)
				charged = p.Transferred
			}
		},
	})

	consumed := res.Transferred - charged

	if err != nil {
		return consumed, e.settle(ctx, id, acct, err, res)
	}

	_, err = e.store.Transition(id, status.Completed, func(t *task.Task) {
		t.DownloadedBytes = res.Downloaded
		t.SizeBytes = res.SizeBytes
		t.Segments = nil

		if res.Refreshed {
			t.ResolvedURL = res.Link.DirectURL
			t.LinkHeaders = res.Link.Headers
		}
	})
	if err != nil {
		logger.Warnf("Task %s finished but could not be marked Completed: %v", id, err)
	}

	return consumed, nil
}

// resolve asks the resolver for a direct link. Transient failures are
// retried with the fetcher's backoff, at most MaxRetries times.
func (e *Engine) resolve(ctx context.Context, shareURL string, acct *account.Account) (resolver.Result, error) {
	cfg := e.config.Fetch.WithDefaults()

	for attempt := 0; ; attempt++ {
		res, err := e.resolveOnce(ctx, shareURL, acct)
		if err == nil || !dlErrors.IsKind(err, dlErrors.KindTransientNetwork) || attempt >= cfg.MaxRetries {
			return res, err
		}

		backoff := fetcher.Backoff(attempt, cfg.RetryDelay)

		select {
		case <-ctx.Done():
			return res, dlErrors.NewCancelledError(ctx.Err(), shareURL)
		case <-time.After(backoff):
			logger.Debugf("Retrying resolve of %s, attempt %d: %v", shareURL, attempt+2, err)
		}
	}
}

// resolveOnce makes one resolver call. An AuthFailure triggers one session
// refresh for the account followed by one more attempt.
func (e *Engine) resolveOnce(ctx context.Context, shareURL string, acct *account.Account) (resolver.Result, error) {
	res, err := e.resolver.Resolve(ctx, shareURL, acct)
	if err == nil || !dlErrors.IsKind(err, dlErrors.KindAuthFailure) {
		return res, err
	}

	refresher, ok := e.resolver.(resolver.SessionRefresher)
	if !ok {
		return res, err
	}

	token, serr := e.pool.Session(ctx, acct.ID, refresher.RefreshSession)
	if serr != nil {
		logger.Warnf("Session refresh for account %s failed: %v", acct.ID, serr)
		return res, err
	}

	acct.SessionToken = token

	return e.resolver.Resolve(ctx, shareURL, acct)
}

// settle records a run's failure and decides between requeue and Failed.
func (e *Engine) settle(ctx context.Context, id uuid.UUID, acct *account.Account, err error, res *fetcher.Result) error {
	keep := func(t *task.Task) {
		t.SpeedBPS = 0

		if res == nil {
			return
		}

		if res.Downloaded > t.DownloadedBytes {
			t.DownloadedBytes = res.Downloaded
		}

		t.Segments = res.Segments

		if res.Refreshed {
			t.ResolvedURL = res.Link.DirectURL
			t.LinkHeaders = res.Link.Headers
		}
	}

	if ctx.Err() != nil || dlErrors.IsKind(err, dlErrors.KindCancelled) {
		// Pause, Cancel and Delete already moved the task; on shutdown it
		// stays active and is recovered to Queued at the next start.
		if _, uerr := e.store.Update(id, func(t *task.Task) error { keep(t); return nil }); uerr != nil {
			logger.Debugf("Offsets of stopped task %s not saved: %v", id, uerr)
		}

		return dlErrors.NewCancelledError(err, id.String())
	}

	if dlErrors.IsAccountFault(err) {
		st := account.RateLimited
		if dlErrors.IsKind(err, dlErrors.KindAuthFailure) {
			st = account.Expired
		}

		if merr := e.pool.MarkUnusable(acct.ID, st, err.Error()); merr != nil {
			logger.Warnf("Failed to mark account %s unusable: %v", acct.ID, merr)
		}

		if e.pool.HasUsable() {
			_, terr := e.store.Transition(id, status.Queued, func(t *task.Task) {
				keep(t)
				t.RecordError(err)
			})
			if terr == nil {
				logger.Infof("Task %s requeued after account %s fault: %v", id, acct.ID, err)
				return fmt.Errorf("%w: %w", scheduler.ErrRequeue, err)
			}

			logger.Debugf("Task %s could not be requeued: %v", id, terr)

			return err
		}
	}

	_, terr := e.store.Transition(id, status.Failed, func(t *task.Task) {
		keep(t)
		t.RecordError(err)
	})
	if terr != nil {
		logger.Debugf("Task %s could not be marked Failed: %v", id, terr)
	}

	logger.Errorf("Task %s failed (%s): %v", id, dlErrors.KindOf(err), err)

	return err
}

func linkOf(t *task.Task) resolver.Result {
	return resolver.Result{
		DirectURL:      t.ResolvedURL,
		Filename:       t.Filename,
		SizeBytes:      t.SizeBytes,
		SupportsRanges: t.SupportsRanges,
		Headers:        t.LinkHeaders,
	}
}

// applyLink stores a resolved link on the task. Persisted offsets are
// dropped when the file no longer has the size they were planned for.
func applyLink(t *task.Task, link resolver.Result) {
	if t.SizeBytes > 0 && link.SizeBytes > 0 && t.SizeBytes != link.SizeBytes {
		logger.Warnf("Task %s changed size from %d to %d, starting over", t.ID, t.SizeBytes, link.SizeBytes)

		t.Segments = nil
		t.DownloadedBytes = 0
	}

	t.ResolvedURL = link.DirectURL
	t.LinkHeaders = link.Headers
	t.SupportsRanges = link.SupportsRanges

	if link.SizeBytes > 0 || t.SizeBytes <= 0 {
		t.SizeBytes = link.SizeBytes
	}

	t.Filename = filename(t.Filename, link.Filename)
}

// filename keeps a caller-chosen name but borrows the resolved file's
// extension when the name has none of its own.
func filename(name, resolved string) string {
	if name == "" {
		return filesystem.SanitizeName(resolved)
	}

	ext := filepath.Ext(resolved)
	if ext == "" || strings.EqualFold(filepath.Ext(name), ext) {
		return name
	}

	return name + ext
}
