package preload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/geodatastore/clms/core/clms/auth"
	"github.com/geodatastore/clms/core/infra/locks"
	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/geodatastore/clms/core/preload/download"
	"github.com/geodatastore/clms/core/preload/state"
)

// worker carries the per-identifier progress through one run.
type worker struct {
	h        *Handle
	ih       *itemHandle
	ctx      context.Context
	dir      string
	started  time.Time
	attempt  int
	taskID   string
	deadline time.Time
	lastErr  error
}

func (o *Orchestrator) runItem(h *Handle, ih *itemHandle) {
	o.metrics.WorkerStarted()
	defer o.metrics.WorkerDone()
	o.metrics.IncItemsStarted()

	w := &worker{h: h, ih: ih, ctx: ih.ctx, started: o.clock.Now()}
	w.dir = filepath.Join(h.runDir, scratchName(ih.item.DataID))

	var err error
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panic: %v", p)
		}
		o.finish(h, ih, w, err)
	}()
	err = o.pipeline(w)
}

func (o *Orchestrator) pipeline(w *worker) error {
	item := w.ih.item
	if err := w.interrupted(); err != nil {
		return err
	}
	release, err := o.lease(w)
	if err != nil {
		return err
	}
	defer release()
	if err := os.RemoveAll(w.dir); err != nil {
		return fmt.Errorf("reset scratch: %w", err)
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create scratch: %w", err)
	}
	if o.cfg.CleanupEnabled() {
		defer os.RemoveAll(w.dir)
	}

	if _, err := o.tokens.Token(w.ctx); err != nil {
		return o.classify(w, err)
	}
	if err := o.mark(w, state.TokenAcquired, ""); err != nil {
		return err
	}

	archive, err := o.fetch(w)
	if err != nil {
		return err
	}

	if err := w.interrupted(); err != nil {
		return err
	}
	if err := o.mark(w, state.Extracting, ""); err != nil {
		return err
	}
	assets, err := o.tasks.Extract(item.DataID, archive, filepath.Join(w.dir, "extracted"))
	if err != nil {
		return err
	}
	if o.cfg.CleanupEnabled() {
		os.Remove(archive.Path)
	}
	if len(assets) == 0 {
		return fmt.Errorf("%w: archive %s holds no geodata", download.ErrDownload, archive.TaskID)
	}

	if err := w.interrupted(); err != nil {
		return err
	}
	if err := o.mark(w, state.Processing, fmt.Sprintf("%d assets", len(assets))); err != nil {
		return err
	}
	if err := o.processor.Run(w.ctx, item.DataID, assets); err != nil {
		return o.classify(w, err)
	}
	o.tasks.Release(w.taskID)
	return nil
}

// lease takes the identifier's cross-process lease when a lock store is set.
// Losing the lease cancels the identifier.
func (o *Orchestrator) lease(w *worker) (func(), error) {
	if o.locks == nil {
		return func() {}, nil
	}
	id := w.ih.item.DataID
	l, err := locks.Hold(w.ctx, o.locks, "preload:"+id, w.h.RunID, o.leaseTTL, func(err error) {
		w.ih.cancel(fmt.Errorf("%w: %w", ErrLeaseLost, err))
	})
	if errors.Is(err, locks.ErrHeld) {
		return nil, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return func() { l.Release(context.WithoutCancel(w.ctx)) }, nil
}

// fetch requests, polls and downloads until an archive is on disk. Stale
// tasks and expired links lead to a fresh request within the attempt budget.
func (o *Orchestrator) fetch(w *worker) (download.Archive, error) {
	item := w.ih.item
	for {
		task, err := o.acquire(w)
		if err != nil {
			return download.Archive{}, err
		}
		if err := w.interrupted(); err != nil {
			return download.Archive{}, err
		}
		if err := o.mark(w, state.Downloading, ""); err != nil {
			return download.Archive{}, err
		}
		dctx, cancel := context.WithTimeout(w.ctx, o.cfg.Download.Timeout())
		archive, err := o.tasks.Download(dctx, task, w.dir)
		cancel()
		if err == nil {
			logging.Info("preload", "archive downloaded", "data_id", item.DataID, "task_id", task.ID, "bytes", archive.Size)
			return archive, nil
		}
		if ierr := w.interrupted(); ierr != nil {
			return download.Archive{}, ierr
		}
		if !errors.Is(err, download.ErrTaskUnusable) {
			return download.Archive{}, err
		}
		logging.Warn("preload", "download link unusable, requesting again", "data_id", item.DataID, "task_id", task.ID, "err", err)
		o.metrics.IncReRequest("expired_link")
		o.tasks.Release(task.ID)
		w.taskID = ""
		w.lastErr = err
	}
}

// acquire returns a completed task that is still inside its local expiry
// estimate.
func (o *Orchestrator) acquire(w *worker) (download.Task, error) {
	item := w.ih.item
	maxAttempts := o.cfg.Request.MaxAttempts
	for {
		if err := w.interrupted(); err != nil {
			return download.Task{}, err
		}
		if w.attempt >= maxAttempts {
			if w.lastErr == nil {
				w.lastErr = errors.New("no usable task")
			}
			return download.Task{}, fmt.Errorf("%w: gave up after %d attempts: %w", download.ErrRequest, w.attempt, w.lastErr)
		}
		if err := w.pollBudget(o); err != nil {
			return download.Task{}, err
		}
		w.attempt++
		taskID, err := o.tasks.Request(w.ctx, item.DatasetUID, item.FileID)
		if err != nil {
			if ierr := w.interrupted(); ierr != nil {
				return download.Task{}, ierr
			}
			if errors.Is(err, auth.ErrAuth) || !errors.Is(err, download.ErrRequest) {
				return download.Task{}, o.classify(w, err)
			}
			w.lastErr = err
			retry := RetryAfter(err, o.cfg.Request.RetryDelay())
			if merr := o.mark(w, state.Requested, retry.Error()); merr != nil {
				return download.Task{}, merr
			}
			logging.Warn("preload", "request failed", "data_id", item.DataID, "attempt", w.attempt, "err", err)
			if w.attempt < maxAttempts {
				delay, _ := RetryDelay(retry)
				delay = min(delay, w.deadline.Sub(o.clock.Now()))
				if serr := o.sleep(w, delay); serr != nil {
					return download.Task{}, serr
				}
			}
			continue
		}
		w.taskID = taskID
		if err := o.mark(w, state.Requested, ""); err != nil {
			return download.Task{}, err
		}

		task, err := o.poll(w)
		if err != nil {
			return download.Task{}, err
		}
		switch {
		case task.Status == download.StatusError || task.Status == download.StatusCancelled:
			w.lastErr = fmt.Errorf("%w: task %s ended with status %s", download.ErrRequest, task.ID, task.Status)
			o.metrics.IncReRequest("task_" + string(task.Status))
			o.tasks.Release(task.ID)
			logging.Warn("preload", "task ended without data, requesting again", "data_id", item.DataID, "task_id", task.ID, "status", task.Status)
		case !o.tasks.IsUsable(task):
			w.lastErr = fmt.Errorf("%w: task %s past local expiry estimate", download.ErrTaskUnusable, task.ID)
			o.metrics.IncReRequest("stale")
			o.tasks.Release(task.ID)
			logging.Warn("preload", "completed task is stale, requesting again", "data_id", item.DataID, "task_id", task.ID)
		default:
			return task, nil
		}
		w.taskID = ""
	}
}

// poll waits for the current task to leave the queue. The wait between
// polls follows the configured backoff and is clipped so the budget is
// never overrun.
func (o *Orchestrator) poll(w *worker) (download.Task, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.cfg.Poll.Interval()
	bo.Multiplier = o.cfg.Poll.Multiplier
	bo.MaxInterval = o.cfg.Poll.MaxInterval()
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if err := w.interrupted(); err != nil {
			return download.Task{}, err
		}
		task, err := o.tasks.Poll(w.ctx, w.taskID)
		if err != nil {
			if ierr := w.interrupted(); ierr != nil {
				return download.Task{}, ierr
			}
			if errors.Is(err, auth.ErrAuth) {
				return download.Task{}, o.classify(w, err)
			}
			logging.Warn("preload", "status poll failed", "data_id", w.ih.item.DataID, "task_id", w.taskID, "err", err)
		}
		if err := o.markProgress(w, state.Queued, string(task.Status), queueProgress(task.Status)); err != nil {
			return download.Task{}, err
		}
		if !task.Pending() {
			return task, nil
		}
		remaining := w.deadline.Sub(o.clock.Now())
		if remaining <= 0 {
			o.tasks.Cancel(w.ctx, w.taskID)
			return download.Task{}, fmt.Errorf("%w: task %s still %s after %s", ErrTimedOut, w.taskID, task.Status, o.cfg.Poll.Timeout())
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop || wait > remaining {
			wait = remaining
		}
		if err := o.sleep(w, wait); err != nil {
			return download.Task{}, err
		}
	}
}

func queueProgress(st download.Status) float64 {
	switch st {
	case download.StatusCompleted:
		return 0.4
	case download.StatusInProgress:
		return 0.25
	default:
		return 0.1
	}
}

// pollBudget starts the poll budget on first use and fails once it is spent.
func (w *worker) pollBudget(o *Orchestrator) error {
	now := o.clock.Now()
	if w.deadline.IsZero() {
		w.deadline = now.Add(o.cfg.Poll.Timeout())
		return nil
	}
	if !now.Before(w.deadline) {
		return fmt.Errorf("%w: no usable task within %s", ErrTimedOut, o.cfg.Poll.Timeout())
	}
	return nil
}

func (o *Orchestrator) sleep(w *worker, d time.Duration) error {
	if d <= 0 {
		return w.interrupted()
	}
	select {
	case <-w.ctx.Done():
		return w.interrupted()
	case <-o.clock.After(d):
		return nil
	}
}

// interrupted maps a done context to its cause: caller cancellation or the
// batch-fatal error that stopped the run.
func (w *worker) interrupted() error {
	if w.ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(w.ctx)
	if cause == nil || errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
	return cause
}

// classify turns batch-fatal failures into a run abort and leaves the rest
// scoped to the identifier.
func (o *Orchestrator) classify(w *worker, err error) error {
	if ierr := w.interrupted(); ierr != nil {
		return ierr
	}
	if errors.Is(err, auth.ErrAuth) {
		w.h.abort(err)
	}
	return err
}

func (o *Orchestrator) mark(w *worker, stage state.Stage, msg string) error {
	return o.markProgress(w, stage, msg, -1)
}

func (o *Orchestrator) markProgress(w *worker, stage state.Stage, msg string, progress float64) error {
	attempt, taskID := w.attempt, w.taskID
	rec, err := o.tracker.Mark(context.WithoutCancel(w.h.ctx), w.ih.item.DataID, stage, func(r *state.Record) {
		r.Attempts = attempt
		r.TaskID = taskID
	})
	if err != nil {
		return err
	}
	o.metrics.IncStageTransition(string(stage))
	if progress >= 0 {
		w.h.publishAt(rec, msg, progress)
	} else {
		w.h.publish(rec, msg)
	}
	return nil
}

// finish records the terminal stage of an identifier.
func (o *Orchestrator) finish(h *Handle, ih *itemHandle, w *worker, err error) {
	id := ih.item.DataID
	stage := state.Done
	switch {
	case err == nil:
	case errors.Is(err, ErrTimedOut):
		stage = state.TimedOut
	case errors.Is(err, ErrCancelled):
		stage = state.Cancelled
	default:
		stage = state.Failed
	}
	if stage == state.Cancelled && w.taskID != "" {
		o.tasks.Cancel(context.WithoutCancel(ih.ctx), w.taskID)
	} else if stage != state.Done && w.taskID != "" {
		o.tasks.Release(w.taskID)
	}

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	rec, merr := o.tracker.Mark(context.WithoutCancel(h.ctx), id, stage, func(r *state.Record) {
		r.Attempts = w.attempt
		r.TaskID = w.taskID
		r.Error = reason
	})
	if merr != nil {
		logging.Error("preload", "terminal transition rejected", "data_id", id, "stage", stage, "err", merr)
		rec, _ = o.tracker.Get(id)
	}
	o.metrics.IncStageTransition(string(stage))
	o.metrics.IncItemsFinished(string(stage))
	if !w.started.IsZero() {
		o.metrics.ObserveItemDuration(string(stage), o.clock.Now().Sub(w.started).Seconds())
	}
	h.publish(rec, "")
	if err != nil {
		logging.Warn("preload", "item finished without data", "data_id", id, "stage", stage, "err", err)
	} else {
		logging.Info("preload", "item done", "data_id", id, "attempts", w.attempt)
	}
}
