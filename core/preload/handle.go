package preload

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/geodatastore/clms/core/preload/state"
	"github.com/geodatastore/clms/core/zarr"
)

// Handle is a running or finished preload batch.
type Handle struct {
	RunID string

	o      *Orchestrator
	ctx    context.Context
	cancel context.CancelCauseFunc
	broker *Broker
	runDir string
	items  map[string]*itemHandle
	order  []string

	observers sync.WaitGroup
	done      chan struct{}

	mu       sync.Mutex
	fatalErr error
	summary  Summary
}

func (h *Handle) attach(obs Observer) {
	ch, _ := h.broker.SubscribeReliable(observerBuffer)
	h.observers.Add(1)
	go func() {
		defer h.observers.Done()
		for ev := range ch {
			obs.Observe(ev)
		}
	}()
}

func (h *Handle) publish(rec state.Record, msg string) {
	ev := Event{
		RunID:   h.RunID,
		DataID:  rec.ID,
		Stage:   rec.Stage,
		At:      rec.UpdatedAt,
		Attempt: rec.Attempts,
		TaskID:  rec.TaskID,
		Message: msg,
		Error:   rec.Error,
	}
	if p, ok := stageProgress[rec.Stage]; ok {
		ev.Progress = p
	} else if prev, ok := h.broker.Latest(rec.ID); ok {
		ev.Progress = prev.Progress
	}
	h.broker.Publish(ev)
}

func (h *Handle) publishAt(rec state.Record, msg string, progress float64) {
	h.broker.Publish(Event{
		RunID:    h.RunID,
		DataID:   rec.ID,
		Stage:    rec.Stage,
		At:       rec.UpdatedAt,
		Attempt:  rec.Attempts,
		TaskID:   rec.TaskID,
		Message:  msg,
		Error:    rec.Error,
		Progress: progress,
	})
}

// abort makes the whole batch stop with cause.
func (h *Handle) abort(cause error) {
	h.mu.Lock()
	if h.fatalErr == nil {
		h.fatalErr = cause
	}
	h.mu.Unlock()
	h.cancel(cause)
}

func (h *Handle) complete() {
	sum := h.buildSummary()
	h.mu.Lock()
	h.summary = sum
	h.mu.Unlock()
	if h.o.cfg.CleanupEnabled() {
		if err := os.RemoveAll(h.runDir); err != nil {
			logging.Warn("preload", "scratch cleanup failed", "run_id", h.RunID, "err", err)
		}
	}
	h.broker.Close()
	h.observers.Wait()
	h.cancel(nil)
	logging.Info("preload", "run finished", "run_id", h.RunID,
		"succeeded", len(sum.Succeeded), "failed", len(sum.Failed),
		"timed_out", len(sum.TimedOut), "cancelled", len(sum.Cancelled))
	close(h.done)
}

// Done is closed once every identifier is terminal.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the batch finishes. The error is the batch-fatal cause,
// if any; per-identifier failures are only reported in the summary.
func (h *Handle) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.summary, h.fatalErr
}

// Cancel stops every identifier at its next stage boundary.
func (h *Handle) Cancel() {
	h.cancel(ErrCancelled)
}

// CancelID stops one identifier. It reports false for unknown ids.
func (h *Handle) CancelID(id string) bool {
	ih, ok := h.items[id]
	if !ok {
		return false
	}
	ih.cancel(ErrCancelled)
	return true
}

// Progress copies the latest event of every identifier.
func (h *Handle) Progress() []Event {
	return h.broker.Snapshot()
}

// Subscribe streams events of this run until it finishes.
func (h *Handle) Subscribe(buffer int) (<-chan Event, func()) {
	return h.broker.Subscribe(buffer)
}

// States copies the state record of every identifier in the run.
func (h *Handle) States() []state.Record {
	out := make([]state.Record, 0, len(h.order))
	for _, id := range h.order {
		if rec, ok := h.o.tracker.Get(id); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Available lists identifiers that finished successfully.
func (h *Handle) Available() []string {
	var ids []string
	for _, rec := range h.States() {
		if rec.Stage == state.Done {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// Open returns the stored dataset of a successfully preloaded identifier.
func (h *Handle) Open(ctx context.Context, id string) (*zarr.Dataset, error) {
	rec, ok := h.o.tracker.Get(id)
	if _, inRun := h.items[id]; !ok || !inRun {
		return nil, fmt.Errorf("preload: %s is not part of run %s", id, h.RunID)
	}
	if rec.Stage != state.Done {
		return nil, fmt.Errorf("preload: %s is not available (stage %s)", id, rec.Stage)
	}
	if h.o.store == nil {
		return nil, fmt.Errorf("preload: no store configured")
	}
	return h.o.store.Open(ctx, id)
}
