// Package preload drives batches of data identifiers through the
// request, poll, download, extract and process pipeline.
package preload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/geodatastore/clms/core/clms/auth"
	"github.com/geodatastore/clms/core/infra/config"
	"github.com/geodatastore/clms/core/infra/locks"
	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/geodatastore/clms/core/infra/metrics"
	"github.com/geodatastore/clms/core/preload/download"
	"github.com/geodatastore/clms/core/preload/state"
	"github.com/geodatastore/clms/core/zarr"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

const observerBuffer = 256

// Item is a resolved identifier: the catalog dataset and file to request.
type Item struct {
	DataID     string
	DatasetUID string
	FileID     string
}

type TokenSource interface {
	Token(ctx context.Context) (auth.Token, error)
}

// Tasks is the download task manager surface the workers drive.
type Tasks interface {
	Request(ctx context.Context, datasetUID, fileID string) (string, error)
	Poll(ctx context.Context, taskID string) (download.Task, error)
	IsUsable(task download.Task) bool
	Download(ctx context.Context, task download.Task, destDir string) (download.Archive, error)
	Extract(dataID string, archive download.Archive, destDir string) ([]download.Asset, error)
	Cancel(ctx context.Context, taskID string)
	Release(taskID string)
}

type Processor interface {
	Run(ctx context.Context, dataID string, assets []download.Asset) error
}

// Opener reads committed identifiers back from the destination store and
// withdraws them when a run starts over.
type Opener interface {
	Open(ctx context.Context, id string) (*zarr.Dataset, error)
	Invalidate(ctx context.Context, id string) error
}

// Clock is swapped in tests to drive the poll schedule.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Options struct {
	Config    *config.PreloadConfig
	Tokens    TokenSource
	Tasks     Tasks
	Processor Processor
	Store     Opener
	Tracker   *state.Tracker
	// Locks, when set, gives each identifier a lease shared across processes.
	Locks    locks.Store
	LeaseTTL time.Duration
	Metrics  metrics.PreloadMetrics
	Clock    Clock
	// WorkDir holds per-run scratch space for archives and extracted files.
	WorkDir   string
	Observers []Observer
}

type Orchestrator struct {
	cfg       *config.PreloadConfig
	tokens    TokenSource
	tasks     Tasks
	processor Processor
	store     Opener
	tracker   *state.Tracker
	locks     locks.Store
	leaseTTL  time.Duration
	metrics   metrics.PreloadMetrics
	clock     Clock
	workDir   string
	observers []Observer
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Tokens == nil || opts.Tasks == nil || opts.Processor == nil {
		return nil, errors.New("preload: tokens, tasks and processor are required")
	}
	cfg := opts.Config.WithDefaults()
	if cfg.Concurrency < 1 || cfg.Request.MaxAttempts < 1 || cfg.Poll.Interval() <= 0 || cfg.Poll.Timeout() <= 0 {
		return nil, errors.New("preload: concurrency, request attempts, poll interval and poll timeout must be positive")
	}
	o := &Orchestrator{
		cfg:       cfg,
		tokens:    opts.Tokens,
		tasks:     opts.Tasks,
		processor: opts.Processor,
		store:     opts.Store,
		tracker:   opts.Tracker,
		locks:     opts.Locks,
		leaseTTL:  opts.LeaseTTL,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		workDir:   opts.WorkDir,
		observers: opts.Observers,
	}
	if o.tracker == nil {
		o.tracker = state.NewTracker(state.Options{})
	}
	if o.metrics == nil {
		o.metrics = metrics.Noop{}
	}
	if o.clock == nil {
		o.clock = realClock{}
	}
	if o.workDir == "" {
		o.workDir = os.TempDir()
	}
	return o, nil
}

// Tracker exposes the shared state table.
func (o *Orchestrator) Tracker() *state.Tracker {
	return o.tracker
}

// Preload starts a run over items. Every identifier is reset to Pending
// first; nothing is resumed from earlier runs. In blocking mode the call
// returns after every identifier reached a terminal stage.
func (o *Orchestrator) Preload(ctx context.Context, items []Item) (*Handle, error) {
	items = dedupe(items)
	if len(items) == 0 {
		return nil, errors.New("preload: no data identifiers given")
	}
	for _, it := range items {
		if it.DataID == "" {
			return nil, errors.New("preload: empty data identifier")
		}
	}
	pool, err := ants.NewPool(o.cfg.Concurrency, ants.WithPanicHandler(func(p any) {
		logging.Error("preload", "worker panic", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	h := &Handle{
		RunID:  uuid.NewString(),
		o:      o,
		ctx:    runCtx,
		cancel: cancel,
		broker: NewBroker(),
		done:   make(chan struct{}),
		items:  make(map[string]*itemHandle, len(items)),
		order:  make([]string, 0, len(items)),
	}
	h.runDir = filepath.Join(o.workDir, "clms-preload", h.RunID)
	for _, obs := range o.observers {
		h.attach(obs)
	}
	for _, it := range items {
		ictx, icancel := context.WithCancelCause(runCtx)
		h.items[it.DataID] = &itemHandle{item: it, ctx: ictx, cancel: icancel}
		h.order = append(h.order, it.DataID)
		rec := o.tracker.Reset(ctx, it.DataID)
		h.publish(rec, "")
		if o.store != nil {
			if err := o.store.Invalidate(ctx, it.DataID); err != nil {
				logging.Error("preload", "previous result not withdrawn", "data_id", it.DataID, "err", err)
				icancel(fmt.Errorf("withdraw previous result: %w", err))
			}
		}
	}
	logging.Info("preload", "run started", "run_id", h.RunID, "items", len(items), "concurrency", o.cfg.Concurrency)

	go h.dispatch(pool)

	if o.cfg.IsBlocking() {
		if _, err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			return h, ctx.Err()
		}
	}
	return h, nil
}

func dedupe(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if seen[it.DataID] {
			continue
		}
		seen[it.DataID] = true
		out = append(out, it)
	}
	return out
}

// scratchName makes a data id safe as a single path element.
func scratchName(id string) string {
	return strings.NewReplacer("/", "_", "|", "__", "\\", "_", ":", "_").Replace(id)
}

type itemHandle struct {
	item   Item
	ctx    context.Context
	cancel context.CancelCauseFunc
}

func (h *Handle) dispatch(pool *ants.Pool) {
	var wg sync.WaitGroup
	for _, id := range h.order {
		ih := h.items[id]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			h.o.runItem(h, ih)
		})
		if err != nil {
			wg.Done()
			cause := fmt.Errorf("%w: %w", ErrPoolExhausted, err)
			h.abort(cause)
			h.o.finish(h, ih, &worker{}, cause)
		}
	}
	wg.Wait()
	pool.Release()
	h.complete()
}
