// Package state tracks the pipeline stage of every identifier in a preload
// run, optionally mirroring records to Redis.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/geodatastore/clms/core/infra/logging"
)

var (
	ErrUnknownID         = errors.New("state: identifier not tracked")
	ErrInvalidTransition = errors.New("state: invalid transition")
)

// Record is the preload state of one identifier.
type Record struct {
	ID             string    `json:"id"`
	Stage          Stage     `json:"stage"`
	Attempts       int       `json:"attempts"`
	TaskID         string    `json:"task_id,omitempty"`
	DownloadURL    string    `json:"download_url,omitempty"`
	ExpiryEstimate time.Time `json:"expiry_estimate,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Mirror receives every committed record. Mirror errors are logged, never
// returned to workers.
type Mirror interface {
	Save(ctx context.Context, rec Record) error
}

type Options struct {
	Mirror Mirror
	Now    func() time.Time
}

type entry struct {
	mu  sync.RWMutex
	rec Record
}

// Tracker holds one record per identifier. Each record has its own lock, so
// workers on different identifiers never contend.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	mirror  Mirror
	now     func() time.Time
}

func NewTracker(opts Options) *Tracker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{entries: map[string]*entry{}, mirror: opts.Mirror, now: opts.Now}
}

func (t *Tracker) lookup(id string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

// Reset discards anything known about id and starts it over at Pending.
func (t *Tracker) Reset(ctx context.Context, id string) Record {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		e = &entry{}
		t.entries[id] = e
	}
	t.mu.Unlock()

	now := t.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec = Record{ID: id, Stage: Pending, StartedAt: now, UpdatedAt: now}
	t.save(ctx, e.rec)
	return e.rec
}

// Mark moves id to stage and applies the optional field updates atomically.
func (t *Tracker) Mark(ctx context.Context, id string, stage Stage, update ...func(*Record)) (Record, error) {
	e := t.lookup(id)
	if e == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !IsAllowedTransition(e.rec.Stage, stage) {
		return e.rec, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, e.rec.Stage, stage)
	}
	next := e.rec
	next.Stage = stage
	for _, fn := range update {
		fn(&next)
	}
	next.UpdatedAt = t.now()
	if stage.Terminal() {
		next.FinishedAt = next.UpdatedAt
	}
	e.rec = next
	t.save(ctx, next)
	return next, nil
}

func (t *Tracker) save(ctx context.Context, rec Record) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.Save(ctx, rec); err != nil {
		logging.Warn("state", "mirror save failed", "data_id", rec.ID, "stage", rec.Stage, "err", err)
	}
}

// Get returns a copy of the record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	e := t.lookup(id)
	if e == nil {
		return Record{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rec, true
}

// Snapshot copies all records ordered by id.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.rec)
		e.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
