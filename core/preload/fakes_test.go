package preload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/geodatastore/clms/core/clms/auth"
	"github.com/geodatastore/clms/core/infra/config"
	"github.com/geodatastore/clms/core/preload/download"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d and fires immediately.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) Token(context.Context) (auth.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return auth.Token{}, f.err
	}
	return auth.Token{Value: "tok"}, nil
}

type fakeTasks struct {
	dir string

	mu        sync.Mutex
	requests  map[string]int
	polls     map[string]int
	cancelled []string
	released  []string

	requestErr  func(fileID string, n int) error
	pollFn      func(ctx context.Context, taskID string, n int) (download.Task, error)
	usable      func(task download.Task) bool
	downloadErr func(taskID string) error
}

func newFakeTasks(dir string) *fakeTasks {
	return &fakeTasks{dir: dir, requests: map[string]int{}, polls: map[string]int{}}
}

func completedTask(id string) download.Task {
	return download.Task{
		ID:             id,
		Status:         download.StatusCompleted,
		DownloadURL:    "https://download.example/" + id + ".zip",
		ExpiryEstimate: time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeTasks) Request(_ context.Context, _ string, fileID string) (string, error) {
	f.mu.Lock()
	f.requests[fileID]++
	n := f.requests[fileID]
	fn := f.requestErr
	f.mu.Unlock()
	if fn != nil {
		if err := fn(fileID, n); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s-t%d", fileID, n), nil
}

func (f *fakeTasks) Poll(ctx context.Context, taskID string) (download.Task, error) {
	f.mu.Lock()
	f.polls[taskID]++
	n := f.polls[taskID]
	fn := f.pollFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, taskID, n)
	}
	return completedTask(taskID), nil
}

func (f *fakeTasks) IsUsable(task download.Task) bool {
	if f.usable != nil {
		return f.usable(task)
	}
	return task.Status == download.StatusCompleted
}

func (f *fakeTasks) Download(_ context.Context, task download.Task, destDir string) (download.Archive, error) {
	if f.downloadErr != nil {
		if err := f.downloadErr(task.ID); err != nil {
			return download.Archive{}, err
		}
	}
	path := filepath.Join(destDir, task.ID+".zip")
	if err := os.WriteFile(path, []byte("PK\x03\x04"), 0o644); err != nil {
		return download.Archive{}, err
	}
	return download.Archive{TaskID: task.ID, Path: path, Size: 4}, nil
}

func (f *fakeTasks) Extract(dataID string, archive download.Archive, _ string) ([]download.Asset, error) {
	return []download.Asset{{DataID: dataID, Name: "a.tif", Path: archive.Path, Sequence: 0}}, nil
}

func (f *fakeTasks) Cancel(_ context.Context, taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
}

func (f *fakeTasks) Release(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, taskID)
}

func (f *fakeTasks) requestCount(fileID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[fileID]
}

func (f *fakeTasks) pollCount(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls[taskID]
}

func (f *fakeTasks) wasCancelled(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.cancelled {
		if id == taskID {
			return true
		}
	}
	return false
}

type fakeProcessor struct {
	fn func(ctx context.Context, dataID string) error
}

func (p *fakeProcessor) Run(ctx context.Context, dataID string, _ []download.Asset) error {
	if p.fn != nil {
		return p.fn(ctx, dataID)
	}
	return nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	inflight  int
	peak      int
	finished  map[string]int
	rerequest map[string]int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{finished: map[string]int{}, rerequest: map[string]int{}}
}

func (m *fakeMetrics) IncItemsStarted()          {}
func (m *fakeMetrics) IncStageTransition(string) {}
func (m *fakeMetrics) IncTokenRefresh(string)    {}
func (m *fakeMetrics) AddDownloadBytes(int64)    {}

func (m *fakeMetrics) ObserveItemDuration(string, float64) {}

func (m *fakeMetrics) IncItemsFinished(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[status]++
}

func (m *fakeMetrics) IncReRequest(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rerequest[reason]++
}

func (m *fakeMetrics) WorkerStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight++
	if m.inflight > m.peak {
		m.peak = m.inflight
	}
}

func (m *fakeMetrics) WorkerDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight--
}

func testConfig() *config.PreloadConfig {
	cfg := config.DefaultPreload()
	cfg.Poll.IntervalSeconds = 5
	cfg.Poll.MaxIntervalSeconds = 5
	cfg.Poll.TimeoutSeconds = 300
	cfg.Request.RetryDelaySeconds = 1
	return cfg
}

type harness struct {
	orch    *Orchestrator
	clock   *fakeClock
	tokens  *fakeTokens
	tasks   *fakeTasks
	proc    *fakeProcessor
	metrics *fakeMetrics
}

func newHarness(dir string, cfg *config.PreloadConfig, observers ...Observer) (*harness, error) {
	h := &harness{
		clock:   newFakeClock(),
		tokens:  &fakeTokens{},
		tasks:   newFakeTasks(dir),
		proc:    &fakeProcessor{},
		metrics: newFakeMetrics(),
	}
	orch, err := New(Options{
		Config:    cfg,
		Tokens:    h.tokens,
		Tasks:     h.tasks,
		Processor: h.proc,
		Metrics:   h.metrics,
		Clock:     h.clock,
		WorkDir:   dir,
		Observers: observers,
	})
	if err != nil {
		return nil, err
	}
	h.orch = orch
	return h, nil
}

func items(ids ...string) []Item {
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, Item{DataID: id, DatasetUID: "uid-" + id, FileID: id})
	}
	return out
}
