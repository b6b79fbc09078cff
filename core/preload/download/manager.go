// Package download drives CLMS download tasks: submission, status polling,
// archive transfer and geodata extraction.
package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/geodatastore/clms/core/clms/api"
	"github.com/geodatastore/clms/core/infra/logging"
)

const (
	defaultConservativeTTL = 30 * time.Minute
	defaultChunkSize       = 1 << 20
	cancelTimeout          = 10 * time.Second
)

// Remote is the subset of the CLMS API the manager drives.
type Remote interface {
	RequestDownload(ctx context.Context, datasetUID, fileID string) (string, error)
	SearchTasks(ctx context.Context) (map[string]api.TaskRecord, error)
	DeleteTask(ctx context.Context, taskID string) error
	Open(ctx context.Context, url string) (*http.Response, error)
}

type Options struct {
	ConservativeTTL time.Duration
	ChunkSize       int
	// ReusePending looks up a queued or in-progress task for the same file
	// before submitting a new request.
	ReusePending bool
	Now          func() time.Time
	// OnBytes observes archive bytes as they are written.
	OnBytes func(n int64)
}

// Manager tracks the tasks it submitted and the local completion time of
// each, which anchors the expiry estimate.
type Manager struct {
	remote       Remote
	ttl          time.Duration
	chunkSize    int
	reusePending bool
	now          func() time.Time
	onBytes      func(int64)

	mu          sync.Mutex
	tracked     map[string]bool
	completedAt map[string]time.Time
}

func NewManager(remote Remote, opts Options) *Manager {
	m := &Manager{
		remote:       remote,
		ttl:          opts.ConservativeTTL,
		chunkSize:    opts.ChunkSize,
		reusePending: opts.ReusePending,
		now:          opts.Now,
		onBytes:      opts.OnBytes,
		tracked:      map[string]bool{},
		completedAt:  map[string]time.Time{},
	}
	if m.ttl <= 0 {
		m.ttl = defaultConservativeTTL
	}
	if m.chunkSize <= 0 {
		m.chunkSize = defaultChunkSize
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.onBytes == nil {
		m.onBytes = func(int64) {}
	}
	return m
}

// Request submits a download request for one dataset file.
func (m *Manager) Request(ctx context.Context, datasetUID, fileID string) (string, error) {
	if datasetUID == "" || fileID == "" {
		return "", fmt.Errorf("%w: dataset uid and file id are required", ErrRequest)
	}
	if m.reusePending {
		if id, ok := m.FindPending(ctx, datasetUID, fileID); ok {
			logging.Info("download", "reusing pending task", "task_id", id, "file_id", fileID)
			m.track(id)
			return id, nil
		}
	}
	id, err := m.remote.RequestDownload(ctx, datasetUID, fileID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRequest, err)
	}
	m.track(id)
	logging.Info("download", "task requested", "task_id", id, "file_id", fileID)
	return id, nil
}

// FindPending returns a queued or in-progress task for the same file.
// Finished tasks are never reused: their local expiry cannot be estimated.
func (m *Manager) FindPending(ctx context.Context, datasetUID, fileID string) (string, bool) {
	records, err := m.remote.SearchTasks(ctx)
	if err != nil {
		logging.Warn("download", "pending task lookup failed", "err", err)
		return "", false
	}
	var ids []string
	for id, rec := range records {
		st := normalizeStatus(rec.Status)
		if st != StatusQueued && st != StatusInProgress {
			continue
		}
		for _, ref := range rec.Datasets {
			if ref.DatasetID == datasetUID && ref.FileID == fileID {
				ids = append(ids, id)
				break
			}
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[len(ids)-1], true
}

// Poll fetches the status of taskID. Missing or unrecognized status fields
// yield StatusUnknown; only transport failures return an error.
func (m *Manager) Poll(ctx context.Context, taskID string) (Task, error) {
	task := Task{ID: taskID, Status: StatusUnknown}
	records, err := m.remote.SearchTasks(ctx)
	if err != nil {
		return task, err
	}
	rec, ok := records[taskID]
	if !ok {
		return task, nil
	}
	task.Status = normalizeStatus(rec.Status)
	task.DownloadURL = rec.DownloadURL
	task.FileSize = rec.FileSize
	task.ReportedExpiry = reportedExpiry(rec.FinalizationDateTime)
	if task.Status == StatusCompleted && task.DownloadURL == "" {
		task.Status = StatusUnknown
	}
	if task.Status == StatusCompleted {
		task.CompletedAt = m.observeCompleted(taskID)
		task.ExpiryEstimate = task.CompletedAt.Add(m.ttl)
	}
	return task, nil
}

func (m *Manager) observeCompleted(taskID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.completedAt[taskID]; ok {
		return ts
	}
	ts := m.now()
	m.completedAt[taskID] = ts
	return ts
}

// IsUsable is true only for a completed task still inside its local expiry
// estimate, whatever the server reports.
func (m *Manager) IsUsable(task Task) bool {
	if task.Status != StatusCompleted || task.DownloadURL == "" || task.ExpiryEstimate.IsZero() {
		return false
	}
	return m.now().Before(task.ExpiryEstimate)
}

// Cancel asks the server to drop taskID and always releases local tracking.
// Server failures are logged, never returned.
func (m *Manager) Cancel(ctx context.Context, taskID string) {
	if taskID == "" {
		return
	}
	m.Release(taskID)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if err := m.remote.DeleteTask(cctx, taskID); err != nil {
		logging.Warn("download", "server-side cancel failed", "task_id", taskID, "err", err)
		return
	}
	logging.Info("download", "task cancelled", "task_id", taskID)
}

// Release forgets a task locally.
func (m *Manager) Release(taskID string) {
	m.mu.Lock()
	delete(m.tracked, taskID)
	delete(m.completedAt, taskID)
	m.mu.Unlock()
}

// Tracked reports whether taskID is still held locally.
func (m *Manager) Tracked(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracked[taskID]
}

func (m *Manager) track(taskID string) {
	m.mu.Lock()
	m.tracked[taskID] = true
	m.mu.Unlock()
}

func isExpiredLink(err error) bool {
	return api.IsStatus(err, http.StatusForbidden, http.StatusNotFound, http.StatusGone)
}

func wrapDownload(err error) error {
	if errors.Is(err, ErrTaskUnusable) || errors.Is(err, ErrDownload) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDownload, err)
}
