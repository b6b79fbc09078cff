package download

import (
	"strings"
	"time"

	"github.com/geodatastore/clms/core/clms/api"
)

// Status is the normalized client-side view of a remote task.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
	StatusUnknown    Status = "unknown"
)

// serverRetention is what the service claims a finished package stays
// downloadable. It is advisory only.
const serverRetention = 48 * time.Hour

var finalizationLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Task is the client-observed state of a server-side download request.
type Task struct {
	ID          string
	Status      Status
	DownloadURL string
	FileSize    int64
	// ReportedExpiry is derived from the server's finalization time. Not trusted.
	ReportedExpiry time.Time
	// CompletedAt is when this client first observed the task completed.
	CompletedAt time.Time
	// ExpiryEstimate is CompletedAt plus the conservative TTL.
	ExpiryEstimate time.Time
}

func normalizeStatus(raw string) Status {
	switch strings.TrimSpace(raw) {
	case api.StatusQueued:
		return StatusQueued
	case api.StatusInProgress:
		return StatusInProgress
	case api.StatusFinishedOK:
		return StatusCompleted
	case api.StatusCancelled:
		return StatusCancelled
	case api.StatusRejected, api.StatusFinishedNOK:
		return StatusError
	default:
		return StatusUnknown
	}
}

func reportedExpiry(finalized string) time.Time {
	finalized = strings.TrimSpace(finalized)
	if finalized == "" {
		return time.Time{}
	}
	for _, layout := range finalizationLayouts {
		if ts, err := time.Parse(layout, finalized); err == nil {
			return ts.Add(serverRetention)
		}
	}
	return time.Time{}
}

// Pending reports whether the task is still waiting on the server.
func (t Task) Pending() bool {
	return t.Status == StatusQueued || t.Status == StatusInProgress || t.Status == StatusUnknown
}
