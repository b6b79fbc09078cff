package preload

import (
	"time"

	"github.com/geodatastore/clms/core/preload/state"
)

// Outcome explains why an identifier did not succeed.
type Outcome struct {
	DataID   string `json:"data_id"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
}

// Summary is the aggregate result of a run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Succeeded []string      `json:"succeeded"`
	Failed    []Outcome     `json:"failed"`
	TimedOut  []Outcome     `json:"timed_out"`
	Cancelled []Outcome     `json:"cancelled"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// OK reports whether every identifier succeeded.
func (s Summary) OK() bool {
	return len(s.Failed) == 0 && len(s.TimedOut) == 0 && len(s.Cancelled) == 0 && s.Error == ""
}

func (h *Handle) buildSummary() Summary {
	sum := Summary{
		RunID:     h.RunID,
		Succeeded: []string{},
		Failed:    []Outcome{},
		TimedOut:  []Outcome{},
		Cancelled: []Outcome{},
	}
	var first time.Time
	var last time.Time
	for _, rec := range h.States() {
		if first.IsZero() || rec.StartedAt.Before(first) {
			first = rec.StartedAt
		}
		if rec.FinishedAt.After(last) {
			last = rec.FinishedAt
		}
		out := Outcome{DataID: rec.ID, Reason: rec.Error, Attempts: rec.Attempts, TaskID: rec.TaskID}
		switch rec.Stage {
		case state.Done:
			sum.Succeeded = append(sum.Succeeded, rec.ID)
		case state.TimedOut:
			sum.TimedOut = append(sum.TimedOut, out)
		case state.Cancelled:
			sum.Cancelled = append(sum.Cancelled, out)
		default:
			if out.Reason == "" {
				out.Reason = "did not reach a terminal stage"
			}
			sum.Failed = append(sum.Failed, out)
		}
	}
	if !last.IsZero() {
		sum.Duration = last.Sub(first)
	}
	h.mu.Lock()
	if h.fatalErr != nil {
		sum.Error = h.fatalErr.Error()
	}
	h.mu.Unlock()
	return sum
}
