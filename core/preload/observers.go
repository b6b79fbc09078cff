package preload

import (
	"fmt"
	"io"
	"sync"

	"github.com/geodatastore/clms/core/infra/bus"
	"github.com/geodatastore/clms/core/infra/logging"
)

// JSONPublisher is satisfied by bus.Publisher.
type JSONPublisher interface {
	PublishJSON(subject string, v any) error
}

// BusObserver publishes every event on the run's progress subject.
type BusObserver struct {
	Pub JSONPublisher
}

func (o BusObserver) Observe(ev Event) {
	if o.Pub == nil {
		return
	}
	if err := o.Pub.PublishJSON(bus.ProgressSubject(ev.RunID), ev); err != nil {
		logging.Warn("bus", "progress publish failed", "run_id", ev.RunID, "data_id", ev.DataID, "err", err)
	}
}

// TextDisplay renders one line per event.
type TextDisplay struct {
	mu sync.Mutex
	W  io.Writer
}

func (d *TextDisplay) Observe(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	line := fmt.Sprintf("%-60s %-14s %3.0f%%", ev.DataID, ev.Stage, ev.Progress*100)
	if ev.TaskID != "" {
		line += " task=" + ev.TaskID
	}
	if ev.Message != "" {
		line += " " + ev.Message
	}
	if ev.Error != "" {
		line += " error=" + ev.Error
	}
	fmt.Fprintln(d.W, line)
}
