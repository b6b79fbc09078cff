package preload

import (
	"sync"
	"time"

	"github.com/geodatastore/clms/core/preload/state"
)

// Event is one progress observation for an identifier.
type Event struct {
	RunID    string      `json:"run_id"`
	DataID   string      `json:"data_id"`
	Stage    state.Stage `json:"stage"`
	At       time.Time   `json:"at"`
	Attempt  int         `json:"attempt,omitempty"`
	TaskID   string      `json:"task_id,omitempty"`
	Message  string      `json:"message,omitempty"`
	Error    string      `json:"error,omitempty"`
	Progress float64     `json:"progress"`
}

// Observer consumes progress events off the worker path.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// stageProgress is the completed fraction when a stage is entered.
var stageProgress = map[state.Stage]float64{
	state.Pending:       0,
	state.TokenAcquired: 0,
	state.Requested:     0,
	state.Queued:        0.1,
	state.Downloading:   0.4,
	state.Extracting:    0.7,
	state.Processing:    0.8,
	state.Done:          1,
}

// Broker fans events out to subscribers and keeps the latest event per
// identifier. Slow subscribers lose events and publishers do not block,
// except that reliable subscribers always receive terminal events.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	closed bool
	latest map[string]Event
	order  []string
}

type subscriber struct {
	ch       chan Event
	reliable bool
}

func NewBroker() *Broker {
	return &Broker{subs: map[int]*subscriber{}, latest: map[string]Event{}}
}

func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.latest[ev.DataID]; !ok {
		b.order = append(b.order, ev.DataID)
	}
	b.latest[ev.DataID] = ev
	terminal := ev.Stage.Terminal()
	for _, sub := range b.subs {
		if terminal && sub.reliable {
			sub.ch <- ev
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe returns a buffered event channel and its cancel func. The
// channel is closed on unsubscribe or when the broker closes.
func (b *Broker) Subscribe(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, false)
}

// SubscribeReliable is Subscribe for consumers that must see every
// identifier finish: a full buffer makes Publish wait on terminal events.
// The consumer must keep draining and must not call back into the broker.
func (b *Broker) SubscribeReliable(buffer int) (<-chan Event, func()) {
	return b.subscribe(buffer, true)
}

func (b *Broker) subscribe(buffer int, reliable bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = &subscriber{ch: ch, reliable: reliable}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Latest returns the last event of id.
func (b *Broker) Latest(id string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev, ok := b.latest[id]
	return ev, ok
}

// Snapshot copies the progress table in first-seen order.
func (b *Broker) Snapshot() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.latest[id])
	}
	return out
}

// Close ends every subscription. Later publishes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
