package preload

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/geodatastore/clms/core/preload/state"
)

func TestBrokerFanOutAndTable(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(4)
	defer cancel()

	b.Publish(Event{DataID: "b", Stage: state.Pending})
	b.Publish(Event{DataID: "a", Stage: state.Pending})
	b.Publish(Event{DataID: "b", Stage: state.TokenAcquired})

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	snap := b.Snapshot()
	if len(snap) != 2 || snap[0].DataID != "b" || snap[0].Stage != state.TokenAcquired || snap[1].DataID != "a" {
		t.Fatalf("unexpected table %+v", snap)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(1)
	defer cancel()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{DataID: "x", Stage: state.Queued})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on a slow subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("expected buffered event only, got %d", len(ch))
	}
}

func TestBrokerReliableSubscriberGetsTerminalEvents(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.SubscribeReliable(1)
	defer cancel()
	for i := 0; i < 10; i++ {
		b.Publish(Event{DataID: "x", Stage: state.Queued})
	}
	published := make(chan struct{})
	go func() {
		b.Publish(Event{DataID: "x", Stage: state.Done})
		b.Publish(Event{DataID: "y", Stage: state.Failed})
		close(published)
	}()

	var got []state.Stage
	for len(got) < 3 {
		select {
		case ev := <-ch:
			got = append(got, ev.Stage)
		case <-time.After(2 * time.Second):
			t.Fatalf("terminal events lost, got %v", got)
		}
	}
	<-published
	if got[0] != state.Queued || got[1] != state.Done || got[2] != state.Failed {
		t.Fatalf("unexpected delivery %v", got)
	}
	if len(ch) != 0 {
		t.Fatalf("intermediate events should still be dropped, %d buffered", len(ch))
	}
}

func TestBrokerCloseEndsSubscriptions(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(1)
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	cancel()
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatalf("subscription after close should be closed")
	}
	b.Publish(Event{DataID: "x"})
	if len(b.Snapshot()) != 0 {
		t.Fatalf("publish after close must be dropped")
	}
}

type recordingPublisher struct {
	subjects []string
}

func (p *recordingPublisher) PublishJSON(subject string, _ any) error {
	p.subjects = append(p.subjects, subject)
	return nil
}

func TestObservers(t *testing.T) {
	pub := &recordingPublisher{}
	BusObserver{Pub: pub}.Observe(Event{RunID: "r1", DataID: "x"})
	if len(pub.subjects) != 1 || pub.subjects[0] != "clms.preload.r1.progress" {
		t.Fatalf("unexpected subjects %v", pub.subjects)
	}

	var buf bytes.Buffer
	d := &TextDisplay{W: &buf}
	d.Observe(Event{DataID: "p|a.tif", Stage: state.Downloading, Progress: 0.4, TaskID: "t1"})
	line := buf.String()
	if !strings.Contains(line, "p|a.tif") || !strings.Contains(line, " 40%") || !strings.Contains(line, "task=t1") {
		t.Fatalf("unexpected display line %q", line)
	}
}
