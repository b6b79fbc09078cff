package bus

import (
	"encoding/json"
	"errors"
	"testing"
)

type recordedMsg struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs    []recordedMsg
	flushed bool
	closed  bool
	pubErr  error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.pubErr != nil {
		return f.pubErr
	}
	f.msgs = append(f.msgs, recordedMsg{subject: subject, data: data})
	return nil
}

func (f *fakeConn) Flush() error { f.flushed = true; return nil }
func (f *fakeConn) Close()       { f.closed = true }

func TestProgressSubject(t *testing.T) {
	if ProgressSubject("") != "" {
		t.Fatalf("expected empty subject")
	}
	if got := ProgressSubject("run-1"); got != "clms.preload.run-1.progress" {
		t.Fatalf("unexpected subject %s", got)
	}
}

func TestPublishJSON(t *testing.T) {
	fc := &fakeConn{}
	p := &Publisher{nc: fc}
	if err := p.PublishJSON(ProgressSubject("r"), map[string]string{"stage": "queued"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(fc.msgs) != 1 || fc.msgs[0].subject != "clms.preload.r.progress" {
		t.Fatalf("unexpected messages: %#v", fc.msgs)
	}
	var payload map[string]string
	if err := json.Unmarshal(fc.msgs[0].data, &payload); err != nil || payload["stage"] != "queued" {
		t.Fatalf("unexpected payload %s", fc.msgs[0].data)
	}
	p.Close()
	if !fc.flushed || !fc.closed {
		t.Fatalf("expected flush and close")
	}
}

func TestPublishJSONErrors(t *testing.T) {
	var nilPub *Publisher
	if err := nilPub.PublishJSON("s", 1); !errors.Is(err, errNilBus) {
		t.Fatalf("expected nil bus error, got %v", err)
	}
	nilPub.Close()
	p := &Publisher{nc: &fakeConn{}}
	if err := p.PublishJSON(" ", 1); !errors.Is(err, errEmptySubject) {
		t.Fatalf("expected empty subject error, got %v", err)
	}
	if err := p.PublishJSON("s", func() {}); err == nil {
		t.Fatalf("expected encode error")
	}
	boom := errors.New("boom")
	p = &Publisher{nc: &fakeConn{pubErr: boom}}
	if err := p.PublishJSON("s", 1); !errors.Is(err, boom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}
