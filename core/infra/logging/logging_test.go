package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func TestInfoTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(envLogFormat, "")
	buf := captureLog(t)

	Info("download", "task requested", "data_id", "forest|E00N20")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[DOWNLOAD] task requested") || !strings.Contains(got, "data_id=forest|E00N20") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestWarnTextFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(envLogFormat, "")
	buf := captureLog(t)

	Warn("download", "cancel failed", "task_id", "t-1")
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[DOWNLOAD] WARN cancel failed") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorJSONFormat(t *testing.T) {
	logFormatOnce = sync.Once{}
	logAsJSON = false
	t.Setenv(envLogFormat, "json")
	buf := captureLog(t)

	Error("preload", "item failed", "err", errors.New("boom"), "attempt", 2)
	line := strings.TrimSpace(buf.String())
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		t.Fatalf("expected json output, got: %s", line)
	}
	if payload["level"] != "ERROR" || payload["component"] != "preload" || payload["msg"] != "item failed" {
		t.Fatalf("unexpected json payload: %#v", payload)
	}
	if payload["err"] != "boom" {
		t.Fatalf("expected error rendered as string, got %#v", payload["err"])
	}
	if payload["attempt"] != float64(2) {
		t.Fatalf("unexpected attempt field: %#v", payload["attempt"])
	}
}

func TestFormatJSONReservedKeys(t *testing.T) {
	out := formatJSON("INFO", "state", "mark", "msg", "shadow")
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["msg"] != "mark" || payload["field_msg"] != "shadow" {
		t.Fatalf("reserved key clobbered: %#v", payload)
	}
}

func TestFormatFields(t *testing.T) {
	out := formatFields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := formatFields(); out != "" {
		t.Fatalf("expected empty output")
	}
}

func TestToString(t *testing.T) {
	if got := toString(" value\n"); got != " value\n" {
		t.Fatalf("unexpected string: %s", got)
	}
	if got := toString(123); got != "123" {
		t.Fatalf("unexpected non-string conversion: %s", got)
	}
}
