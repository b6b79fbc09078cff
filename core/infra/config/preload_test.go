package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPreloadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, err := LoadPreload(path)
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if cfg == nil || cfg.Concurrency != 4 {
		t.Fatalf("expected default config")
	}
}

func TestLoadPreloadEmptyPath(t *testing.T) {
	cfg, err := LoadPreload("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.IsBlocking() || !cfg.CleanupEnabled() {
		t.Fatalf("expected blocking with cleanup by default")
	}
	if cfg.Expiry.ConservativeTTL() != 30*time.Minute {
		t.Fatalf("unexpected ttl %s", cfg.Expiry.ConservativeTTL())
	}
	if cfg.Token.Lifetime() != time.Hour || cfg.Token.SafetyMargin() != 5*time.Minute {
		t.Fatalf("unexpected token settings")
	}
}

func TestLoadPreloadPartial(t *testing.T) {
	data := []byte("concurrency: 2\nblocking: false\npoll:\n  interval_seconds: 5\n  timeout_seconds: 300\nprocessing:\n  cleanup: false\n")
	path := filepath.Join(t.TempDir(), "preload.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadPreload(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Concurrency != 2 || cfg.IsBlocking() || cfg.CleanupEnabled() {
		t.Fatalf("expected overrides, got %#v", cfg)
	}
	if cfg.Poll.Interval() != 5*time.Second || cfg.Poll.Timeout() != 300*time.Second {
		t.Fatalf("unexpected poll settings: %#v", cfg.Poll)
	}
	if cfg.Poll.Multiplier != 1 || cfg.Poll.MaxInterval() != 300*time.Second {
		t.Fatalf("expected default backoff shape: %#v", cfg.Poll)
	}
	if cfg.Processing.TileSizeX != 2000 || cfg.Download.ChunkSizeBytes != 1<<20 {
		t.Fatalf("expected defaults for unset sections")
	}
}

func TestParsePreloadInvalidYAML(t *testing.T) {
	cfg, err := ParsePreload([]byte("poll: ["))
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if cfg == nil || cfg.Concurrency != 4 {
		t.Fatalf("expected defaults on parse error")
	}
}

func TestParsePreloadSchemaInvalid(t *testing.T) {
	cases := []string{
		"concurrency: 0\n",
		"poll:\n  multiplier: 0.5\n",
		"unknown_field: true\n",
		"token:\n  lifetime_seconds: 10\n",
	}
	for _, raw := range cases {
		cfg, err := ParsePreload([]byte(raw))
		if err == nil {
			t.Fatalf("expected schema error for %q", raw)
		}
		if cfg == nil || cfg.Concurrency != 4 {
			t.Fatalf("expected defaults on schema error")
		}
	}
}

func TestParsePreloadIntervalOrdering(t *testing.T) {
	if _, err := ParsePreload([]byte("poll:\n  interval_seconds: 600\n  max_interval_seconds: 60\n")); err == nil {
		t.Fatalf("expected ordering error")
	}
	cfg, err := ParsePreload([]byte("poll:\n  interval_seconds: 600\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Poll.MaxIntervalSeconds != 600 {
		t.Fatalf("expected max interval raised to interval, got %v", cfg.Poll.MaxIntervalSeconds)
	}
}
