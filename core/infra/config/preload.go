package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PollConfig controls the task status poll schedule.
type PollConfig struct {
	IntervalSeconds    float64 `yaml:"interval_seconds"`
	Multiplier         float64 `yaml:"multiplier"`
	MaxIntervalSeconds float64 `yaml:"max_interval_seconds"`
	TimeoutSeconds     float64 `yaml:"timeout_seconds"`
}

type RequestConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	RetryDelaySeconds float64 `yaml:"retry_delay_seconds"`
}

// ExpiryConfig sets the local usable window after a task is seen completed.
type ExpiryConfig struct {
	ConservativeTTLSeconds float64 `yaml:"conservative_ttl_seconds"`
}

type TokenConfig struct {
	LifetimeSeconds     int64 `yaml:"lifetime_seconds"`
	SafetyMarginSeconds int64 `yaml:"safety_margin_seconds"`
}

type DownloadConfig struct {
	ChunkSizeBytes int     `yaml:"chunk_size_bytes"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

type ProcessingConfig struct {
	TileSizeX int   `yaml:"tile_size_x"`
	TileSizeY int   `yaml:"tile_size_y"`
	Cleanup   *bool `yaml:"cleanup"`
}

// PreloadConfig is the operator-tunable preload surface.
type PreloadConfig struct {
	Concurrency          int              `yaml:"concurrency"`
	Blocking             *bool            `yaml:"blocking"`
	ProgressDisplay      bool             `yaml:"progress_display"`
	ReusePendingRequests bool             `yaml:"reuse_pending_requests"`
	Poll                 PollConfig       `yaml:"poll"`
	Request              RequestConfig    `yaml:"request"`
	Expiry               ExpiryConfig     `yaml:"expiry"`
	Token                TokenConfig      `yaml:"token"`
	Download             DownloadConfig   `yaml:"download"`
	Processing           ProcessingConfig `yaml:"processing"`
}

// LoadPreload loads a YAML preload config; returns defaults if missing.
func LoadPreload(path string) (*PreloadConfig, error) {
	if path == "" {
		return DefaultPreload(), nil
	}
	// #nosec G304 -- preload config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultPreload(), fmt.Errorf("read preload config: %w", err)
	}
	return ParsePreload(data)
}

// ParsePreload parses preload config data from YAML/JSON bytes.
func ParsePreload(data []byte) (*PreloadConfig, error) {
	if len(data) == 0 {
		return DefaultPreload(), nil
	}
	if err := validateConfigSchema("preload", preloadSchemaFile, data); err != nil {
		return DefaultPreload(), err
	}
	var cfg PreloadConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultPreload(), fmt.Errorf("parse preload config: %w", err)
	}
	cfg.fillDefaults()
	if cfg.Poll.MaxIntervalSeconds < cfg.Poll.IntervalSeconds {
		return DefaultPreload(), fmt.Errorf("preload config: poll.max_interval_seconds below poll.interval_seconds")
	}
	return &cfg, nil
}

// DefaultPreload returns the built-in preload settings.
func DefaultPreload() *PreloadConfig {
	cfg := &PreloadConfig{}
	cfg.fillDefaults()
	return cfg
}

// WithDefaults returns a copy of c with unset fields filled in.
func (c *PreloadConfig) WithDefaults() *PreloadConfig {
	if c == nil {
		return DefaultPreload()
	}
	cp := *c
	cp.fillDefaults()
	return &cp
}

func (c *PreloadConfig) fillDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	if c.Blocking == nil {
		c.Blocking = boolPtr(true)
	}
	if c.Poll.IntervalSeconds == 0 {
		c.Poll.IntervalSeconds = 60
	}
	if c.Poll.Multiplier == 0 {
		c.Poll.Multiplier = 1
	}
	if c.Poll.MaxIntervalSeconds == 0 {
		c.Poll.MaxIntervalSeconds = 300
		if c.Poll.IntervalSeconds > c.Poll.MaxIntervalSeconds {
			c.Poll.MaxIntervalSeconds = c.Poll.IntervalSeconds
		}
	}
	if c.Poll.TimeoutSeconds == 0 {
		c.Poll.TimeoutSeconds = 6 * 60 * 60
	}
	if c.Request.MaxAttempts == 0 {
		c.Request.MaxAttempts = 3
	}
	if c.Request.RetryDelaySeconds == 0 {
		c.Request.RetryDelaySeconds = 30
	}
	if c.Expiry.ConservativeTTLSeconds == 0 {
		c.Expiry.ConservativeTTLSeconds = 30 * 60
	}
	if c.Token.LifetimeSeconds == 0 {
		c.Token.LifetimeSeconds = 3600
	}
	if c.Token.SafetyMarginSeconds == 0 {
		c.Token.SafetyMarginSeconds = 300
	}
	if c.Download.ChunkSizeBytes == 0 {
		c.Download.ChunkSizeBytes = 1 << 20
	}
	if c.Download.TimeoutSeconds == 0 {
		c.Download.TimeoutSeconds = 600
	}
	if c.Processing.TileSizeX == 0 {
		c.Processing.TileSizeX = 2000
	}
	if c.Processing.TileSizeY == 0 {
		c.Processing.TileSizeY = 2000
	}
	if c.Processing.Cleanup == nil {
		c.Processing.Cleanup = boolPtr(true)
	}
}

func (c *PreloadConfig) IsBlocking() bool {
	return c.Blocking == nil || *c.Blocking
}

func (c *PreloadConfig) CleanupEnabled() bool {
	return c.Processing.Cleanup == nil || *c.Processing.Cleanup
}

func (p PollConfig) Interval() time.Duration    { return seconds(p.IntervalSeconds) }
func (p PollConfig) MaxInterval() time.Duration { return seconds(p.MaxIntervalSeconds) }
func (p PollConfig) Timeout() time.Duration     { return seconds(p.TimeoutSeconds) }

func (r RequestConfig) RetryDelay() time.Duration { return seconds(r.RetryDelaySeconds) }

func (e ExpiryConfig) ConservativeTTL() time.Duration { return seconds(e.ConservativeTTLSeconds) }

func (t TokenConfig) Lifetime() time.Duration {
	return time.Duration(t.LifetimeSeconds) * time.Second
}

func (t TokenConfig) SafetyMargin() time.Duration {
	return time.Duration(t.SafetyMarginSeconds) * time.Second
}

func (d DownloadConfig) Timeout() time.Duration { return seconds(d.TimeoutSeconds) }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func boolPtr(v bool) *bool { return &v }
