package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/geodatastore/clms/core/clms"
	"github.com/geodatastore/clms/core/clms/api"
	"github.com/geodatastore/clms/core/clms/auth"
	"github.com/geodatastore/clms/core/infra/blob"
	"github.com/geodatastore/clms/core/infra/bus"
	"github.com/geodatastore/clms/core/infra/config"
	"github.com/geodatastore/clms/core/infra/locks"
	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/geodatastore/clms/core/infra/metrics"
	"github.com/geodatastore/clms/core/infra/redisutil"
	"github.com/geodatastore/clms/core/preload"
	"github.com/geodatastore/clms/core/preload/download"
	"github.com/geodatastore/clms/core/preload/processor"
	"github.com/geodatastore/clms/core/preload/state"
	"github.com/geodatastore/clms/core/zarr"
	"github.com/redis/go-redis/v9"
)

type appOptions struct {
	ConfigPath      string
	CredentialsPath string
	// NeedAuth is false for commands that only read the catalog or cache.
	NeedAuth  bool
	Metrics   metrics.PreloadMetrics
	Observers []preload.Observer
	Async     bool
}

// app wires the store facade from process configuration.
type app struct {
	cfg     *config.Config
	preload *config.PreloadConfig
	bucket  blob.Bucket
	cache   *zarr.Store
	redis   *redis.Client
	mirror  *state.RedisMirror
	bus     *bus.Publisher
	orch    *preload.Orchestrator
	store   *clms.Store
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg := config.Load()
	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = cfg.PreloadConfigPath
	}
	pcfg, err := config.LoadPreload(cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		logging.Warn("clmsctl", "preload config missing, using defaults", "path", cfgPath)
	}
	if opts.Async {
		async := false
		pcfg.Blocking = &async
	}
	a := &app{cfg: cfg, preload: pcfg}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}

	a.bucket, err = blob.Open(ctx, cfg.CacheURI)
	if err != nil {
		return nil, err
	}
	a.cache, err = zarr.New(a.bucket)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		client, err := redisutil.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logging.Warn("clmsctl", "state mirror disabled", "err", err)
		} else {
			a.redis = client
			a.mirror = state.NewRedisMirror(client, 0)
		}
	}

	var tokens *auth.Handler
	if opts.NeedAuth {
		tokens, err = newTokenHandler(cfg, pcfg, opts.Metrics, opts.CredentialsPath)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	client := api.NewClient(cfg.APIURL, tokenSource(tokens), api.Options{
		OnRetry: func(op string, err error, wait time.Duration) {
			logging.Warn("clms-api", "retrying", "op", op, "err", err, "wait", wait)
		},
	})

	if tokens == nil {
		a.store = clms.NewStore(client, nil, a.cache)
		return a, nil
	}

	if cfg.NatsURL != "" {
		pub, err := bus.Connect(cfg.NatsURL)
		if err != nil {
			logging.Warn("clmsctl", "progress bus disabled", "err", err)
		} else {
			a.bus = pub
			opts.Observers = append(opts.Observers, preload.BusObserver{Pub: pub})
		}
	}
	if pcfg.ProgressDisplay {
		opts.Observers = append(opts.Observers, &preload.TextDisplay{W: os.Stderr})
	}

	tasks := download.NewManager(client, download.Options{
		ConservativeTTL: pcfg.Expiry.ConservativeTTL(),
		ChunkSize:       pcfg.Download.ChunkSizeBytes,
		ReusePending:    pcfg.ReusePendingRequests,
		OnBytes:         opts.Metrics.AddDownloadBytes,
	})
	proc := processor.New(a.cache, processor.Options{
		TileSizeX: pcfg.Processing.TileSizeX,
		TileSizeY: pcfg.Processing.TileSizeY,
		Cleanup:   pcfg.CleanupEnabled(),
	})
	orchOpts := preload.Options{
		Config:    pcfg,
		Tokens:    tokens,
		Tasks:     tasks,
		Processor: proc,
		Store:     a.cache,
		Metrics:   opts.Metrics,
		WorkDir:   cfg.WorkDir,
		Observers: opts.Observers,
	}
	trackerOpts := state.Options{}
	if a.redis != nil {
		trackerOpts.Mirror = a.mirror
		orchOpts.Locks = locks.NewRedisStore(a.redis)
	}
	orchOpts.Tracker = state.NewTracker(trackerOpts)
	a.orch, err = preload.New(orchOpts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = clms.NewStore(client, a.orch, a.cache)
	return a, nil
}

func newTokenHandler(cfg *config.Config, pcfg *config.PreloadConfig, m metrics.PreloadMetrics, path string) (*auth.Handler, error) {
	if path == "" {
		path = cfg.CredentialsPath
	}
	if path == "" {
		return nil, fmt.Errorf("%w: no credentials file (use --credentials or CLMS_CREDENTIALS_PATH)", auth.ErrAuth)
	}
	creds, err := auth.LoadCredentials(path)
	if err != nil && creds.PrivateKey != "" && creds.TokenURI == "" {
		creds.TokenURI = cfg.TokenURL
		err = creds.Validate()
	}
	if err != nil {
		return nil, err
	}
	grantor, err := auth.NewJWTBearerGrantor(creds, nil, pcfg.Token.Lifetime())
	if err != nil {
		return nil, err
	}
	return auth.NewHandler(grantor, auth.Options{
		SafetyMargin: pcfg.Token.SafetyMargin(),
		OnRefresh:    m.IncTokenRefresh,
	}), nil
}

// tokenSource keeps a nil handler from becoming a non-nil interface.
func tokenSource(h *auth.Handler) api.TokenSource {
	if h == nil {
		return nil
	}
	return h
}

func (a *app) Close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.bucket != nil {
		_ = a.bucket.Close()
	}
}
