package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geodatastore/clms/core/clms"
	"github.com/geodatastore/clms/core/infra/buildinfo"
	"github.com/geodatastore/clms/core/infra/logging"
	"github.com/geodatastore/clms/core/infra/metrics"
	"github.com/geodatastore/clms/core/infra/stream"
	"github.com/geodatastore/clms/core/preload"
	"github.com/geodatastore/clms/core/preload/state"
)

func runIDsCmd(args []string) {
	fs := newFlagSet("ids")
	product := fs.String("product", "", "only list files of this product id")
	fs.ParseArgs(args)
	ctx := context.Background()
	a, err := newApp(ctx, appOptions{ConfigPath: *fs.config})
	check(err)
	defer a.Close()
	ids, err := a.store.ListDataIDs(ctx, *product)
	check(err)
	for _, id := range ids {
		fmt.Println(id)
	}
}

func runPreloadCmd(args []string) int {
	fs := newFlagSet("preload")
	async := fs.Bool("async", false, "return control before the batch finishes and stream progress")
	idsFile := fs.String("ids-file", "", "file with one data id per line")
	fs.ParseArgs(args)
	ids, err := readIDs(fs.Args(), *idsFile)
	check(err)
	if len(ids) == 0 {
		fail("at least one data id required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := newApp(ctx, appOptions{
		ConfigPath:      *fs.config,
		CredentialsPath: *fs.credentials,
		NeedAuth:        true,
		Async:           *async,
	})
	check(err)
	defer a.Close()

	summary, err := preloadAndWait(ctx, a.store, ids)
	if err != nil && summary.RunID == "" {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printJSON(summary)
	return exitCode(summary)
}

// preloadAndWait starts a batch and collects its summary. A signal cancels
// the batch; the summary still reports every identifier.
func preloadAndWait(ctx context.Context, store *clms.Store, ids []string) (preload.Summary, error) {
	h, err := store.PreloadData(ctx, ids...)
	if err != nil && h == nil {
		return preload.Summary{}, err
	}
	logging.Info("clmsctl", "preload started", "run_id", h.RunID, "items", len(ids))
	summary, err := h.Wait(context.Background())
	if err != nil && summary.Error == "" {
		summary.Error = err.Error()
	}
	return summary, err
}

func exitCode(s preload.Summary) int {
	if s.OK() {
		return 0
	}
	return 1
}

func runStatusCmd(args []string) {
	fs := newFlagSet("status")
	recent := fs.Int64("recent", 0, "show the N most recently updated preload records from redis")
	fs.ParseArgs(args)
	ctx := context.Background()
	a, err := newApp(ctx, appOptions{ConfigPath: *fs.config})
	check(err)
	defer a.Close()

	if *recent == 0 && fs.NArg() == 0 {
		ids, err := a.store.CachedIDs(ctx)
		check(err)
		for _, id := range ids {
			fmt.Println(id)
		}
		return
	}
	if a.mirror == nil {
		fail("preload records need REDIS_URL")
	}
	if fs.NArg() == 0 {
		recs, err := a.mirror.Recent(ctx, *recent)
		check(err)
		printJSON(recs)
		return
	}
	recs := make([]state.Record, 0, fs.NArg())
	for _, id := range fs.Args() {
		rec, err := a.mirror.Load(ctx, id)
		if errors.Is(err, state.ErrUnknownID) {
			continue
		}
		check(err)
		recs = append(recs, rec)
	}
	printJSON(recs)
}

func runServeCmd(args []string) int {
	fs := newFlagSet("serve")
	addr := fs.String("addr", envOr("CLMS_METRICS_ADDR", ":9090"), "listen address for /metrics and /progress")
	linger := fs.Duration("linger", 0, "keep serving this long after the batch finishes")
	idsFile := fs.String("ids-file", "", "file with one data id per line")
	fs.ParseArgs(args)
	ids, err := readIDs(fs.Args(), *idsFile)
	check(err)
	if len(ids) == 0 {
		fail("at least one data id required")
	}

	buildinfo.Log("clmsctl serve")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := stream.NewHub(stream.Options{})
	defer hub.Close()
	prom := metrics.NewProm("clms_preload")
	a, err := newApp(ctx, appOptions{
		ConfigPath:      *fs.config,
		CredentialsPath: *fs.credentials,
		NeedAuth:        true,
		Async:           true,
		Metrics:         prom,
		Observers:       []preload.Observer{preload.ObserverFunc(func(ev preload.Event) { hub.Broadcast(ev) })},
	})
	check(err)
	defer a.Close()

	runs := &runRegistry{}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           newServeMux(hub, runs),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logging.Info("clmsctl", "serving", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("clmsctl", "http server error", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h, err := a.store.PreloadData(ctx, ids...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	runs.set(h)
	summary, err := h.Wait(context.Background())
	if err != nil && summary.Error == "" {
		summary.Error = err.Error()
	}
	printJSON(summary)
	if *linger > 0 {
		select {
		case <-time.After(*linger):
		case <-ctx.Done():
		}
	}
	return exitCode(summary)
}
