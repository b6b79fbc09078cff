package main

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/geodatastore/clms/core/infra/metrics"
	"github.com/geodatastore/clms/core/preload"
)

// runRegistry holds the batch the server reports on.
type runRegistry struct {
	mu sync.RWMutex
	h  *preload.Handle
}

func (r *runRegistry) set(h *preload.Handle) {
	r.mu.Lock()
	r.h = h
	r.mu.Unlock()
}

func (r *runRegistry) get() *preload.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.h
}

func newServeMux(hub http.Handler, runs *runRegistry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /progress", hub)
	mux.HandleFunc("GET /states", func(w http.ResponseWriter, r *http.Request) {
		h := runs.get()
		if h == nil {
			http.Error(w, "no run started", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"run_id": h.RunID, "states": h.States(), "progress": h.Progress()})
	})
	mux.HandleFunc("POST /cancel/{id...}", func(w http.ResponseWriter, r *http.Request) {
		h := runs.get()
		if h == nil {
			http.Error(w, "no run started", http.StatusNotFound)
			return
		}
		if !h.CancelID(r.PathValue("id")) {
			http.Error(w, "unknown data id", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
