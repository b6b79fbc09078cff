package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PreloadMetrics captures preload pipeline counters.
type PreloadMetrics interface {
	IncItemsStarted()
	IncItemsFinished(status string)
	IncStageTransition(stage string)
	IncReRequest(reason string)
	IncTokenRefresh(result string)
	AddDownloadBytes(n int64)
	ObserveItemDuration(status string, durationSeconds float64)
	WorkerStarted()
	WorkerDone()
}

// Noop implements PreloadMetrics without emitting anything.
type Noop struct{}

func (Noop) IncItemsStarted()                    {}
func (Noop) IncItemsFinished(string)             {}
func (Noop) IncStageTransition(string)           {}
func (Noop) IncReRequest(string)                 {}
func (Noop) IncTokenRefresh(string)              {}
func (Noop) AddDownloadBytes(int64)              {}
func (Noop) ObserveItemDuration(string, float64) {}
func (Noop) WorkerStarted()                      {}
func (Noop) WorkerDone()                         {}

// Prom implements PreloadMetrics backed by Prometheus collectors.
type Prom struct {
	itemsStarted  prometheus.Counter
	itemsFinished *prometheus.CounterVec
	stages        *prometheus.CounterVec
	reRequests    *prometheus.CounterVec
	tokenRefresh  *prometheus.CounterVec
	downloadBytes prometheus.Counter
	itemDuration  *prometheus.HistogramVec
	inflight      prometheus.Gauge
	once          sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		itemsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preload_items_started_total",
			Help:      "Preload items accepted by the orchestrator",
		}),
		itemsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preload_items_finished_total",
			Help:      "Preload items finished by terminal status",
		}, []string{"status"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preload_stage_transitions_total",
			Help:      "Preload stage transitions by target stage",
		}, []string{"stage"}),
		reRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preload_rerequests_total",
			Help:      "Download requests re-submitted by reason",
		}, []string{"reason"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by result",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Archive bytes downloaded",
		}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "preload_item_duration_seconds",
			Help:      "Wall time per preload item by terminal status",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600},
		}, []string{"status"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preload_workers_inflight",
			Help:      "Preload workers currently running",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.itemsStarted, p.itemsFinished, p.stages, p.reRequests,
			p.tokenRefresh, p.downloadBytes, p.itemDuration, p.inflight)
	})
}

func (p *Prom) IncItemsStarted() {
	p.itemsStarted.Inc()
}

func (p *Prom) IncItemsFinished(status string) {
	p.itemsFinished.WithLabelValues(status).Inc()
}

func (p *Prom) IncStageTransition(stage string) {
	p.stages.WithLabelValues(stage).Inc()
}

func (p *Prom) IncReRequest(reason string) {
	p.reRequests.WithLabelValues(reason).Inc()
}

func (p *Prom) IncTokenRefresh(result string) {
	p.tokenRefresh.WithLabelValues(result).Inc()
}

func (p *Prom) AddDownloadBytes(n int64) {
	if n <= 0 {
		return
	}
	p.downloadBytes.Add(float64(n))
}

func (p *Prom) ObserveItemDuration(status string, durationSeconds float64) {
	p.itemDuration.WithLabelValues(status).Observe(durationSeconds)
}

func (p *Prom) WorkerStarted() {
	p.inflight.Inc()
}

func (p *Prom) WorkerDone() {
	p.inflight.Dec()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
