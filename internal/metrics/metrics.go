package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anomap_fetch_requests_total",
		Help: "FetchEvents calls by resolved source (cache, ledger, network, offline, tolerant_cache, retry_fallback, empty, stale)",
	}, []string{"source"})
	FetchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "anomap_fetch_duration_ms",
		Help:    "Upstream fetch duration in milliseconds, retries included",
		Buckets: []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
	})
	UpstreamCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anomap_upstream_calls_total",
		Help: "Upstream read API calls by outcome",
	}, []string{"outcome"})
	UpstreamRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anomap_upstream_rejected_total",
		Help: "Upstream records rejected by validation",
	})
	RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anomap_retries_total",
		Help: "Retry attempts by operation",
	}, []string{"op"})
	ErrorReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anomap_error_reports_total",
		Help: "Classified error reports by kind and severity",
	}, []string{"kind", "severity"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anomap_cache_hits_total",
		Help: "Result cache hits by mode (exact, tolerant)",
	}, []string{"mode"})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anomap_cache_misses_total",
		Help: "Result cache exact misses",
	})
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anomap_cache_evictions_total",
		Help: "Result cache entries evicted for size",
	})
	CacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anomap_cache_bytes",
		Help: "Approximate result cache size in bytes",
	})
	OfflineBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anomap_offline_bytes",
		Help: "Approximate offline store size in bytes",
	})
	OfflineEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anomap_offline_evictions_total",
		Help: "Offline store entries removed by reason (expired, pressure)",
	}, []string{"reason"})
	UniverseEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anomap_universe_events",
		Help: "Events resident in the spatial index",
	})
	VisibleEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anomap_visible_events",
		Help: "Events flagged visible after the last viewport update",
	})
	UnloadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anomap_unloaded_events_total",
		Help: "Events removed from the spatial index by reason (distance, cleanup)",
	}, []string{"reason"})
	Online = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anomap_online",
		Help: "1 when the upstream is reachable",
	})
	HeartbeatTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "anomap_heartbeat_total",
		Help: "Connectivity heartbeat results",
	}, []string{"status"})
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "anomap_ws_subscribers",
		Help: "Open websocket subscriptions",
	})
	WSDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "anomap_ws_dropped_total",
		Help: "Websocket messages dropped because the client queue was full",
	})
)

func init() {
	prometheus.MustRegister(
		FetchRequestsTotal,
		FetchDurationMs,
		UpstreamCallsTotal,
		UpstreamRejectedTotal,
		RetriesTotal,
		ErrorReportsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheBytes,
		OfflineBytes,
		OfflineEvictionsTotal,
		UniverseEvents,
		VisibleEvents,
		UnloadedTotal,
		Online,
		HeartbeatTotal,
		Subscribers,
		WSDroppedTotal,
	)
}

// Handler：Prometheus 抓取端点，在主入口挂载到 {API_BASE}/metrics
func Handler() http.Handler { return promhttp.Handler() }
