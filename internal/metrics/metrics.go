// Package metrics exposes Prometheus metrics for the detection engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Pipeline metrics
	ChunksProcessedTotal  prometheus.CounterVec
	ChunkPipelineDuration prometheus.HistogramVec
	ClassificationsTotal  prometheus.CounterVec

	// Detection metrics
	DetectionsStartedTotal   prometheus.CounterVec
	DetectionsFinalizedTotal prometheus.CounterVec
	PlayDurationSeconds      prometheus.HistogramVec

	// Resolver metrics
	CascadeResolutionsTotal prometheus.CounterVec
	ExternalCallsTotal      prometheus.CounterVec
	ExternalCallDuration    prometheus.HistogramVec
	CircuitBreakerOpen      prometheus.GaugeVec

	// Ingest metrics
	StreamReconnectsTotal prometheus.CounterVec
	StationsDegradedTotal prometheus.CounterVec

	// Scheduler metrics
	ActiveWorkers       prometheus.Gauge
	WorkerRestartsTotal prometheus.CounterVec

	// Database metrics
	DatabaseQueryDuration prometheus.HistogramVec
	DatabaseQueriesTotal  prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   prometheus.CounterVec
	CacheMissesTotal prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Initialize creates and registers all Prometheus metrics
func Initialize() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			ChunksProcessedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_chunks_processed_total",
					Help: "Total number of PCM chunks run through the pipeline",
				},
				[]string{"station"},
			),
			ChunkPipelineDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "monitor_chunk_pipeline_duration_seconds",
					Help:    "End-to-end pipeline latency per chunk in seconds",
					Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20},
				},
				[]string{"station"},
			),
			ClassificationsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_classifications_total",
					Help: "Chunk classifications by class (music, speech, silence, unknown)",
				},
				[]string{"class"},
			),

			DetectionsStartedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_detections_started_total",
					Help: "Detections opened by identification method",
				},
				[]string{"method"},
			),
			DetectionsFinalizedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_detections_finalized_total",
					Help: "Detections finalized by identification method",
				},
				[]string{"method"},
			),
			PlayDurationSeconds: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "monitor_play_duration_seconds",
					Help:    "Finalized play durations in seconds",
					Buckets: []float64{10, 30, 60, 120, 180, 300, 600},
				},
				[]string{"station"},
			),

			CascadeResolutionsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_cascade_resolutions_total",
					Help: "Resolver outcomes by step (isrc, local_exact, local_similarity, acoustid, audd, no_match)",
				},
				[]string{"step"},
			),
			ExternalCallsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_external_calls_total",
					Help: "External identification API calls by provider and status",
				},
				[]string{"provider", "status"},
			),
			ExternalCallDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "monitor_external_call_duration_seconds",
					Help:    "External identification API latency in seconds",
					Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
				},
				[]string{"provider"},
			),
			CircuitBreakerOpen: *promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "monitor_circuit_breaker_open",
					Help: "1 when the provider's circuit breaker is open",
				},
				[]string{"provider"},
			),

			StreamReconnectsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_stream_reconnects_total",
					Help: "Stream reconnect attempts by station",
				},
				[]string{"station"},
			),
			StationsDegradedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_stations_degraded_total",
					Help: "Degraded transitions by station",
				},
				[]string{"station"},
			),

			ActiveWorkers: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "monitor_active_workers",
					Help: "Number of running station workers",
				},
			),
			WorkerRestartsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_worker_restarts_total",
					Help: "Worker restarts after a fatal error, by station",
				},
				[]string{"station"},
			),

			DatabaseQueryDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "monitor_database_query_duration_seconds",
					Help:    "Database query latency in seconds",
					Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
				},
				[]string{"operation"},
			),
			DatabaseQueriesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_database_queries_total",
					Help: "Database queries by operation and status",
				},
				[]string{"operation", "status"},
			),

			CacheHitsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_cache_hits_total",
					Help: "Identifier cache hits by kind (isrc, hash)",
				},
				[]string{"kind"},
			),
			CacheMissesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "monitor_cache_misses_total",
					Help: "Identifier cache misses by kind (isrc, hash)",
				},
				[]string{"kind"},
			),
		}
	})
	return instance
}

// Get returns the metrics instance, initializing it if needed
func Get() *Metrics {
	return Initialize()
}
