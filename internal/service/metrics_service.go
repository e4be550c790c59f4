package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingest outcomes used as metric labels.
const (
	OutcomeAccepted           = "accepted"
	OutcomeDuplicate          = "duplicate"
	OutcomeRejectedValidation = "rejected_validation"
	OutcomeRejectedPII        = "rejected_pii"
	OutcomeRejectedMalformed  = "rejected_malformed"
)

// MetricsService encapsulates Prometheus instrumentation and keeps lightweight counters for the
// admin health endpoint.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	dbQueryDuration *prometheus.HistogramVec

	ingestBatches       *prometheus.CounterVec
	ingestEvents        prometheus.Counter
	deviceQueueDepth    prometheus.Gauge
	syncAttempts        prometheus.Histogram
	aggregationQueue    prometheus.Gauge
	aggregationDuration prometheus.Histogram
	aggregationRuns     *prometheus.CounterVec
	retentionRows       *prometheus.CounterVec
	retentionRuns       *prometheus.CounterVec

	cacheHitCount     uint64
	cacheMissCount    uint64
	requestCount      uint64
	acceptedCount     uint64
	duplicateCount    uint64
	rejectedCount     uint64
	retriedCount      uint64
	deviceDepthMax    int64
	lastAggregationNs int64
}

// PipelineCounters is a point-in-time copy of the in-process counters.
type PipelineCounters struct {
	IngestedBatches     uint64
	DuplicateBatches    uint64
	RejectedBatches     uint64
	RetriedBatches      uint64
	DeviceQueueDepthMax int64
	LastAggregationAt   *time.Time
	RequestsTotal       uint64
	CacheHitRatio       float64
	Goroutines          int
}

// NewMetricsService registers the pipeline's Prometheus collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_http_request_duration_seconds",
		Help:    "Duration of pipeline API requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"surface", "method", "route", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_http_requests_total",
		Help: "Total number of pipeline API requests",
	}, []string{"surface", "method", "route", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries",
		Buckets: prometheus.DefBuckets,
	}, []string{"query"})

	ingestBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_batches_total",
		Help: "Ingested batches by outcome",
	}, []string{"outcome"})

	ingestEvents := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_events_total",
		Help: "Events persisted by the ingestion service",
	})

	deviceQueueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "device_queue_depth",
		Help: "Queue depth reported by the most recent device upload",
	})

	syncAttempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "device_sync_attempt",
		Help:    "Delivery attempt number reported by devices",
		Buckets: []float64{1, 2, 3, 5, 8, 13},
	})

	aggregationQueue := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aggregation_queue_depth",
		Help: "Rollup buckets waiting for recompute",
	})

	aggregationDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aggregation_recompute_seconds",
		Help:    "Duration of one rollup bucket recompute",
		Buckets: prometheus.DefBuckets,
	})

	aggregationRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aggregation_recomputes_total",
		Help: "Rollup recomputes by result",
	}, []string{"result"})

	retentionRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retention_rows_total",
		Help: "Rows affected by retention by kind",
	}, []string{"kind"})

	retentionRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "retention_runs_total",
		Help: "Retention runs by final status",
	}, []string{"status"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(
		requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses, dbQueryDuration,
		ingestBatches, ingestEvents, deviceQueueDepth, syncAttempts,
		aggregationQueue, aggregationDuration, aggregationRuns,
		retentionRows, retentionRuns, goroutines,
	)

	return &MetricsService{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		cacheLatency:        cacheLatency,
		cacheWrite:          cacheWrite,
		cacheHitRatio:       cacheHitRatio,
		cacheHits:           cacheHits,
		cacheMisses:         cacheMisses,
		dbQueryDuration:     dbQueryDuration,
		ingestBatches:       ingestBatches,
		ingestEvents:        ingestEvents,
		deviceQueueDepth:    deviceQueueDepth,
		syncAttempts:        syncAttempts,
		aggregationQueue:    aggregationQueue,
		aggregationDuration: aggregationDuration,
		aggregationRuns:     aggregationRuns,
		retentionRows:       retentionRows,
		retentionRuns:       retentionRuns,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveRequest records one API request against its surface and route template.
func (m *MetricsService) ObserveRequest(surface, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(surface, method, route, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(surface, method, route, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// RecordCacheOperation records cache hit/miss metrics and updates the hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	m.cacheHitRatio.Set(m.hitRatio())
}

// ObserveCacheWrite tracks the duration of cache writes.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveDBQuery records database query timing.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// RecordIngest counts a batch outcome and the delivery hints the device sent with it.
// queueDepth below zero means the device did not report one.
func (m *MetricsService) RecordIngest(outcome string, events int, attempt int, queueDepth int64) {
	if m == nil {
		return
	}
	m.ingestBatches.WithLabelValues(outcome).Inc()
	switch outcome {
	case OutcomeAccepted:
		atomic.AddUint64(&m.acceptedCount, 1)
		m.ingestEvents.Add(float64(events))
	case OutcomeDuplicate:
		atomic.AddUint64(&m.duplicateCount, 1)
	default:
		atomic.AddUint64(&m.rejectedCount, 1)
	}
	if attempt > 0 {
		m.syncAttempts.Observe(float64(attempt))
		if attempt > 1 {
			atomic.AddUint64(&m.retriedCount, 1)
		}
	}
	if queueDepth >= 0 {
		m.deviceQueueDepth.Set(float64(queueDepth))
		for {
			current := atomic.LoadInt64(&m.deviceDepthMax)
			if queueDepth <= current || atomic.CompareAndSwapInt64(&m.deviceDepthMax, current, queueDepth) {
				break
			}
		}
	}
}

// SetAggregationQueueDepth publishes the current work queue depth.
func (m *MetricsService) SetAggregationQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.aggregationQueue.Set(float64(depth))
}

// RecordAggregation records one bucket recompute.
func (m *MetricsService) RecordAggregation(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.aggregationDuration.Observe(duration.Seconds())
	if err != nil {
		m.aggregationRuns.WithLabelValues("error").Inc()
		return
	}
	m.aggregationRuns.WithLabelValues("ok").Inc()
	atomic.StoreInt64(&m.lastAggregationNs, time.Now().UTC().UnixNano())
}

// RecordRetention records the totals of a finished retention run.
func (m *MetricsService) RecordRetention(status string, archived, purged, salts, ledger int64) {
	if m == nil {
		return
	}
	m.retentionRuns.WithLabelValues(status).Inc()
	m.retentionRows.WithLabelValues("archived").Add(float64(archived))
	m.retentionRows.WithLabelValues("purged").Add(float64(purged))
	m.retentionRows.WithLabelValues("salts").Add(float64(salts))
	m.retentionRows.WithLabelValues("ledger").Add(float64(ledger))
}

// Snapshot returns the in-process counters for the health endpoint.
func (m *MetricsService) Snapshot() PipelineCounters {
	if m == nil {
		return PipelineCounters{Goroutines: runtime.NumGoroutine()}
	}
	counters := PipelineCounters{
		IngestedBatches:     atomic.LoadUint64(&m.acceptedCount),
		DuplicateBatches:    atomic.LoadUint64(&m.duplicateCount),
		RejectedBatches:     atomic.LoadUint64(&m.rejectedCount),
		RetriedBatches:      atomic.LoadUint64(&m.retriedCount),
		DeviceQueueDepthMax: atomic.LoadInt64(&m.deviceDepthMax),
		RequestsTotal:       atomic.LoadUint64(&m.requestCount),
		CacheHitRatio:       m.hitRatio(),
		Goroutines:          runtime.NumGoroutine(),
	}
	if ns := atomic.LoadInt64(&m.lastAggregationNs); ns > 0 {
		at := time.Unix(0, ns).UTC()
		counters.LastAggregationAt = &at
	}
	return counters
}

func (m *MetricsService) hitRatio() float64 {
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}
