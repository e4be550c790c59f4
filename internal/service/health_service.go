package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

type queueDepthReader interface {
	QueueDepth() int
}

type latestRunReader interface {
	LatestRun(ctx context.Context) (*models.RetentionRun, error)
}

// HealthService assembles the operator view of the pipeline.
type HealthService struct {
	metrics   *MetricsService
	queue     queueDepthReader
	retention latestRunReader
	logger    *zap.Logger
	now       func() time.Time
}

// NewHealthService constructs a HealthService. queue and retention may be nil.
func NewHealthService(metrics *MetricsService, queue queueDepthReader, retention latestRunReader, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthService{metrics: metrics, queue: queue, retention: retention, logger: logger, now: time.Now}
}

// Pipeline reports counters, queue depth and the latest retention run. A failure to read the
// retention run is logged and omitted rather than failing the whole report.
func (s *HealthService) Pipeline(ctx context.Context) models.PipelineHealth {
	counters := s.metrics.Snapshot()
	health := models.PipelineHealth{
		IngestedBatches:     counters.IngestedBatches,
		DuplicateBatches:    counters.DuplicateBatches,
		RejectedBatches:     counters.RejectedBatches,
		RetriedBatches:      counters.RetriedBatches,
		DeviceQueueDepthMax: counters.DeviceQueueDepthMax,
		LastAggregationAt:   counters.LastAggregationAt,
		RequestsTotal:       counters.RequestsTotal,
		CacheHitRatio:       counters.CacheHitRatio,
		Goroutines:          counters.Goroutines,
		GeneratedAt:         s.now().UTC(),
	}
	if total := counters.IngestedBatches + counters.DuplicateBatches + counters.RejectedBatches; total > 0 {
		health.RetryRate = float64(counters.RetriedBatches) / float64(total)
	}
	if s.queue != nil {
		health.AggregationQueueDepth = s.queue.QueueDepth()
	}
	if s.retention != nil {
		run, err := s.retention.LatestRun(ctx)
		if err != nil {
			s.logger.Warn("failed to load latest retention run", zap.Error(err))
		} else {
			health.LastRetentionRun = run
		}
	}
	return health
}
