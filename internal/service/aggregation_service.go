package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
	"github.com/noah-isme/engagement-pipeline/pkg/export"
	"github.com/noah-isme/engagement-pipeline/pkg/jobs"
	"github.com/noah-isme/engagement-pipeline/pkg/stream"
	"github.com/noah-isme/engagement-pipeline/pkg/tracing"
)

// Stream message types.
const (
	StreamRollupUpdated = "rollup.updated"
	StreamRollupDeleted = "rollup.deleted"

	aggregationJobType = "rollup.recompute"
)

type rollupEventReader interface {
	BucketAggregates(ctx context.Context, key models.RollupKey, bucketSize time.Duration) ([]models.CategoryAggregate, error)
	BucketKeys(ctx context.Context, classroomIDs []string, from, to time.Time, bucketSize time.Duration) ([]models.RollupKey, error)
}

type rollupStore interface {
	Upsert(ctx context.Context, record *models.RollupRecord) error
	Delete(ctx context.Context, key models.RollupKey) (bool, error)
	List(ctx context.Context, filter models.RollupFilter) ([]models.RollupRecord, error)
	KeysInRange(ctx context.Context, classroomIDs []string, from, to time.Time) ([]models.RollupKey, error)
}

type rollupPublisher interface {
	Publish(msg stream.Message) bool
}

type workQueue interface {
	Enqueue(job jobs.Job) (bool, error)
	Submit(ctx context.Context, job jobs.Job) error
	Depth() int
}

// eventHorizon reports the capture time before which raw events may already have been moved to
// the archive.
type eventHorizon interface {
	EventCutoff(now time.Time) (time.Time, bool)
}

// ErrBucketSealed is returned by Recompute for buckets older than the raw event horizon. Their
// rollups are kept as they are.
var ErrBucketSealed = errors.New("rollup bucket is sealed")

type rollupExporter interface {
	Render(data export.Dataset, title string) ([]byte, error)
	ContentType() string
}

// AggregationService maintains rollups incrementally from a keyed work queue and serves them to
// dashboards.
type AggregationService struct {
	events    rollupEventReader
	rollups   rollupStore
	cache     *CacheService
	hub       rollupPublisher
	metrics   *MetricsService
	validator *validator.Validate
	cfg       config.AggregationConfig
	logger    *zap.Logger
	now       func() time.Time
	queue     workQueue
	horizon   eventHorizon
	exporters map[string]rollupExporter
}

// NewAggregationService constructs the aggregation engine. Call AttachQueue before scheduling.
func NewAggregationService(events rollupEventReader, rollups rollupStore, cache *CacheService, hub rollupPublisher, metrics *MetricsService, cfg config.AggregationConfig, logger *zap.Logger) *AggregationService {
	if cfg.BucketSize < time.Second {
		cfg.BucketSize = time.Hour
	}
	cfg.BucketSize = cfg.BucketSize.Truncate(time.Second)
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.RebuildParallel <= 0 {
		cfg.RebuildParallel = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AggregationService{
		events:    events,
		rollups:   rollups,
		cache:     cache,
		hub:       hub,
		metrics:   metrics,
		validator: NewPipelineValidator(),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		exporters: map[string]rollupExporter{
			"csv": export.NewCSVExporter(),
			"pdf": export.NewPDFExporter(),
		},
	}
}

// AttachQueue wires the work queue whose handler is HandleJob.
func (s *AggregationService) AttachQueue(q workQueue) {
	s.queue = q
}

// AttachHorizon wires the source of the raw event horizon, normally the retention executor.
func (s *AggregationService) AttachHorizon(h eventHorizon) {
	s.horizon = h
}

// Sealed reports whether key's bucket starts before the raw event horizon, so its events may be
// partly archived and recomputing it would lose counts.
func (s *AggregationService) Sealed(key models.RollupKey) bool {
	if s.horizon == nil {
		return false
	}
	cutoff, ok := s.horizon.EventCutoff(s.now().UTC())
	return ok && key.BucketStart.Before(cutoff)
}

// BucketSize returns the configured rollup granularity.
func (s *AggregationService) BucketSize() time.Duration {
	return s.cfg.BucketSize
}

// BucketStart returns the bucket t falls into. Buckets are aligned on the Unix epoch, matching
// the bucketing done in SQL.
func (s *AggregationService) BucketStart(t time.Time) time.Time {
	return models.BucketStart(t, s.cfg.BucketSize)
}

// KeysForEvents lists every rollup bucket affected by events: the lesson bucket and the
// classroom-wide bucket of each event.
func (s *AggregationService) KeysForEvents(events []models.Event) []models.RollupKey {
	seen := make(map[string]struct{}, len(events)*2)
	var keys []models.RollupKey
	add := func(k models.RollupKey) {
		if _, ok := seen[k.String()]; ok {
			return
		}
		seen[k.String()] = struct{}{}
		keys = append(keys, k)
	}
	for _, ev := range events {
		start := s.BucketStart(ev.CapturedAt)
		add(models.RollupKey{ClassroomID: ev.ClassroomID, LessonKey: ev.LessonKey(), BucketStart: start})
		add(models.RollupKey{ClassroomID: ev.ClassroomID, LessonKey: models.LessonKeyAll, BucketStart: start})
	}
	sortKeys(keys)
	return keys
}

// ScheduleEvents enqueues a recompute for each bucket touched by events and returns how many
// were newly queued.
func (s *AggregationService) ScheduleEvents(events []models.Event) int {
	scheduled := 0
	for _, key := range s.KeysForEvents(events) {
		if s.Schedule(key) {
			scheduled++
		}
	}
	return scheduled
}

// Schedule enqueues a recompute of key. It reports false when the key was coalesced with a
// waiting job or the queue is unavailable.
func (s *AggregationService) Schedule(key models.RollupKey) bool {
	if s.queue == nil {
		s.logger.Warn("aggregation queue not attached", zap.String("key", key.String()))
		return false
	}
	queued, err := s.queue.Enqueue(jobs.Job{ID: key.String(), Key: key.String(), Type: aggregationJobType, Payload: key})
	if err != nil {
		s.logger.Warn("failed to schedule rollup recompute", zap.String("key", key.String()), zap.Error(err))
		return false
	}
	s.metrics.SetAggregationQueueDepth(s.queue.Depth())
	return queued
}

// QueueDepth returns the number of buckets waiting for recompute.
func (s *AggregationService) QueueDepth() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Depth()
}

// HandleJob is the work queue handler.
func (s *AggregationService) HandleJob(ctx context.Context, job jobs.Job) error {
	key, ok := job.Payload.(models.RollupKey)
	if !ok {
		return fmt.Errorf("unexpected payload %T for job %s", job.Payload, job.ID)
	}
	_, err := s.Recompute(ctx, key)
	if s.queue != nil {
		s.metrics.SetAggregationQueueDepth(s.queue.Depth())
	}
	if errors.Is(err, ErrBucketSealed) {
		s.logger.Debug("skipping sealed rollup bucket", zap.String("key", key.String()))
		return nil
	}
	return err
}

// Recompute rebuilds one bucket from raw events. The rollup row is deleted when the bucket no
// longer has events. It returns the stored record, or nil after a delete. Sealed buckets are left
// untouched and yield ErrBucketSealed.
func (s *AggregationService) Recompute(ctx context.Context, key models.RollupKey) (record *models.RollupRecord, err error) {
	if s.Sealed(key) {
		return nil, ErrBucketSealed
	}
	ctx, span := tracing.Start(ctx, "aggregation.recompute",
		attribute.String("rollup.classroom", key.ClassroomID),
		attribute.String("rollup.lesson", key.LessonKey),
		attribute.String("rollup.bucket", key.BucketStart.UTC().Format(time.RFC3339)),
	)
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		s.metrics.RecordAggregation(time.Since(start), err)
	}()

	aggregates, err := s.events.BucketAggregates(ctx, key, s.cfg.BucketSize)
	if err != nil {
		return nil, fmt.Errorf("load bucket aggregates: %w", err)
	}

	if len(aggregates) == 0 {
		removed, err := s.rollups.Delete(ctx, key)
		if err != nil {
			return nil, err
		}
		if removed {
			s.afterWrite(ctx, key.ClassroomID, StreamRollupDeleted, key)
		}
		return nil, nil
	}

	built := BuildRollup(key, s.cfg.BucketSize, aggregates, s.now().UTC())
	if err := s.rollups.Upsert(ctx, &built); err != nil {
		return nil, err
	}
	s.afterWrite(ctx, key.ClassroomID, StreamRollupUpdated, built)
	return &built, nil
}

func (s *AggregationService) afterWrite(ctx context.Context, classroomID, kind string, payload interface{}) {
	if err := s.cache.InvalidateClassroom(ctx, classroomID); err != nil {
		s.logger.Warn("rollup cache invalidation failed", zap.String("classroom_id", classroomID), zap.Error(err))
	}
	if s.hub != nil {
		s.hub.Publish(stream.Message{ClassroomID: classroomID, Type: kind, Payload: payload})
	}
}

// BuildRollup folds category aggregates into a rollup record. It is a pure function: the same
// aggregates and computedAt always produce an identical record.
func BuildRollup(key models.RollupKey, bucketSize time.Duration, aggregates []models.CategoryAggregate, computedAt time.Time) models.RollupRecord {
	sorted := append([]models.CategoryAggregate(nil), aggregates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Category < sorted[j].Category })

	record := models.RollupRecord{
		ClassroomID:   key.ClassroomID,
		LessonKey:     key.LessonKey,
		BucketStart:   key.BucketStart.UTC(),
		BucketSeconds: int(bucketSize / time.Second),
		Categories:    make(models.CategoryBreakdown, len(sorted)),
		ComputedAt:    computedAt.UTC(),
	}
	for _, agg := range sorted {
		record.EventCount += agg.EventCount
		record.ScoreSum += agg.ScoreSum
		record.GrowthCount += agg.GrowthCount
		if agg.LastReceived.After(record.Watermark) {
			record.Watermark = agg.LastReceived.UTC()
		}
		stat := record.Categories[agg.Category]
		stat.Count += agg.EventCount
		stat.ScoreSum += agg.ScoreSum
		stat.MeanScore = mean(stat.ScoreSum, stat.Count)
		record.Categories[agg.Category] = stat
	}
	record.MeanScore = mean(record.ScoreSum, record.EventCount)
	return record
}

func mean(sum, count int) float64 {
	if count == 0 {
		return 0
	}
	return math.Round(float64(sum)/float64(count)*10000) / 10000
}

// Rebuild recomputes every bucket in range that has events or an existing rollup. Each bucket
// goes through the work queue, so a rebuild never races a live recompute of the same bucket.
// Sealed buckets are counted and skipped.
func (s *AggregationService) Rebuild(ctx context.Context, req dto.RebuildRequest) (*dto.RebuildSummary, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rebuild request")
	}
	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "aggregation queue not attached")
	}
	started := time.Now()
	from := s.BucketStart(req.From)
	to := req.To.UTC()

	fromEvents, err := s.events.BucketKeys(ctx, req.ClassroomIDs, from, to, s.cfg.BucketSize)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list event buckets")
	}
	existing, err := s.rollups.KeysInRange(ctx, req.ClassroomIDs, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list rollups")
	}
	keys := mergeKeys(fromEvents, existing)

	var live []models.RollupKey
	for _, key := range keys {
		if !s.Sealed(key) {
			live = append(live, key)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.RebuildParallel)
	for _, key := range live {
		key := key
		g.Go(func() error {
			job := jobs.Job{ID: key.String(), Key: key.String(), Type: aggregationJobType, Payload: key}
			if err := s.queue.Submit(gctx, job); err != nil {
				return fmt.Errorf("recompute %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "rollup rebuild failed")
	}

	summary := &dto.RebuildSummary{
		Buckets:    len(keys),
		Recomputed: len(live),
		Sealed:     len(keys) - len(live),
		DurationMs: time.Since(started).Milliseconds(),
	}
	s.logger.Info("rollup rebuild finished",
		zap.Strings("classrooms", req.ClassroomIDs),
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("buckets", summary.Buckets),
		zap.Int("recomputed", summary.Recomputed),
		zap.Int("sealed", summary.Sealed),
	)
	return summary, nil
}

// mergeKeys unions bucket keys and adds the classroom-wide key for every bucket seen.
func mergeKeys(sets ...[]models.RollupKey) []models.RollupKey {
	seen := make(map[string]struct{})
	var keys []models.RollupKey
	add := func(k models.RollupKey) {
		k.BucketStart = k.BucketStart.UTC()
		if _, ok := seen[k.String()]; ok {
			return
		}
		seen[k.String()] = struct{}{}
		keys = append(keys, k)
	}
	for _, set := range sets {
		for _, k := range set {
			add(k)
			add(models.RollupKey{ClassroomID: k.ClassroomID, LessonKey: models.LessonKeyAll, BucketStart: k.BucketStart})
		}
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []models.RollupKey) {
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].BucketStart.Equal(keys[j].BucketStart) {
			return keys[i].BucketStart.Before(keys[j].BucketStart)
		}
		if keys[i].ClassroomID != keys[j].ClassroomID {
			return keys[i].ClassroomID < keys[j].ClassroomID
		}
		return keys[i].LessonKey < keys[j].LessonKey
	})
}

// QueryRollups returns rollups for the caller's classrooms. Records that are pending or older
// than the freshness window are flagged stale and queued for recompute. The boolean reports a
// cache hit.
func (s *AggregationService) QueryRollups(ctx context.Context, claims *models.ScopeClaims, q dto.RollupQuery) ([]models.RollupRecord, bool, error) {
	if claims == nil {
		return nil, false, appErrors.ErrUnauthorized
	}
	if err := s.validator.Struct(q); err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid rollup query")
	}
	for _, id := range q.ClassroomIDs {
		if !claims.Allows(id) {
			return nil, false, appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("classroom %s is outside the token scope", id))
		}
	}

	lessonKey := q.LessonID
	if lessonKey == "" {
		lessonKey = models.LessonKeyAll
	}
	from, to := q.From.UTC(), q.To.UTC()
	now := s.now().UTC()

	cacheKey := RollupQueryKey(q.ClassroomIDs, lessonKey, from, to, q.Category)
	var cached []models.RollupRecord
	hit, err := s.cache.Get(ctx, cacheKey, &cached)
	if err != nil {
		s.logger.Debug("rollup cache read failed", zap.Error(err))
	}
	if hit {
		for i := range cached {
			if s.Sealed(cached[i].Key()) {
				continue
			}
			if now.Sub(cached[i].ComputedAt) > s.cfg.StaleAfter {
				cached[i].Stale = true
				s.Schedule(cached[i].Key())
			}
		}
		return cached, true, nil
	}

	filter := models.RollupFilter{ClassroomIDs: q.ClassroomIDs, LessonKey: lessonKey, From: from, To: to}
	if q.Category != "" {
		category := models.Category(q.Category)
		filter.Category = &category
	}
	records, err := s.rollups.List(ctx, filter)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load rollups")
	}

	anyStale := false
	for i := range records {
		records[i].Stale = !s.Sealed(records[i].Key()) &&
			(records[i].Pending || now.Sub(records[i].ComputedAt) > s.cfg.StaleAfter)
		if records[i].Stale {
			anyStale = true
			s.Schedule(records[i].Key())
		}
		if filter.Category != nil {
			records[i].Categories = projectCategory(records[i].Categories, *filter.Category)
		}
	}

	if !anyStale {
		if err := s.cache.Set(ctx, cacheKey, records, s.cfg.CacheTTL); err != nil {
			s.logger.Debug("rollup cache write failed", zap.Error(err))
		}
	}
	return records, false, nil
}

func projectCategory(breakdown models.CategoryBreakdown, category models.Category) models.CategoryBreakdown {
	out := models.CategoryBreakdown{}
	if stat, ok := breakdown[category]; ok {
		out[category] = stat
	}
	return out
}

// ExportRollups renders the rollups matching q as CSV or PDF.
func (s *AggregationService) ExportRollups(ctx context.Context, claims *models.ScopeClaims, q dto.RollupQuery, format string) (*dto.RollupExport, error) {
	exporter, ok := s.exporters[format]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	records, _, err := s.QueryRollups(ctx, claims, q)
	if err != nil {
		return nil, err
	}
	title := fmt.Sprintf("Engagement rollups %s to %s", q.From.UTC().Format(models.DayLayout), q.To.UTC().Format(models.DayLayout))
	body, err := exporter.Render(export.RollupDataset(records), title)
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	return &dto.RollupExport{
		Filename:    fmt.Sprintf("rollups-%s-%s.%s", q.From.UTC().Format("20060102"), q.To.UTC().Format("20060102"), format),
		ContentType: exporter.ContentType(),
		Body:        body,
	}, nil
}
