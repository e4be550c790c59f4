package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
	"github.com/noah-isme/engagement-pipeline/pkg/piifilter"
	"github.com/noah-isme/engagement-pipeline/pkg/tracing"
)

var interactionTypePattern = regexp.MustCompile(`^[a-z0-9_.\-]{1,64}$`)

type eventStore interface {
	LedgerContains(ctx context.Context, batchID string) (bool, error)
	PersistBatch(ctx context.Context, entry *models.LedgerEntry, events []models.Event) (bool, error)
}

type subjectHasher interface {
	Hash(ctx context.Context, subjectLocalID, classroomScope string, date time.Time) (string, error)
}

type aggregationScheduler interface {
	ScheduleEvents(events []models.Event) int
}

// NewPipelineValidator returns a validator that knows the event vocabulary.
func NewPipelineValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("category", func(fl validator.FieldLevel) bool {
		return models.Category(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("interaction_type", func(fl validator.FieldLevel) bool {
		return interactionTypePattern.MatchString(fl.Field().String())
	})
	return validate
}

// IngestService accepts event batches exactly once.
type IngestService struct {
	store      eventStore
	hasher     subjectHasher
	aggregator aggregationScheduler
	metrics    *MetricsService
	validator  *validator.Validate
	cfg        config.IngestConfig
	limits     piifilter.Limits
	logger     *zap.Logger
	now        func() time.Time
}

// NewIngestService constructs the ingestion service.
func NewIngestService(store eventStore, hasher subjectHasher, aggregator aggregationScheduler, metrics *MetricsService, cfg config.IngestConfig, logger *zap.Logger) *IngestService {
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = 1000
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestService{
		store:      store,
		hasher:     hasher,
		aggregator: aggregator,
		metrics:    metrics,
		validator:  NewPipelineValidator(),
		cfg:        cfg,
		limits:     piifilter.DefaultLimits,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest validates, anonymizes and persists a batch. Rejections return both a result describing
// the reason and an error carrying the HTTP status; accepted duplicates return no error.
func (s *IngestService) Ingest(ctx context.Context, claims *models.ScopeClaims, req dto.IngestBatchRequest, hints dto.DeliveryHints) (*dto.IngestResult, error) {
	if claims == nil {
		return nil, appErrors.ErrUnauthorized
	}
	for _, ev := range req.Events {
		if !claims.Allows(ev.ClassroomID) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("classroom %s is outside the token scope", ev.ClassroomID))
		}
	}

	if details := s.checkFraming(req); len(details) > 0 {
		return s.reject(req, dto.RejectMalformed, details, appErrors.ErrMalformedBatch, hints)
	}

	duplicate, err := s.store.LedgerContains(ctx, req.BatchID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check ingest ledger")
	}
	if duplicate {
		return s.duplicate(req, hints), nil
	}

	if details := s.validateEvents(req.Events); len(details) > 0 {
		return s.reject(req, dto.RejectValidation, details, appErrors.ErrValidation, hints)
	}

	if findings := scanBatch(req.Events); len(findings) > 0 {
		return s.reject(req, dto.RejectPIIDetected, findings, appErrors.ErrPIIDetected, hints)
	}

	receivedAt := s.now().UTC()
	events, err := s.toEvents(ctx, req, receivedAt)
	if err != nil {
		if errors.Is(err, anonymizer.ErrSaltExpired) {
			return s.reject(req, dto.RejectValidation, []string{err.Error()}, appErrors.ErrValidation, hints)
		}
		if errors.Is(err, anonymizer.ErrSaltUnavailable) {
			s.logger.Warn("salt unavailable during ingest", zap.String("batch_id", req.BatchID), zap.Error(err))
			return nil, appErrors.Wrap(err, appErrors.ErrSaltUnavailable.Code, appErrors.ErrSaltUnavailable.Status, appErrors.ErrSaltUnavailable.Message)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to anonymize events")
	}

	entry := &models.LedgerEntry{
		BatchID:     req.BatchID,
		ClassroomID: req.Events[0].ClassroomID,
		EventCount:  len(events),
		ReceivedAt:  receivedAt,
	}

	spanCtx, span := tracing.Start(ctx, "ingest.persist_batch",
		attribute.String("batch.id", req.BatchID),
		attribute.Int("batch.events", len(events)),
	)
	start := time.Now()
	inserted, err := s.store.PersistBatch(spanCtx, entry, events)
	s.metrics.ObserveDBQuery("persist_batch", time.Since(start))
	tracing.End(span, err)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist batch")
	}
	if !inserted {
		return s.duplicate(req, hints), nil
	}

	scheduled := 0
	if s.aggregator != nil {
		scheduled = s.aggregator.ScheduleEvents(events)
	}
	s.metrics.RecordIngest(OutcomeAccepted, len(events), hints.Attempt, hints.QueueDepth)
	s.logger.Info("batch accepted",
		zap.String("batch_id", req.BatchID),
		zap.Int("events", len(events)),
		zap.Int("buckets_scheduled", scheduled),
		zap.Int("attempt", hints.Attempt),
	)

	return &dto.IngestResult{Status: dto.IngestStatusAccepted, BatchID: req.BatchID, Accepted: len(events)}, nil
}

func (s *IngestService) checkFraming(req dto.IngestBatchRequest) []string {
	var details []string
	if _, err := uuid.Parse(req.BatchID); err != nil {
		details = append(details, "batchId must be a UUID")
	}
	switch {
	case len(req.Events) == 0:
		details = append(details, "batch has no events")
	case len(req.Events) > s.cfg.MaxBatchEvents:
		details = append(details, fmt.Sprintf("batch has %d events, limit is %d", len(req.Events), s.cfg.MaxBatchEvents))
	}
	seen := make(map[string]struct{}, len(req.Events))
	for i, ev := range req.Events {
		id, ok := canonicalEventID(ev.ID)
		if !ok {
			details = append(details, fmt.Sprintf("events[%d].id must be a UUID", i))
			continue
		}
		if _, dup := seen[id]; dup {
			details = append(details, fmt.Sprintf("events[%d].id repeats an earlier event", i))
		}
		seen[id] = struct{}{}
	}
	return details
}

// canonicalEventID returns the lowercase hyphenated form of a UUID event id.
func canonicalEventID(id string) (string, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

func (s *IngestService) validateEvents(events []dto.IngestEvent) []string {
	var details []string
	horizon := s.now().UTC().Add(s.cfg.MaxFutureSkew)
	for i, ev := range events {
		if err := s.validator.Struct(ev); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					details = append(details, fmt.Sprintf("events[%d].%s failed %s", i, lowerFirst(fe.Field()), fe.Tag()))
				}
			} else {
				details = append(details, fmt.Sprintf("events[%d]: %v", i, err))
			}
		}
		switch {
		case ev.SubjectHash != "" && !anonymizer.ValidHash(ev.SubjectHash):
			details = append(details, fmt.Sprintf("events[%d].subjectHash must be 64 lowercase hex characters", i))
		case ev.SubjectHash == "" && ev.SubjectRef == "":
			details = append(details, fmt.Sprintf("events[%d] needs subjectHash or subjectRef", i))
		}
		if ev.CapturedAt.After(horizon) {
			details = append(details, fmt.Sprintf("events[%d].capturedAt is too far in the future", i))
		}
		if err := piifilter.CheckShape(ev.Metadata, s.limits); err != nil {
			details = append(details, fmt.Sprintf("events[%d].metadata: %v", i, err))
		}
	}
	return details
}

func scanBatch(events []dto.IngestEvent) []string {
	var out []string
	for i, ev := range events {
		findings := piifilter.Scan(ev.Metadata)
		findings = append(findings, piifilter.ScanText("interactionType", ev.InteractionType)...)
		if ev.LessonID != nil {
			findings = append(findings, piifilter.ScanIdentifier("lessonId", *ev.LessonID)...)
		}
		for _, f := range findings {
			out = append(out, fmt.Sprintf("events[%d].%s", i, f))
		}
	}
	return out
}

func (s *IngestService) toEvents(ctx context.Context, req dto.IngestBatchRequest, receivedAt time.Time) ([]models.Event, error) {
	events := make([]models.Event, 0, len(req.Events))
	for i, in := range req.Events {
		hash := in.SubjectHash
		if hash == "" {
			if s.hasher == nil {
				return nil, fmt.Errorf("%w: no anonymizer configured", anonymizer.ErrSaltUnavailable)
			}
			var err error
			hash, err = s.hasher.Hash(ctx, in.SubjectRef, in.ClassroomID, in.CapturedAt)
			if err != nil {
				return nil, fmt.Errorf("events[%d].subjectRef: %w", i, err)
			}
		}
		id, _ := canonicalEventID(in.ID)
		var lesson *string
		if in.LessonID != nil && *in.LessonID != "" {
			id := *in.LessonID
			lesson = &id
		}
		events = append(events, models.Event{
			ID:              id,
			BatchID:         req.BatchID,
			ClassroomID:     in.ClassroomID,
			LessonID:        lesson,
			Category:        models.Category(in.Category),
			InteractionType: in.InteractionType,
			Score:           in.Score,
			Metadata:        models.EventMetadata(in.Metadata),
			GrowthIndicator: in.GrowthIndicator,
			SubjectHash:     hash,
			CapturedAt:      in.CapturedAt.UTC(),
			ReceivedAt:      receivedAt,
		})
	}
	return events, nil
}

func (s *IngestService) duplicate(req dto.IngestBatchRequest, hints dto.DeliveryHints) *dto.IngestResult {
	s.metrics.RecordIngest(OutcomeDuplicate, 0, hints.Attempt, hints.QueueDepth)
	s.logger.Info("duplicate batch acknowledged", zap.String("batch_id", req.BatchID), zap.Int("attempt", hints.Attempt))
	return &dto.IngestResult{Status: dto.IngestStatusAccepted, BatchID: req.BatchID, Accepted: len(req.Events), Duplicate: true}
}

func (s *IngestService) reject(req dto.IngestBatchRequest, reason string, details []string, base *appErrors.Error, hints dto.DeliveryHints) (*dto.IngestResult, error) {
	outcome := OutcomeRejectedValidation
	switch reason {
	case dto.RejectPIIDetected:
		outcome = OutcomeRejectedPII
	case dto.RejectMalformed:
		outcome = OutcomeRejectedMalformed
	}
	s.metrics.RecordIngest(outcome, 0, hints.Attempt, hints.QueueDepth)
	s.logger.Warn("batch rejected",
		zap.String("batch_id", req.BatchID),
		zap.String("reason", reason),
		zap.Strings("details", details),
	)
	result := &dto.IngestResult{Status: dto.IngestStatusRejected, BatchID: req.BatchID, Reason: reason, Details: details}
	return result, appErrors.Clone(base, fmt.Sprintf("batch rejected: %s", reason))
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
