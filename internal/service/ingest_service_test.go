package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
)

type stubEventStore struct {
	ledger    map[string]bool
	persisted []models.Event
	calls     int
	lostRace  bool
}

func (s *stubEventStore) LedgerContains(_ context.Context, batchID string) (bool, error) {
	return s.ledger[batchID], nil
}

func (s *stubEventStore) PersistBatch(_ context.Context, entry *models.LedgerEntry, events []models.Event) (bool, error) {
	s.calls++
	if s.lostRace || s.ledger[entry.BatchID] {
		return false, nil
	}
	if s.ledger == nil {
		s.ledger = map[string]bool{}
	}
	s.ledger[entry.BatchID] = true
	s.persisted = append(s.persisted, events...)
	return true, nil
}

type stubHasher struct {
	err   error
	calls int
}

func (h *stubHasher) Hash(_ context.Context, subject, scope string, date time.Time) (string, error) {
	h.calls++
	if h.err != nil {
		return "", h.err
	}
	return anonymizer.Digest([]byte("0123456789abcdef0123456789abcdef"), subject, scope, models.DayOf(date))
}

type stubScheduler struct {
	events []models.Event
}

func (s *stubScheduler) ScheduleEvents(events []models.Event) int {
	s.events = append(s.events, events...)
	return len(events)
}

var ingestNow = time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

func newTestIngest(store *stubEventStore, hasher *stubHasher) (*IngestService, *stubScheduler, *MetricsService) {
	sched := &stubScheduler{}
	metrics := NewMetricsService()
	svc := NewIngestService(store, hasher, sched, metrics, config.IngestConfig{MaxBatchEvents: 10}, nil)
	svc.now = func() time.Time { return ingestNow }
	return svc, sched, metrics
}

func deviceClaims() *models.ScopeClaims {
	return &models.ScopeClaims{Role: models.RoleDevice, ClassroomIDs: []string{"class-1"}}
}

func validEvent() dto.IngestEvent {
	lesson := "lesson-1"
	return dto.IngestEvent{
		ID:              uuid.NewString(),
		ClassroomID:     "class-1",
		LessonID:        &lesson,
		Category:        "empathy",
		InteractionType: "peer_help",
		Score:           4,
		Metadata:        map[string]interface{}{"activity": "pairs", "round": float64(2)},
		SubjectHash:     strings.Repeat("a1", 32),
		CapturedAt:      ingestNow.Add(-72 * time.Hour),
	}
}

func validBatch(n int) dto.IngestBatchRequest {
	req := dto.IngestBatchRequest{BatchID: uuid.NewString()}
	for i := 0; i < n; i++ {
		req.Events = append(req.Events, validEvent())
	}
	return req
}

func TestIngestAcceptsAndSchedulesAggregation(t *testing.T) {
	store := &stubEventStore{}
	svc, sched, metrics := newTestIngest(store, &stubHasher{})
	req := validBatch(3)

	result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{Attempt: 2, QueueDepth: 40})
	require.NoError(t, err)
	assert.Equal(t, dto.IngestStatusAccepted, result.Status)
	assert.Equal(t, 3, result.Accepted)
	assert.False(t, result.Duplicate)
	require.Len(t, store.persisted, 3)
	assert.Equal(t, ingestNow, store.persisted[0].ReceivedAt)
	assert.Len(t, sched.events, 3)

	counters := metrics.Snapshot()
	assert.Equal(t, uint64(1), counters.IngestedBatches)
	assert.Equal(t, uint64(1), counters.RetriedBatches)
	assert.Equal(t, int64(40), counters.DeviceQueueDepthMax)
}

func TestIngestSameBatchTwicePersistsOnce(t *testing.T) {
	store := &stubEventStore{}
	svc, _, _ := newTestIngest(store, &stubHasher{})
	req := validBatch(2)

	first, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
	require.NoError(t, err)
	second, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{Attempt: 2})
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, dto.IngestStatusAccepted, second.Status)
	assert.Len(t, store.persisted, 2)
	assert.Equal(t, 1, store.calls)
}

func TestIngestConcurrentDeliveryLosingRaceIsDuplicate(t *testing.T) {
	store := &stubEventStore{lostRace: true}
	svc, sched, _ := newTestIngest(store, &stubHasher{})

	result, err := svc.Ingest(context.Background(), deviceClaims(), validBatch(1), dto.DeliveryHints{})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Empty(t, sched.events)
}

func TestIngestRejectsBatchWithEmailWholesale(t *testing.T) {
	store := &stubEventStore{}
	svc, _, _ := newTestIngest(store, &stubHasher{})
	req := validBatch(5)
	req.Events[3].Metadata["contact"] = "kid@example.com"

	result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrPIIDetected))
	require.NotNil(t, result)
	assert.Equal(t, dto.IngestStatusRejected, result.Status)
	assert.Equal(t, dto.RejectPIIDetected, result.Reason)
	assert.Empty(t, store.persisted)
	assert.Zero(t, store.calls)
	for _, d := range result.Details {
		assert.NotContains(t, d, "kid@example.com")
	}
}

func TestIngestNeverPersistsInjectedPII(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pii := []string{"ana@school.org", "+62 812 5555 0101", "123-45-6789", "4111 1111 1111 1111", "10.0.0.12", "https://x.io/u/9"}
	keys := []string{"activity", "round", "group", "device", "mode"}

	for i := 0; i < 200; i++ {
		store := &stubEventStore{}
		svc, _, _ := newTestIngest(store, &stubHasher{})
		req := validBatch(1 + rng.Intn(5))
		target := rng.Intn(len(req.Events))
		req.Events[target].Metadata[keys[rng.Intn(len(keys))]] = pii[rng.Intn(len(pii))]

		result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
		require.Error(t, err, "iteration %d", i)
		require.NotNil(t, result)
		assert.Equal(t, dto.IngestStatusRejected, result.Status)
		assert.Zero(t, store.calls, "iteration %d reached persistence", i)
	}
}

func TestIngestRejectsMalformedBatches(t *testing.T) {
	cases := map[string]func(*dto.IngestBatchRequest){
		"bad batch id":   func(r *dto.IngestBatchRequest) { r.BatchID = "batch-1" },
		"empty":          func(r *dto.IngestBatchRequest) { r.Events = nil },
		"too many":       func(r *dto.IngestBatchRequest) { *r = validBatch(11) },
		"bad event id":   func(r *dto.IngestBatchRequest) { r.Events[0].ID = "nope" },
		"repeated event": func(r *dto.IngestBatchRequest) { r.Events[1].ID = r.Events[0].ID },
		"repeated event differing in case": func(r *dto.IngestBatchRequest) {
			r.Events[1].ID = strings.ToUpper(r.Events[0].ID)
		},
		"repeated event in urn form": func(r *dto.IngestBatchRequest) {
			r.Events[1].ID = "urn:uuid:" + r.Events[0].ID
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			store := &stubEventStore{}
			svc, _, _ := newTestIngest(store, &stubHasher{})
			req := validBatch(2)
			mutate(&req)

			result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, appErrors.ErrMalformedBatch))
			assert.Equal(t, 400, appErrors.FromError(err).Status)
			assert.Equal(t, dto.RejectMalformed, result.Reason)
			assert.Zero(t, store.calls)
		})
	}
}

func TestIngestRejectsInvalidEvents(t *testing.T) {
	cases := map[string]func(*dto.IngestEvent){
		"score":       func(e *dto.IngestEvent) { e.Score = 7 },
		"category":    func(e *dto.IngestEvent) { e.Category = "stamina" },
		"interaction": func(e *dto.IngestEvent) { e.InteractionType = "Peer Help" },
		"hash":        func(e *dto.IngestEvent) { e.SubjectHash = strings.Repeat("G", 64) },
		"no subject":  func(e *dto.IngestEvent) { e.SubjectHash = "" },
		"future":      func(e *dto.IngestEvent) { e.CapturedAt = ingestNow.Add(25 * time.Hour) },
		"nested metadata": func(e *dto.IngestEvent) {
			e.Metadata["nested"] = map[string]interface{}{"a": 1}
		},
		"too many keys": func(e *dto.IngestEvent) {
			for i := 0; i < 20; i++ {
				e.Metadata[fmt.Sprintf("k%d", i)] = true
			}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			store := &stubEventStore{}
			svc, _, _ := newTestIngest(store, &stubHasher{})
			req := validBatch(2)
			mutate(&req.Events[1])

			result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, appErrors.ErrValidation))
			assert.Equal(t, dto.RejectValidation, result.Reason)
			assert.NotEmpty(t, result.Details)
			assert.Zero(t, store.calls)
		})
	}
}

func TestIngestForbidsForeignClassroom(t *testing.T) {
	store := &stubEventStore{}
	svc, _, _ := newTestIngest(store, &stubHasher{})
	req := validBatch(2)
	req.Events[1].ClassroomID = "class-9"

	result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
	assert.Zero(t, store.calls)
}

func TestIngestHashesSubjectRefServerSide(t *testing.T) {
	store := &stubEventStore{}
	hasher := &stubHasher{}
	svc, _, _ := newTestIngest(store, hasher)
	req := validBatch(1)
	req.Events[0].SubjectHash = ""
	req.Events[0].SubjectRef = "local-student-17"

	_, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
	require.NoError(t, err)
	require.Len(t, store.persisted, 1)
	assert.Equal(t, 1, hasher.calls)
	assert.True(t, anonymizer.ValidHash(store.persisted[0].SubjectHash))
	assert.NotContains(t, fmt.Sprintf("%+v", store.persisted[0]), "local-student-17")
}

func TestIngestSaltUnavailableIsRetryable(t *testing.T) {
	store := &stubEventStore{}
	svc, _, _ := newTestIngest(store, &stubHasher{err: fmt.Errorf("%w: db down", anonymizer.ErrSaltUnavailable)})
	req := validBatch(1)
	req.Events[0].SubjectHash = ""
	req.Events[0].SubjectRef = "local-student-17"

	result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, appErrors.ErrSaltUnavailable))
	assert.Equal(t, 503, appErrors.FromError(err).Status)
	assert.Zero(t, store.calls)
}

func TestIngestStoresCanonicalEventIDs(t *testing.T) {
	store := &stubEventStore{}
	svc, _, _ := newTestIngest(store, &stubHasher{})
	req := validBatch(2)
	want := []string{req.Events[0].ID, req.Events[1].ID}
	req.Events[0].ID = strings.ToUpper(req.Events[0].ID)
	req.Events[1].ID = "{" + req.Events[1].ID + "}"

	_, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
	require.NoError(t, err)
	require.Len(t, store.persisted, 2)
	assert.Equal(t, want[0], store.persisted[0].ID)
	assert.Equal(t, want[1], store.persisted[1].ID)
}

func TestIngestAcceptsUUIDLessonIDs(t *testing.T) {
	store := &stubEventStore{}
	svc, _, _ := newTestIngest(store, &stubHasher{})

	for i := 0; i < 500; i++ {
		req := validBatch(3)
		for j := range req.Events {
			lesson := uuid.NewString()
			req.Events[j].LessonID = &lesson
		}

		result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
		require.NoError(t, err, "lesson ids %s %s %s", *req.Events[0].LessonID, *req.Events[1].LessonID, *req.Events[2].LessonID)
		assert.Equal(t, dto.IngestStatusAccepted, result.Status)
	}
	assert.Len(t, store.persisted, 1500)
}

func TestIngestRejectsPhoneNumberLessonID(t *testing.T) {
	store := &stubEventStore{}
	svc, _, _ := newTestIngest(store, &stubHasher{})
	req := validBatch(2)
	lesson := "0812 3456 7890"
	req.Events[1].LessonID = &lesson

	result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrPIIDetected))
	assert.Equal(t, []string{"events[1].lessonId:phone"}, result.Details)
	assert.Zero(t, store.calls)
}

func TestIngestRejectsSubjectRefPastSaltWindow(t *testing.T) {
	store := &stubEventStore{}
	svc, _, _ := newTestIngest(store, &stubHasher{err: fmt.Errorf("%w: 2026-02-01", anonymizer.ErrSaltExpired)})
	req := validBatch(1)
	req.Events[0].SubjectHash = ""
	req.Events[0].SubjectRef = "local-student-17"

	result, err := svc.Ingest(context.Background(), deviceClaims(), req, dto.DeliveryHints{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	require.NotNil(t, result)
	assert.Equal(t, dto.RejectValidation, result.Reason)
	require.Len(t, result.Details, 1)
	assert.Contains(t, result.Details[0], "events[0].subjectRef")
	assert.NotContains(t, result.Details[0], "local-student-17")
	assert.Zero(t, store.calls)
}
