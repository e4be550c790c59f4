package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
)

type fakeSource struct {
	events    []models.QueuedEvent
	maxEvents int
	maxBytes  int
	marked    string
	markErr   error
}

func (f *fakeSource) NextBatch(_ context.Context, maxEvents, maxBytes int) ([]models.QueuedEvent, error) {
	f.maxEvents = maxEvents
	f.maxBytes = maxBytes
	if len(f.events) > maxEvents {
		return f.events[:maxEvents], nil
	}
	return f.events, nil
}

func (f *fakeSource) MarkInFlight(_ context.Context, batchID string, _ []models.QueuedEvent) error {
	f.marked = batchID
	return f.markErr
}

func TestAssembleStampsIDAndMarksInFlight(t *testing.T) {
	lesson := "lesson-1"
	source := &fakeSource{events: []models.QueuedEvent{
		{Seq: 1, ID: "e1", ClassroomID: "class-a", LessonID: &lesson, Category: models.CategoryKindness, Score: 4, PendingSubject: "leak", State: models.QueueStateQueued},
		{Seq: 2, ID: "e2", ClassroomID: "class-a", Category: models.CategoryCourage, Score: 2, State: models.QueueStateQueued},
		{Seq: 3, ID: "e3", ClassroomID: "class-a", Category: models.CategoryCourage, Score: 3, State: models.QueueStateQueued},
	}}
	assembler := NewAssembler(source)
	assembler.newID = func() string { return "batch-1" }

	b, err := assembler.Assemble(context.Background(), Limits{MaxEvents: 2, MaxBytes: 4096})
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Equal(t, "batch-1", b.ID)
	assert.Equal(t, "batch-1", source.marked)
	assert.Equal(t, 2, source.maxEvents)
	assert.Equal(t, 4096, source.maxBytes)
	require.Len(t, b.Events, 2)
	assert.Equal(t, "e1", b.Events[0].ID)

	body, err := Encode(b)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "leak")
	assert.NotContains(t, string(body), "state")

	var req dto.IngestBatchRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "batch-1", req.BatchID)
	require.Len(t, req.Events, 2)
	assert.Equal(t, "lesson-1", *req.Events[0].LessonID)
	assert.Equal(t, "kindness", req.Events[0].Category)
}

func TestAssembleEmptyQueue(t *testing.T) {
	source := &fakeSource{}
	b, err := NewAssembler(source).Assemble(context.Background(), Limits{MaxEvents: 10})
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Empty(t, source.marked)
}

func TestAssemblePropagatesMarkFailure(t *testing.T) {
	source := &fakeSource{
		events:  []models.QueuedEvent{{Seq: 1, ID: "e1"}},
		markErr: errors.New("another batch is in flight"),
	}
	_, err := NewAssembler(source).Assemble(context.Background(), Limits{MaxEvents: 10})
	assert.Error(t, err)
}

func TestResumeKeepsBatchID(t *testing.T) {
	created := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	b := Resume("batch-9", []models.QueuedEvent{{ID: "e1"}}, created)
	assert.Equal(t, "batch-9", b.Request().BatchID)
	assert.Equal(t, created, b.CreatedAt)
}
