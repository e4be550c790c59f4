// Package batch groups queued events into uploads.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
)

// Source is the slice of the local store the assembler needs.
type Source interface {
	NextBatch(ctx context.Context, maxEvents, maxBytes int) ([]models.QueuedEvent, error)
	MarkInFlight(ctx context.Context, batchID string, events []models.QueuedEvent) error
}

// Limits bound a single upload.
type Limits struct {
	MaxEvents int
	MaxBytes  int
}

// Batch is an upload unit. Its ID is stable across retries of the same upload.
type Batch struct {
	ID        string
	Events    []models.QueuedEvent
	CreatedAt time.Time
}

// Request renders the batch as the ingest payload.
func (b *Batch) Request() dto.IngestBatchRequest {
	req := dto.IngestBatchRequest{BatchID: b.ID, Events: make([]dto.IngestEvent, 0, len(b.Events))}
	for _, ev := range b.Events {
		req.Events = append(req.Events, dto.FromQueued(ev))
	}
	return req
}

// Encode produces the JSON body posted to the ingest endpoint.
func Encode(b *Batch) ([]byte, error) {
	data, err := json.Marshal(b.Request())
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	return data, nil
}

// Assembler pulls the oldest eligible events into a new batch.
type Assembler struct {
	source Source
	newID  func() string
	now    func() time.Time
}

// NewAssembler constructs an Assembler over source.
func NewAssembler(source Source) *Assembler {
	return &Assembler{source: source, newID: uuid.NewString, now: time.Now}
}

// Assemble returns the next batch within limits and marks its events in flight, or nil when no
// event is eligible. Events keep capture order.
func (a *Assembler) Assemble(ctx context.Context, limits Limits) (*Batch, error) {
	events, err := a.source.NextBatch(ctx, limits.MaxEvents, limits.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("assemble batch: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	b := &Batch{ID: a.newID(), Events: events, CreatedAt: a.now().UTC()}
	if err := a.source.MarkInFlight(ctx, b.ID, events); err != nil {
		return nil, fmt.Errorf("assemble batch: %w", err)
	}
	return b, nil
}

// Resume rebuilds the batch that was in flight when the device stopped, keeping its ID so the
// server can deduplicate a delivery that succeeded before the restart.
func Resume(batchID string, events []models.QueuedEvent, createdAt time.Time) *Batch {
	return &Batch{ID: batchID, Events: events, CreatedAt: createdAt}
}
