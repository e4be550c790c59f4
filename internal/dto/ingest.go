package dto

import (
	"time"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

// IngestEvent is one event inside an uploaded batch. Exactly one of SubjectHash and SubjectRef
// is expected; SubjectRef is hashed server side and never stored.
type IngestEvent struct {
	ID              string                 `json:"id"`
	ClassroomID     string                 `json:"classroomId" validate:"required,max=64"`
	LessonID        *string                `json:"lessonId,omitempty" validate:"omitempty,min=1,max=64"`
	Category        string                 `json:"category" validate:"required,category"`
	InteractionType string                 `json:"interactionType" validate:"required,interaction_type"`
	Score           int                    `json:"score" validate:"min=1,max=5"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	GrowthIndicator bool                   `json:"growthIndicator"`
	SubjectHash     string                 `json:"subjectHash,omitempty"`
	SubjectRef      string                 `json:"subjectRef,omitempty" validate:"omitempty,max=128"`
	CapturedAt      time.Time              `json:"capturedAt" validate:"required"`
}

// IngestBatchRequest is the POST /ingest/batches payload.
type IngestBatchRequest struct {
	BatchID string        `json:"batchId"`
	Events  []IngestEvent `json:"events"`
}

// DeliveryHints are the optional sync headers a device sends with a batch.
type DeliveryHints struct {
	Attempt    int
	QueueDepth int64
}

// Ingest result statuses.
const (
	IngestStatusAccepted = "accepted"
	IngestStatusRejected = "rejected"
)

// Rejection reasons.
const (
	RejectValidation  = "validation"
	RejectPIIDetected = "pii-detected"
	RejectMalformed   = "malformed"
)

// IngestResult is returned for both accepted and rejected batches.
type IngestResult struct {
	Status    string   `json:"status"`
	BatchID   string   `json:"batchId"`
	Accepted  int      `json:"accepted"`
	Duplicate bool     `json:"duplicate"`
	Reason    string   `json:"reason,omitempty"`
	Details   []string `json:"details,omitempty"`
}

// FromQueued converts a device-side queued event into its wire form. Device-only fields such as
// the queue state and any pending local subject id are never copied.
func FromQueued(ev models.QueuedEvent) IngestEvent {
	var metadata map[string]interface{}
	if len(ev.Metadata) > 0 {
		metadata = map[string]interface{}(ev.Metadata)
	}
	return IngestEvent{
		ID:              ev.ID,
		ClassroomID:     ev.ClassroomID,
		LessonID:        ev.LessonID,
		Category:        string(ev.Category),
		InteractionType: ev.InteractionType,
		Score:           ev.Score,
		Metadata:        metadata,
		GrowthIndicator: ev.GrowthIndicator,
		SubjectHash:     ev.SubjectHash,
		CapturedAt:      ev.CapturedAt,
	}
}
