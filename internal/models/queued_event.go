package models

import "time"

// QueueState is the on-device lifecycle state of a captured event.
type QueueState string

const (
	QueueStateQueued       QueueState = "queued"
	QueueStateInFlight     QueueState = "in_flight"
	QueueStateAwaitingHash QueueState = "awaiting_hash"
)

// QueuedEvent is an event held in the device's local store until the server acknowledges it.
type QueuedEvent struct {
	Seq             uint64        `json:"seq"`
	ID              string        `json:"id"`
	ClassroomID     string        `json:"classroomId"`
	LessonID        *string       `json:"lessonId,omitempty"`
	Category        Category      `json:"category"`
	InteractionType string        `json:"interactionType"`
	Score           int           `json:"score"`
	Metadata        EventMetadata `json:"metadata,omitempty"`
	GrowthIndicator bool          `json:"growthIndicator"`
	SubjectHash     string        `json:"subjectHash,omitempty"`
	CapturedAt      time.Time     `json:"capturedAt"`
	State           QueueState    `json:"state"`
	BatchID         string        `json:"batchId,omitempty"`
	Attempts        int           `json:"attempts,omitempty"`

	// PendingSubject holds the local subject id only while no salt is available. It never
	// leaves the device and is cleared once the hash is computed.
	PendingSubject string `json:"pendingSubject,omitempty"`
}
