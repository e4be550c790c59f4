package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Category enumerates the behavioral dimensions an event can score.
type Category string

const (
	CategoryEmpathy       Category = "empathy"
	CategoryConfidence    Category = "confidence"
	CategoryCommunication Category = "communication"
	CategoryLeadership    Category = "leadership"
	CategoryKindness      Category = "kindness"
	CategoryCourage       Category = "courage"
)

// Categories lists every recognised category in canonical order.
var Categories = []Category{
	CategoryEmpathy,
	CategoryConfidence,
	CategoryCommunication,
	CategoryLeadership,
	CategoryKindness,
	CategoryCourage,
}

// Valid reports whether c is a recognised category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

const (
	MinScore = 1
	MaxScore = 5
)

// Event is one persisted behavioral observation. It never carries identifying fields.
type Event struct {
	ID              string        `db:"id" json:"id"`
	BatchID         string        `db:"batch_id" json:"batchId"`
	ClassroomID     string        `db:"classroom_id" json:"classroomId"`
	LessonID        *string       `db:"lesson_id" json:"lessonId,omitempty"`
	Category        Category      `db:"category" json:"category"`
	InteractionType string        `db:"interaction_type" json:"interactionType"`
	Score           int           `db:"score" json:"score"`
	Metadata        EventMetadata `db:"metadata" json:"metadata,omitempty"`
	GrowthIndicator bool          `db:"growth_indicator" json:"growthIndicator"`
	SubjectHash     string        `db:"subject_hash" json:"subjectHash"`
	CapturedAt      time.Time     `db:"captured_at" json:"capturedAt"`
	ReceivedAt      time.Time     `db:"received_at" json:"receivedAt"`
}

// LessonKey returns the rollup lesson key for the event.
func (e Event) LessonKey() string {
	if e.LessonID == nil || *e.LessonID == "" {
		return LessonKeyAll
	}
	return *e.LessonID
}

// EventMetadata is the bounded free-form map attached to an event, stored as JSONB.
type EventMetadata map[string]interface{}

// Value marshals metadata to JSON for persistence.
func (m EventMetadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal event metadata: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the metadata map.
func (m *EventMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = EventMetadata{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for EventMetadata", value)
	}
	if len(data) == 0 {
		*m = EventMetadata{}
		return nil
	}
	out := EventMetadata{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal event metadata: %w", err)
	}
	*m = out
	return nil
}

// LedgerEntry records an accepted batch id for the dedup window. Contents are never kept.
type LedgerEntry struct {
	BatchID     string    `db:"batch_id" json:"batchId"`
	ClassroomID string    `db:"classroom_id" json:"classroomId"`
	EventCount  int       `db:"event_count" json:"eventCount"`
	ReceivedAt  time.Time `db:"received_at" json:"receivedAt"`
}
