package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// LessonKeyAll identifies the classroom-wide rollup across every lesson.
const LessonKeyAll = "*"

// CategoryStat is the per-category slice of a rollup.
type CategoryStat struct {
	Count     int     `json:"count"`
	ScoreSum  int     `json:"scoreSum"`
	MeanScore float64 `json:"meanScore"`
}

// CategoryBreakdown maps categories to their statistics. encoding/json sorts map keys, so the
// serialized form is stable.
type CategoryBreakdown map[Category]CategoryStat

// Value marshals the breakdown for persistence.
func (b CategoryBreakdown) Value() (driver.Value, error) {
	if b == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal category breakdown: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSONB breakdown.
func (b *CategoryBreakdown) Scan(value interface{}) error {
	if value == nil {
		*b = CategoryBreakdown{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for CategoryBreakdown", value)
	}
	out := CategoryBreakdown{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("unmarshal category breakdown: %w", err)
		}
	}
	*b = out
	return nil
}

// RollupKey addresses one aggregation bucket.
type RollupKey struct {
	ClassroomID string    `db:"classroom_id" json:"classroomId"`
	LessonKey   string    `db:"lesson_key" json:"lessonKey"`
	BucketStart time.Time `db:"bucket_start" json:"bucketStart"`
}

// String renders the key used for work-queue serialization and cache tags.
func (k RollupKey) String() string {
	return k.ClassroomID + "|" + k.LessonKey + "|" + k.BucketStart.UTC().Format(time.RFC3339)
}

// BucketStart floors t to a bucket of the given size aligned on the Unix epoch,
// matching floor(epoch / size) * size on the database side.
func BucketStart(t time.Time, size time.Duration) time.Time {
	secs := int64(size / time.Second)
	if secs <= 0 {
		secs = 3600
	}
	unix := t.UTC().Unix()
	start := unix - ((unix%secs)+secs)%secs
	return time.Unix(start, 0).UTC()
}

// RollupRecord holds aggregated, non-identifying statistics for a scope and time bucket.
// Watermark is the latest receive time among contributing events and is derived from the data,
// so recomputing the same events yields the same record; ComputedAt records when that happened.
type RollupRecord struct {
	ClassroomID   string            `db:"classroom_id" json:"classroomId"`
	LessonKey     string            `db:"lesson_key" json:"lessonKey"`
	BucketStart   time.Time         `db:"bucket_start" json:"bucketStart"`
	BucketSeconds int               `db:"bucket_seconds" json:"bucketSeconds"`
	EventCount    int               `db:"event_count" json:"eventCount"`
	ScoreSum      int               `db:"score_sum" json:"scoreSum"`
	MeanScore     float64           `db:"mean_score" json:"meanScore"`
	GrowthCount   int               `db:"growth_count" json:"growthCount"`
	Categories    CategoryBreakdown `db:"categories" json:"categories"`
	Watermark     time.Time         `db:"watermark" json:"watermark"`
	ComputedAt    time.Time         `db:"computed_at" json:"computedAt"`
	Pending       bool              `db:"pending" json:"-"`
	Stale         bool              `db:"-" json:"stale"`
}

// Key returns the bucket key of the record.
func (r RollupRecord) Key() RollupKey {
	return RollupKey{ClassroomID: r.ClassroomID, LessonKey: r.LessonKey, BucketStart: r.BucketStart}
}

// CategoryAggregate is one raw GROUP BY row feeding a rollup.
type CategoryAggregate struct {
	Category     Category  `db:"category"`
	EventCount   int       `db:"event_count"`
	ScoreSum     int       `db:"score_sum"`
	GrowthCount  int       `db:"growth_count"`
	LastReceived time.Time `db:"last_received"`
}

// RollupFilter scopes dashboard reads.
type RollupFilter struct {
	ClassroomIDs []string
	LessonKey    string
	From         time.Time
	To           time.Time
	Category     *Category
}
