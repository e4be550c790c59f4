package dto

import "time"

// RollupQuery carries GET /rollups filters after parsing.
type RollupQuery struct {
	ClassroomIDs []string  `json:"classroomIds" validate:"required,min=1,dive,required"`
	LessonID     string    `json:"lessonId,omitempty"`
	From         time.Time `json:"from" validate:"required"`
	To           time.Time `json:"to" validate:"required,gtfield=From"`
	Category     string    `json:"category,omitempty" validate:"omitempty,category"`
}

// RebuildRequest is the POST /admin/aggregation/rebuild payload.
type RebuildRequest struct {
	ClassroomIDs []string  `json:"classroomIds" validate:"required,min=1,dive,required"`
	From         time.Time `json:"from" validate:"required"`
	To           time.Time `json:"to" validate:"required,gtfield=From"`
}

// RebuildSummary reports what a rebuild touched.
type RebuildSummary struct {
	Buckets    int   `json:"buckets"`
	Recomputed int   `json:"recomputed"`
	Sealed     int   `json:"sealed"`
	DurationMs int64 `json:"durationMs"`
}

// RollupExport is a rendered export file.
type RollupExport struct {
	Filename    string
	ContentType string
	Body        []byte
}
