package export

import (
	"strconv"
	"time"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

// RollupDataset flattens rollup records into export rows with one count column per category.
func RollupDataset(records []models.RollupRecord) Dataset {
	headers := []string{"classroom", "lesson", "bucket_start", "events", "mean_score", "growth"}
	for _, c := range models.Categories {
		headers = append(headers, string(c))
	}
	headers = append(headers, "computed_at", "stale")

	rows := make([]map[string]string, 0, len(records))
	for _, r := range records {
		row := map[string]string{
			"classroom":    r.ClassroomID,
			"lesson":       r.LessonKey,
			"bucket_start": r.BucketStart.UTC().Format(time.RFC3339),
			"events":       strconv.Itoa(r.EventCount),
			"mean_score":   strconv.FormatFloat(r.MeanScore, 'f', 2, 64),
			"growth":       strconv.Itoa(r.GrowthCount),
			"computed_at":  r.ComputedAt.UTC().Format(time.RFC3339),
			"stale":        strconv.FormatBool(r.Stale),
		}
		for _, c := range models.Categories {
			row[string(c)] = strconv.Itoa(r.Categories[c].Count)
		}
		rows = append(rows, row)
	}
	return Dataset{Headers: headers, Rows: rows}
}
