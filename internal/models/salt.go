package models

import "time"

// DayLayout formats the UTC calendar day a salt belongs to.
const DayLayout = "2006-01-02"

// DailySalt is the per-day secret mixed into subject hashes.
type DailySalt struct {
	Day       string    `db:"day" json:"day"`
	Value     []byte    `db:"value" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// DayOf returns the UTC calendar day for t.
func DayOf(t time.Time) string {
	return t.UTC().Format(DayLayout)
}
