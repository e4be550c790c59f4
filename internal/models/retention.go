package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RetentionTable names a logical table governed by a retention policy.
type RetentionTable string

const (
	RetentionTableEvents  RetentionTable = "events"
	RetentionTableRollups RetentionTable = "rollups"
)

// RetentionPolicy declares active and archive horizons for one logical table.
type RetentionPolicy struct {
	Name             string         `json:"name" yaml:"name"`
	Table            RetentionTable `json:"table" yaml:"table"`
	ActiveRetention  time.Duration  `json:"activeRetention" yaml:"-"`
	ArchiveRetention time.Duration  `json:"archiveRetention" yaml:"-"`
	Enabled          bool           `json:"enabled" yaml:"enabled"`
}

// Validate checks horizon ordering.
func (p RetentionPolicy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Table != RetentionTableEvents && p.Table != RetentionTableRollups {
		return fmt.Errorf("policy %s: unknown table %q", p.Name, p.Table)
	}
	if p.ActiveRetention <= 0 {
		return fmt.Errorf("policy %s: active retention must be positive", p.Name)
	}
	if p.ActiveRetention >= p.ArchiveRetention {
		return fmt.Errorf("policy %s: active retention must be shorter than archive retention", p.Name)
	}
	return nil
}

// RetentionScopeAll is the scope of a full run covering every policy and the housekeeping steps.
const RetentionScopeAll = "all"

// RetentionScope returns the run scope for a single policy, or RetentionScopeAll for nil.
func RetentionScope(policyName *string) string {
	if policyName == nil {
		return RetentionScopeAll
	}
	return "policy:" + *policyName
}

// RetentionRunStatus tracks a run's lifecycle.
type RetentionRunStatus string

const (
	RetentionRunRunning   RetentionRunStatus = "running"
	RetentionRunCompleted RetentionRunStatus = "completed"
	RetentionRunFailed    RetentionRunStatus = "failed"
	RetentionRunCancelled RetentionRunStatus = "cancelled"
)

// RetentionStepResult is the outcome of one retention step.
type RetentionStepResult struct {
	Step       string `json:"step"`
	Archived   int64  `json:"archived"`
	Purged     int64  `json:"purged"`
	DurationMs int64  `json:"durationMs"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// RetentionSummary aggregates a run for audit logging and the admin API.
type RetentionSummary struct {
	RunID         string                `json:"runId"`
	ReferenceTime time.Time             `json:"referenceTime"`
	Status        RetentionRunStatus    `json:"status"`
	Resumed       bool                  `json:"resumed"`
	Steps         []RetentionStepResult `json:"steps"`
	RowsArchived  int64                 `json:"rowsArchived"`
	RowsPurged    int64                 `json:"rowsPurged"`
	SaltsPruned   int64                 `json:"saltsPruned"`
	LedgerPruned  int64                 `json:"ledgerPruned"`
	DurationMs    int64                 `json:"durationMs"`
}

// Add folds a step result into the totals.
func (s *RetentionSummary) Add(step RetentionStepResult) {
	s.Steps = append(s.Steps, step)
	s.RowsArchived += step.Archived
	s.RowsPurged += step.Purged
}

// Value marshals the summary into JSONB.
func (s RetentionSummary) Value() (driver.Value, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal retention summary: %w", err)
	}
	return data, nil
}

// Scan unmarshals a JSONB summary.
func (s *RetentionSummary) Scan(value interface{}) error {
	if value == nil {
		*s = RetentionSummary{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for RetentionSummary", value)
	}
	if len(data) == 0 {
		*s = RetentionSummary{}
		return nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("unmarshal retention summary: %w", err)
	}
	return nil
}

// RetentionRun persists progress so an interrupted run can resume with the same horizons.
type RetentionRun struct {
	ID             string             `db:"id" json:"id"`
	ReferenceTime  time.Time          `db:"reference_time" json:"referenceTime"`
	Scope          string             `db:"scope" json:"scope"`
	Status         RetentionRunStatus `db:"status" json:"status"`
	CompletedSteps []string           `db:"-" json:"completedSteps"`
	Summary        RetentionSummary   `db:"summary" json:"summary"`
	Error          *string            `db:"error" json:"error,omitempty"`
	StartedAt      time.Time          `db:"started_at" json:"startedAt"`
	FinishedAt     *time.Time         `db:"finished_at" json:"finishedAt,omitempty"`
}

// StepDone reports whether a step already completed in this run.
func (r *RetentionRun) StepDone(step string) bool {
	for _, s := range r.CompletedSteps {
		if s == step {
			return true
		}
	}
	return false
}
