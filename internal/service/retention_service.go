package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/internal/repository"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
	"github.com/noah-isme/engagement-pipeline/pkg/tracing"
)

// Fixed retention steps that follow the per-policy steps.
const (
	StepSalts  = "salts"
	StepLedger = "ledger"
)

type retentionStore interface {
	TryLock(ctx context.Context, key int64) (*repository.RetentionLock, error)
	LatestRun(ctx context.Context) (*models.RetentionRun, error)
	LatestRunInScope(ctx context.Context, scope string) (*models.RetentionRun, error)
	CreateRun(ctx context.Context, run *models.RetentionRun) error
	ResumeRun(ctx context.Context, id string) error
	MarkStep(ctx context.Context, id, step string, summary models.RetentionSummary) error
	FinishRun(ctx context.Context, id string, status models.RetentionRunStatus, summary models.RetentionSummary, runErr *string, finishedAt time.Time) error
	Archive(ctx context.Context, table models.RetentionTable, cutoff, archivedAt time.Time) (int64, error)
	PurgeArchive(ctx context.Context, table models.RetentionTable, cutoff time.Time) (int64, error)
	PruneLedger(ctx context.Context, cutoff time.Time) (int64, error)
}

type saltPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type saltForgetter interface {
	Forget(cutoff time.Time)
}

type auditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuditMeta carries request details recorded with administrative changes.
type AuditMeta struct {
	IPAddress string
	UserAgent string
}

// RetentionService archives and purges aged data according to configured policies.
type RetentionService struct {
	store      retentionStore
	salts      saltPruner
	forgetter  saltForgetter
	audit      auditRecorder
	metrics    *MetricsService
	cfg        config.RetentionConfig
	saltWindow time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.RWMutex
	policies []models.RetentionPolicy
}

// NewRetentionService constructs the retention executor.
func NewRetentionService(store retentionStore, salts saltPruner, forgetter saltForgetter, audit auditRecorder, metrics *MetricsService, policies []models.RetentionPolicy, cfg config.RetentionConfig, saltWindow time.Duration, logger *zap.Logger) *RetentionService {
	if cfg.LedgerTTL <= 0 {
		cfg.LedgerTTL = 72 * time.Hour
	}
	if saltWindow <= 0 {
		saltWindow = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(policies) == 0 {
		policies = DefaultRetentionPolicies()
	}
	owned := append([]models.RetentionPolicy(nil), policies...)
	sortPolicies(owned)
	return &RetentionService{
		store:      store,
		salts:      salts,
		forgetter:  forgetter,
		audit:      audit,
		metrics:    metrics,
		cfg:        cfg,
		saltWindow: saltWindow,
		logger:     logger,
		now:        time.Now,
		policies:   owned,
	}
}

// Policies returns a copy of the active policies sorted by name.
func (s *RetentionService) Policies() []models.RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.RetentionPolicy(nil), s.policies...)
}

// EventCutoff returns the capture time before which raw events may have been archived: now minus
// the shortest active retention among enabled event policies. It reports false when no enabled
// policy archives events.
func (s *RetentionService) EventCutoff(now time.Time) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var shortest time.Duration
	for _, p := range s.policies {
		if !p.Enabled || p.Table != models.RetentionTableEvents {
			continue
		}
		if shortest == 0 || p.ActiveRetention < shortest {
			shortest = p.ActiveRetention
		}
	}
	if shortest == 0 {
		return time.Time{}, false
	}
	return now.UTC().Add(-shortest), true
}

// UpdatePolicy changes the horizons of a policy and records the change in the audit log.
func (s *RetentionService) UpdatePolicy(ctx context.Context, actor, name string, req dto.PolicyUpdateRequest, meta AuditMeta) (*models.RetentionPolicy, error) {
	active, err := time.ParseDuration(req.ActiveRetention)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "activeRetention must be a duration such as 2160h")
	}
	archive, err := time.ParseDuration(req.ArchiveRetention)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "archiveRetention must be a duration such as 8760h")
	}

	s.mu.Lock()
	idx := -1
	for i := range s.policies {
		if s.policies[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("retention policy %s not found", name))
	}
	previous := s.policies[idx]
	updated := previous
	updated.ActiveRetention = active
	updated.ArchiveRetention = archive
	if req.Enabled != nil {
		updated.Enabled = *req.Enabled
	}
	if err := updated.Validate(); err != nil {
		s.mu.Unlock()
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	s.policies[idx] = updated
	s.mu.Unlock()

	s.logger.Info("retention policy updated",
		zap.String("policy", name),
		zap.String("actor", actor),
		zap.Duration("active", active),
		zap.Duration("archive", archive),
		zap.Bool("enabled", updated.Enabled),
	)
	s.recordAudit(ctx, actor, models.AuditActionRetentionPolicy, name, previous, updated, meta)
	return &updated, nil
}

func (s *RetentionService) recordAudit(ctx context.Context, actor, action, resourceID string, oldValue, newValue interface{}, meta AuditMeta) {
	if s.audit == nil {
		return
	}
	oldJSON, _ := json.Marshal(oldValue)
	newJSON, _ := json.Marshal(newValue)
	var userID *string
	if actor != "" {
		userID = &actor
	}
	if err := s.audit.CreateAuditLog(ctx, &models.AuditLog{
		UserID:     userID,
		Action:     action,
		Resource:   "retention_policy",
		ResourceID: &resourceID,
		OldValues:  oldJSON,
		NewValues:  newJSON,
		IPAddress:  meta.IPAddress,
		UserAgent:  meta.UserAgent,
	}); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}

type retentionStep struct {
	name   string
	policy *models.RetentionPolicy
	kind   string
}

func (s *RetentionService) plan(policyName *string) ([]retentionStep, error) {
	policies := s.Policies()
	var steps []retentionStep
	found := false
	for i := range policies {
		p := policies[i]
		if policyName != nil {
			if p.Name != *policyName {
				continue
			}
			found = true
		}
		if !p.Enabled {
			continue
		}
		steps = append(steps,
			retentionStep{name: "archive:" + p.Name, policy: &p, kind: "archive"},
			retentionStep{name: "purge:" + p.Name, policy: &p, kind: "purge"},
		)
	}
	if policyName != nil {
		if !found {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("retention policy %s not found", *policyName))
		}
		return steps, nil
	}
	steps = append(steps, retentionStep{name: StepSalts, kind: StepSalts}, retentionStep{name: StepLedger, kind: StepLedger})
	return steps, nil
}

// Run executes one retention pass. A full run (policyName nil) resumes the latest unfinished
// run with its original reference time and skips the steps it already completed. Each step
// runs to completion even if ctx is cancelled; cancellation is honoured between steps.
func (s *RetentionService) Run(ctx context.Context, policyName *string) (*models.RetentionSummary, error) {
	steps, err := s.plan(policyName)
	if err != nil {
		return nil, err
	}

	lock, err := s.store.TryLock(ctx, s.cfg.LockKey)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire retention lock")
	}
	if lock == nil {
		return nil, appErrors.ErrRetentionBusy
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release retention lock", zap.Error(err))
		}
	}()

	run, err := s.startRun(ctx, models.RetentionScope(policyName), policyName == nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to start retention run")
	}

	started := time.Now()
	summary := run.Summary
	summary.RunID = run.ID
	summary.ReferenceTime = run.ReferenceTime
	summary.Status = models.RetentionRunRunning

	persistCtx := context.WithoutCancel(ctx)
	for _, step := range steps {
		if run.StepDone(step.name) {
			s.logger.Info("retention step already completed, skipping", zap.String("run_id", run.ID), zap.String("step", step.name))
			continue
		}
		if ctx.Err() != nil {
			return s.finish(persistCtx, run, &summary, started, models.RetentionRunCancelled, ctx.Err())
		}

		result, err := s.execute(persistCtx, run, step)
		if err != nil {
			return s.finish(persistCtx, run, &summary, started, models.RetentionRunFailed, fmt.Errorf("step %s: %w", step.name, err))
		}
		switch step.kind {
		case StepSalts:
			summary.SaltsPruned += result.Purged
		case StepLedger:
			summary.LedgerPruned += result.Purged
		}
		summary.Add(result)
		if err := s.store.MarkStep(persistCtx, run.ID, step.name, summary); err != nil {
			return s.finish(persistCtx, run, &summary, started, models.RetentionRunFailed, fmt.Errorf("record step %s: %w", step.name, err))
		}
		run.CompletedSteps = append(run.CompletedSteps, step.name)
	}

	return s.finish(persistCtx, run, &summary, started, models.RetentionRunCompleted, nil)
}

func (s *RetentionService) startRun(ctx context.Context, scope string, resumable bool) (*models.RetentionRun, error) {
	if resumable {
		latest, err := s.store.LatestRunInScope(ctx, scope)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Status != models.RetentionRunCompleted {
			if err := s.store.ResumeRun(ctx, latest.ID); err != nil {
				return nil, err
			}
			latest.Status = models.RetentionRunRunning
			latest.Summary.Resumed = true
			s.logger.Info("resuming retention run",
				zap.String("run_id", latest.ID),
				zap.Time("reference_time", latest.ReferenceTime),
				zap.Strings("completed_steps", latest.CompletedSteps),
			)
			return latest, nil
		}
	}

	now := s.now().UTC()
	run := &models.RetentionRun{
		ID:            uuid.NewString(),
		ReferenceTime: now,
		Scope:         scope,
		Status:        models.RetentionRunRunning,
		StartedAt:     now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *RetentionService) execute(ctx context.Context, run *models.RetentionRun, step retentionStep) (result models.RetentionStepResult, err error) {
	ctx, span := tracing.Start(ctx, "retention.step",
		attribute.String("retention.run_id", run.ID),
		attribute.String("retention.step", step.name),
	)
	start := time.Now()
	defer func() {
		tracing.End(span, err)
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	result.Step = step.name
	ref := run.ReferenceTime
	switch step.kind {
	case "archive":
		result.Archived, err = s.store.Archive(ctx, step.policy.Table, ref.Add(-step.policy.ActiveRetention), s.now().UTC())
	case "purge":
		result.Purged, err = s.store.PurgeArchive(ctx, step.policy.Table, ref.Add(-step.policy.ArchiveRetention))
	case StepSalts:
		cutoff := ref.Add(-s.saltWindow)
		result.Purged, err = s.salts.DeleteBefore(ctx, cutoff)
		if err == nil && s.forgetter != nil {
			s.forgetter.Forget(cutoff)
		}
	case StepLedger:
		result.Purged, err = s.store.PruneLedger(ctx, ref.Add(-s.cfg.LedgerTTL))
	default:
		err = fmt.Errorf("unknown retention step %s", step.name)
	}
	return result, err
}

func (s *RetentionService) finish(ctx context.Context, run *models.RetentionRun, summary *models.RetentionSummary, started time.Time, status models.RetentionRunStatus, runErr error) (*models.RetentionSummary, error) {
	summary.Status = status
	summary.DurationMs = time.Since(started).Milliseconds()

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := s.store.FinishRun(ctx, run.ID, status, *summary, errMsg, s.now().UTC()); err != nil {
		s.logger.Error("failed to store retention run outcome", zap.String("run_id", run.ID), zap.Error(err))
	}
	s.metrics.RecordRetention(string(status), summary.RowsArchived, summary.RowsPurged, summary.SaltsPruned, summary.LedgerPruned)

	fields := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.Bool("resumed", summary.Resumed),
		zap.Time("reference_time", run.ReferenceTime),
		zap.Int64("rows_archived", summary.RowsArchived),
		zap.Int64("rows_purged", summary.RowsPurged),
		zap.Int64("salts_pruned", summary.SaltsPruned),
		zap.Int64("ledger_pruned", summary.LedgerPruned),
		zap.Strings("completed_steps", run.CompletedSteps),
		zap.Duration("duration", time.Since(started)),
	}

	switch status {
	case models.RetentionRunCompleted:
		s.logger.Info("retention run completed", fields...)
		return summary, nil
	case models.RetentionRunCancelled:
		s.logger.Warn("retention run cancelled between steps", fields...)
		return summary, fmt.Errorf("retention run %s cancelled: %w", run.ID, runErr)
	default:
		s.logger.Error("retention run failed", append(fields, zap.Error(runErr))...)
		return summary, appErrors.Wrap(runErr, appErrors.ErrRetentionFailure.Code, appErrors.ErrRetentionFailure.Status, appErrors.ErrRetentionFailure.Message)
	}
}

// LatestRun exposes the most recent run for health reporting.
func (s *RetentionService) LatestRun(ctx context.Context) (*models.RetentionRun, error) {
	return s.store.LatestRun(ctx)
}

// RetentionMonitor tracks scheduled run outcomes.
type RetentionMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastFailure       time.Time
	lastError         string
	consecutiveErrors int
}

// RetentionMonitorStatus is a snapshot of the monitor.
type RetentionMonitorStatus struct {
	LastSuccess       *time.Time `json:"lastSuccess,omitempty"`
	LastFailure       *time.Time `json:"lastFailure,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`
}

// RecordSuccess notes a successful run.
func (m *RetentionMonitor) RecordSuccess(at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = at
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure notes a failed attempt.
func (m *RetentionMonitor) RecordFailure(at time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFailure = at
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// Status returns the current snapshot.
func (m *RetentionMonitor) Status() RetentionMonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := RetentionMonitorStatus{LastError: m.lastError, ConsecutiveErrors: m.consecutiveErrors}
	if !m.lastSuccess.IsZero() {
		at := m.lastSuccess
		status.LastSuccess = &at
	}
	if !m.lastFailure.IsZero() {
		at := m.lastFailure
		status.LastFailure = &at
	}
	return status
}

type retentionRunner interface {
	Run(ctx context.Context, policyName *string) (*models.RetentionSummary, error)
}

// RetentionScheduler triggers full retention runs on an interval and retries failures with
// exponential backoff before waiting for the next tick.
type RetentionScheduler struct {
	runner     retentionRunner
	monitor    *RetentionMonitor
	interval   time.Duration
	maxRetries int
	baseDelay  time.Duration
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewRetentionScheduler constructs a scheduler.
func NewRetentionScheduler(runner retentionRunner, cfg config.RetentionConfig, logger *zap.Logger) *RetentionScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 7 * 24 * time.Hour
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionScheduler{
		runner:     runner,
		monitor:    &RetentionMonitor{},
		interval:   cfg.Interval,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBackoff,
		logger:     logger,
	}
}

// Monitor returns the scheduler's outcome monitor.
func (s *RetentionScheduler) Monitor() *RetentionMonitor {
	return s.monitor
}

// Start launches the schedule loop until ctx is cancelled.
func (s *RetentionScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.logger.Info("retention scheduler started", zap.Duration("interval", s.interval))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("retention scheduler stopped")
				return
			case <-ticker.C:
				s.RunWithRetry(ctx)
			}
		}
	}()
}

// Wait blocks until the schedule loop exits.
func (s *RetentionScheduler) Wait() {
	s.wg.Wait()
}

// RunWithRetry performs one scheduled run, retrying failures with delays of base, 2×base, 4×base.
// A busy lock is not retried since another instance is already doing the work.
func (s *RetentionScheduler) RunWithRetry(ctx context.Context) {
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.baseDelay * time.Duration(1<<(attempt-1))
			s.logger.Info("retrying retention run", zap.Duration("delay", delay), zap.Int("attempt", attempt+1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		summary, err := s.runner.Run(ctx, nil)
		if err == nil {
			s.monitor.RecordSuccess(time.Now().UTC())
			return
		}
		if errors.Is(err, appErrors.ErrRetentionBusy) {
			s.logger.Info("retention run skipped, another instance holds the lock")
			return
		}
		s.monitor.RecordFailure(time.Now().UTC(), err)
		status := s.monitor.Status()
		s.logger.Warn("scheduled retention run failed",
			zap.Int("attempt", attempt+1),
			zap.Int("consecutive_errors", status.ConsecutiveErrors),
			zap.Error(err),
		)
		if summary != nil && summary.Status == models.RetentionRunCancelled {
			return
		}
	}
	s.logger.Error("retention run failed after retries, waiting for next schedule", zap.Int("attempts", s.maxRetries+1))
}

