// Package syncer drives delivery of queued events to the ingest API.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/noah-isme/engagement-pipeline/internal/device/batch"
	"github.com/noah-isme/engagement-pipeline/internal/device/localstore"
	"github.com/noah-isme/engagement-pipeline/internal/device/transport"
	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
)

// State is the coordinator's position in the upload cycle.
type State string

const (
	StateIdle         State = "idle"
	StateAssembling   State = "assembling"
	StateUploading    State = "uploading"
	StateAwaitingAck  State = "awaiting_ack"
	StateAcknowledged State = "acknowledged"
	StateRetrying     State = "retrying"
)

const pendingHashLimit = 100

// settleAction is a local store change still owed for the current batch after the store
// refused it once.
type settleAction string

const (
	settleNone    settleAction = ""
	settleDiscard settleAction = "discard"
	settleRequeue settleAction = "requeue"
)

// Store is the part of the local event store the coordinator drives.
type Store interface {
	batch.Source
	InFlight(ctx context.Context) (*localstore.InFlightBatch, error)
	Ack(ctx context.Context, batchID string) error
	Requeue(ctx context.Context, batchID string) error
	Depth() (int, error)
	PendingHash(ctx context.Context, limit int) ([]models.QueuedEvent, error)
	UpdateHash(ctx context.Context, seq uint64, hash string) error
}

// Hasher computes subject hashes for events captured while no salt was available.
type Hasher interface {
	Hash(ctx context.Context, subjectLocalID, classroomScope string, date time.Time) (string, error)
}

// Status is a point-in-time view of the coordinator for operators.
type Status struct {
	State       State      `json:"state"`
	Policy      string     `json:"policy"`
	BatchID     string     `json:"batchId,omitempty"`
	Attempt     int        `json:"attempt"`
	NextAttempt *time.Time `json:"nextAttempt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	LastAck     *time.Time `json:"lastAck,omitempty"`
	Acked       int        `json:"acked"`
	Discarded   int        `json:"discarded"`
	Requeued    int        `json:"requeued"`
	Depth       int        `json:"depth"`
}

type sendOutcome struct {
	result *dto.IngestResult
	err    error
}

// Coordinator moves batches through Idle, Assembling, Uploading, AwaitingAck and then either
// Acknowledged or Retrying. Only one batch is in flight at a time. Step must not be called
// concurrently; Status may be read from any goroutine.
type Coordinator struct {
	store     Store
	assembler *batch.Assembler
	transport transport.Transport
	signals   SignalSource
	hasher    Hasher
	cfg       config.DeviceSyncConfig
	logger    *zap.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	state       State
	policy      Policy
	current     *batch.Batch
	attempt     int
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time
	pending     chan sendOutcome
	settle      settleAction

	mu     sync.RWMutex
	status Status
}

// New constructs a Coordinator. hasher may be nil when events are always hashed at capture.
func New(store Store, tr transport.Transport, signals SignalSource, hasher Hasher, cfg config.DeviceSyncConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 30 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2

	c := &Coordinator{
		store:     store,
		assembler: batch.NewAssembler(store),
		transport: tr,
		signals:   signals,
		hasher:    hasher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
		state:     StateIdle,
		backoff:   b,
	}
	c.publish()
	return c
}

// Resume picks up a batch left in flight by a previous process. It restarts in Retrying with the
// same batch id so the server deduplicates a delivery that already landed.
func (c *Coordinator) Resume(ctx context.Context) error {
	record, err := c.store.InFlight(ctx)
	if err != nil {
		return err
	}
	defer c.publish()
	if record == nil {
		c.state = StateIdle
		return nil
	}
	if len(record.Events) == 0 {
		c.logger.Warn("in-flight batch has no events, clearing", zap.String("batch_id", record.BatchID))
		c.state = StateIdle
		return c.store.Ack(ctx, record.BatchID)
	}

	c.current = batch.Resume(record.BatchID, record.Events, record.CreatedAt)
	c.policy = c.currentPolicy(ctx)
	c.settle = settleNone
	c.attempt = 0
	c.backoff.Reset()
	c.nextAttempt = time.Time{}
	c.state = StateRetrying
	c.logger.Info("resuming in-flight batch",
		zap.String("batch_id", record.BatchID),
		zap.Int("events", len(record.Events)),
	)
	return nil
}

// Step performs one transition and returns the new state.
func (c *Coordinator) Step(ctx context.Context) (State, error) {
	var err error
	switch c.state {
	case StateIdle:
		err = c.idle(ctx)
	case StateAssembling:
		err = c.assemble(ctx)
	case StateUploading:
		c.upload(ctx)
	case StateAwaitingAck:
		err = c.awaitAck(ctx)
	case StateAcknowledged:
		c.current = nil
		c.attempt = 0
		c.settle = settleNone
		c.state = StateIdle
	case StateRetrying:
		err = c.retry(ctx)
	}
	if err != nil {
		c.setError(err)
	}
	c.publish()
	return c.state, err
}

func (c *Coordinator) idle(ctx context.Context) error {
	c.rehashPending(ctx)

	signals := c.signals.Signals(ctx)
	c.policy = PolicyFor(signals)
	if !c.policy.Permits(signals) {
		return nil
	}
	depth, err := c.store.Depth()
	if err != nil {
		return err
	}
	if depth < 1 {
		return nil
	}
	c.state = StateAssembling
	return nil
}

func (c *Coordinator) assemble(ctx context.Context) error {
	b, err := c.assembler.Assemble(ctx, c.policy.Limits())
	if errors.Is(err, localstore.ErrBatchInFlight) {
		c.logger.Warn("a batch is still marked in flight, resuming it")
		return c.Resume(ctx)
	}
	if err != nil {
		c.state = StateIdle
		return err
	}
	if b == nil {
		c.state = StateIdle
		return nil
	}
	c.current = b
	c.attempt = 0
	c.backoff.Reset()
	c.state = StateUploading
	c.logger.Debug("batch assembled",
		zap.String("batch_id", b.ID),
		zap.Int("events", len(b.Events)),
		zap.String("policy", string(c.policy.Name)),
	)
	return nil
}

func (c *Coordinator) upload(ctx context.Context) {
	c.attempt++
	hints := dto.DeliveryHints{Attempt: c.attempt, QueueDepth: -1}
	if depth, err := c.store.Depth(); err == nil {
		hints.QueueDepth = int64(depth)
	}

	timeout := c.policy.Timeout
	if c.cfg.RequestTimeout > 0 && (timeout <= 0 || c.cfg.RequestTimeout < timeout) {
		timeout = c.cfg.RequestTimeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := c.current
	pending := make(chan sendOutcome, 1)
	go func() {
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		result, err := c.transport.Send(sendCtx, b, hints)
		pending <- sendOutcome{result: result, err: err}
	}()
	c.pending = pending
	c.state = StateAwaitingAck
}

func (c *Coordinator) awaitAck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var outcome sendOutcome
	select {
	case <-ctx.Done():
		// The in-flight record stays on disk; the next start resumes at Retrying.
		return ctx.Err()
	case outcome = <-c.pending:
	}
	c.pending = nil
	b := c.current

	var verr *transport.ValidationError
	switch {
	case outcome.err == nil:
		if err := c.store.Ack(ctx, b.ID); err != nil {
			c.scheduleRetry(0)
			return err
		}
		ackedAt := c.now().UTC()
		c.mu.Lock()
		c.status.LastAck = &ackedAt
		c.status.Acked += len(b.Events)
		c.status.LastError = ""
		c.mu.Unlock()
		c.state = StateAcknowledged
		fields := []zap.Field{zap.String("batch_id", b.ID), zap.Int("events", len(b.Events)), zap.Int("attempt", c.attempt)}
		if outcome.result != nil && outcome.result.Duplicate {
			fields = append(fields, zap.Bool("duplicate", true))
		}
		c.logger.Info("batch acknowledged", fields...)
		return nil
	case errors.As(outcome.err, &verr):
		c.logger.Warn("batch rejected by server, discarding",
			zap.String("batch_id", b.ID),
			zap.Int("events", len(b.Events)),
			zap.String("reason", verr.Reason),
			zap.Strings("details", verr.Details),
		)
		c.setError(outcome.err)
		return c.discard(ctx)
	default:
		c.setError(outcome.err)
		var terr *transport.TransientNetworkError
		var retryAfter time.Duration
		if errors.As(outcome.err, &terr) {
			retryAfter = terr.RetryAfter
		}
		c.logger.Warn("batch delivery failed",
			zap.String("batch_id", b.ID),
			zap.Int("attempt", c.attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Error(outcome.err),
		)
		if c.attempt >= c.policy.MaxAttempts {
			return c.requeue(ctx)
		}
		c.scheduleRetry(retryAfter)
		return nil
	}
}

func (c *Coordinator) scheduleRetry(retryAfter time.Duration) {
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = c.cfg.MaxBackoff
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	c.nextAttempt = c.now().Add(delay)
	c.state = StateRetrying
}

// deferSettle parks the coordinator in Retrying until the store accepts action. The batch stays
// in flight meanwhile, so nothing new is assembled over it.
func (c *Coordinator) deferSettle(action settleAction) {
	c.settle = action
	c.nextAttempt = c.now().Add(c.cfg.IdleInterval)
	c.state = StateRetrying
}

func (c *Coordinator) discard(ctx context.Context) error {
	b := c.current
	if err := c.store.Ack(ctx, b.ID); err != nil {
		c.deferSettle(settleDiscard)
		return err
	}
	c.settle = settleNone
	c.mu.Lock()
	c.status.Discarded += len(b.Events)
	c.mu.Unlock()
	c.state = StateAcknowledged
	return nil
}

func (c *Coordinator) requeue(ctx context.Context) error {
	b := c.current
	if err := c.store.Requeue(ctx, b.ID); err != nil {
		c.deferSettle(settleRequeue)
		return err
	}
	c.state = StateIdle
	c.current = nil
	c.attempt = 0
	c.settle = settleNone
	c.mu.Lock()
	c.status.Requeued += len(b.Events)
	c.mu.Unlock()
	c.logger.Warn("retries exhausted, batch returned to queue",
		zap.String("batch_id", b.ID),
		zap.Int("events", len(b.Events)),
	)
	return nil
}

func (c *Coordinator) retry(ctx context.Context) error {
	if c.now().Before(c.nextAttempt) {
		return nil
	}
	switch c.settle {
	case settleDiscard:
		return c.discard(ctx)
	case settleRequeue:
		return c.requeue(ctx)
	}
	signals := c.signals.Signals(ctx)
	policy := PolicyFor(signals)
	if !policy.Permits(signals) {
		return nil
	}
	c.policy = policy
	if c.attempt >= c.policy.MaxAttempts {
		c.attempt = c.policy.MaxAttempts - 1
	}
	c.state = StateUploading
	return nil
}

func (c *Coordinator) currentPolicy(ctx context.Context) Policy {
	return PolicyFor(c.signals.Signals(ctx))
}

func (c *Coordinator) rehashPending(ctx context.Context) {
	if c.hasher == nil {
		return
	}
	pending, err := c.store.PendingHash(ctx, pendingHashLimit)
	if err != nil {
		c.logger.Warn("failed to list events awaiting hash", zap.Error(err))
		return
	}
	for _, ev := range pending {
		hash, err := c.hasher.Hash(ctx, ev.PendingSubject, ev.ClassroomID, ev.CapturedAt)
		if errors.Is(err, anonymizer.ErrSaltExpired) {
			// Left for queue eviction; a later day can still be hashed.
			c.logger.Warn("pending event is past the salt window", zap.Uint64("seq", ev.Seq))
			continue
		}
		if errors.Is(err, anonymizer.ErrSaltUnavailable) {
			c.logger.Debug("salt still unavailable", zap.Int("pending", len(pending)))
			return
		}
		if err != nil {
			c.logger.Warn("failed to hash pending event", zap.Uint64("seq", ev.Seq), zap.Error(err))
			continue
		}
		if err := c.store.UpdateHash(ctx, ev.Seq, hash); err != nil {
			c.logger.Warn("failed to store pending hash", zap.Uint64("seq", ev.Seq), zap.Error(err))
		}
	}
}

// Wait reports how long Run should pause after landing in state.
func (c *Coordinator) Wait(state State) time.Duration {
	switch state {
	case StateIdle:
		if c.policy.Interval > 0 {
			return c.policy.Interval
		}
		return c.cfg.IdleInterval
	case StateRetrying:
		if c.nextAttempt.IsZero() {
			return c.cfg.IdleInterval
		}
		if d := c.nextAttempt.Sub(c.now()); d > 0 {
			return d
		}
	}
	return 0
}

// Run resumes any in-flight batch and steps until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Resume(ctx); err != nil {
		c.logger.Error("failed to resume in-flight batch", zap.Error(err))
	}
	for {
		state, err := c.Step(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.logger.Info("sync coordinator stopped", zap.String("state", string(state)))
			return ctxErr
		}
		if err != nil {
			c.logger.Warn("sync step failed", zap.String("state", string(state)), zap.Error(err))
		}
		if err := c.sleep(ctx, c.Wait(state)); err != nil {
			return err
		}
	}
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()
	if depth, err := c.store.Depth(); err == nil {
		status.Depth = depth
	}
	return status
}

func (c *Coordinator) setError(err error) {
	c.mu.Lock()
	c.status.LastError = err.Error()
	c.mu.Unlock()
}

func (c *Coordinator) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.State = c.state
	c.status.Policy = string(c.policy.Name)
	c.status.Attempt = c.attempt
	c.status.BatchID = ""
	if c.current != nil {
		c.status.BatchID = c.current.ID
	}
	c.status.NextAttempt = nil
	if c.state == StateRetrying && !c.nextAttempt.IsZero() {
		next := c.nextAttempt
		c.status.NextAttempt = &next
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
