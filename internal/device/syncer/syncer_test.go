package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/engagement-pipeline/internal/device/batch"
	"github.com/noah-isme/engagement-pipeline/internal/device/localstore"
	"github.com/noah-isme/engagement-pipeline/internal/device/transport"
	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
)

var syncNow = time.Date(2024, 4, 4, 8, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu      sync.Mutex
	batches []string
	send    func(ctx context.Context, b *batch.Batch) (*dto.IngestResult, error)
}

func (f *fakeTransport) Send(ctx context.Context, b *batch.Batch, _ dto.DeliveryHints) (*dto.IngestResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, b.ID)
	f.mu.Unlock()
	if f.send == nil {
		return &dto.IngestResult{Status: dto.IngestStatusAccepted, BatchID: b.ID, Accepted: len(b.Events)}, nil
	}
	return f.send(ctx, b)
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.batches...)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func openStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(config.DeviceStoreConfig{InMemory: true, MaxEvents: 5000, EnqueueTimeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func fill(t *testing.T, store *localstore.Store, n int) {
	t.Helper()
	base := syncNow.Add(-72 * time.Hour)
	for i := 0; i < n; i++ {
		ev := &models.QueuedEvent{
			ClassroomID:     "class-a",
			Category:        models.CategoryKindness,
			InteractionType: "group_work",
			Score:           1 + i%5,
			Metadata:        models.EventMetadata{"round": float64(i % 7)},
			SubjectHash:     fmt.Sprintf("%064x", i),
			CapturedAt:      base.Add(time.Duration(i) * 8 * time.Minute),
		}
		require.NoError(t, store.Enqueue(context.Background(), ev))
	}
}

func newCoordinator(store Store, tr transport.Transport, signals Signals, clk *clock) *Coordinator {
	c := New(store, tr, StaticSignals(signals), nil, config.DeviceSyncConfig{
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
		IdleInterval:   time.Second,
	}, nil)
	c.now = clk.now
	return c
}

// drain steps the coordinator, jumping the clock over backoff waits, until the queue is empty.
func drain(t *testing.T, c *Coordinator, store *localstore.Store, clk *clock, maxSteps int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxSteps; i++ {
		state, err := c.Step(ctx)
		require.NoError(t, err)
		if state == StateRetrying {
			clk.t = c.nextAttempt.Add(time.Millisecond)
		}
		if state == StateIdle {
			depth, err := store.Depth()
			require.NoError(t, err)
			if depth == 0 {
				return
			}
			clk.t = clk.t.Add(c.Wait(state))
		}
	}
	t.Fatalf("queue not drained after %d steps", maxSteps)
}

func TestPolicyForScalesWithConditions(t *testing.T) {
	slow := PolicyFor(Signals{Network: NetworkSlow, BatteryPct: 80})
	assert.Equal(t, NetworkSlow, slow.Name)
	assert.Equal(t, 25, slow.MaxEvents)
	assert.Equal(t, 16<<10, slow.MaxBytes)
	assert.Equal(t, 5*time.Minute, slow.Interval)
	assert.Equal(t, 8, slow.MaxAttempts)
	assert.Equal(t, 30*time.Second, slow.Timeout)

	fast := PolicyFor(Signals{Network: NetworkWifiCharging, BatteryPct: 50, Charging: true})
	assert.Equal(t, 500, fast.MaxEvents)
	assert.Equal(t, 1<<20, fast.MaxBytes)
	assert.Equal(t, 10*time.Second, fast.Interval)

	assert.Equal(t, NetworkCellular, PolicyFor(Signals{Network: NetworkWifi, BatteryPct: 15}).Name)
	assert.Equal(t, NetworkWifi, PolicyFor(Signals{Network: NetworkWifi, BatteryPct: 15, Charging: true}).Name)
	assert.Equal(t, NetworkSlow, PolicyFor(Signals{Network: NetworkSlow, BatteryPct: 5}).Name)
	assert.Equal(t, NetworkWifi, PolicyFor(Signals{Network: NetworkWifi, BatteryPct: -1}).Name)
	assert.Equal(t, NetworkOffline, PolicyFor(Signals{Network: "satellite"}).Name)

	assert.False(t, PolicyFor(Signals{Network: NetworkOffline, BatteryPct: 90}).Permits(Signals{Network: NetworkOffline, BatteryPct: 90}))
	lowSlow := Signals{Network: NetworkSlow, BatteryPct: 5}
	assert.False(t, PolicyFor(lowSlow).Permits(lowSlow))
	lowSlow.Charging = true
	assert.True(t, PolicyFor(lowSlow).Permits(lowSlow))
}

func TestParseNetworkClass(t *testing.T) {
	class, err := ParseNetworkClass(" WiFi_Charging ")
	require.NoError(t, err)
	assert.Equal(t, NetworkWifiCharging, class)

	_, err = ParseNetworkClass("5g")
	assert.Error(t, err)
}

type ingestServer struct {
	mu         sync.Mutex
	rng        *rand.Rand
	ledger     map[string]bool
	events     map[string]int
	requests   int
	dropped    int
	maxEvents  int
	maxBody    int
	duplicates int
	lastDrop   bool
}

func (s *ingestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req dto.IngestBatchRequest
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	decoder := json.NewDecoder(body)
	if err := decoder.Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++
	if len(req.Events) > s.maxEvents {
		s.maxEvents = len(req.Events)
	}
	if size := int(r.ContentLength); size > s.maxBody {
		s.maxBody = size
	}

	duplicate := s.ledger[req.BatchID]
	if duplicate {
		s.duplicates++
	} else {
		s.ledger[req.BatchID] = true
		for _, ev := range req.Events {
			s.events[ev.ID]++
		}
	}

	// Persist first, then lose the response for some of the early requests.
	drop := s.requests <= 20 && !s.lastDrop && s.rng.Intn(3) == 0
	s.lastDrop = drop
	if drop {
		s.dropped++
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data": dto.IngestResult{Status: dto.IngestStatusAccepted, BatchID: req.BatchID, Accepted: len(req.Events), Duplicate: duplicate},
	})
}

func TestOfflineDeviceDrainsOverSlowNetwork(t *testing.T) {
	store := openStore(t)
	fill(t, store, 500)

	server := &ingestServer{rng: rand.New(rand.NewSource(42)), ledger: map[string]bool{}, events: map[string]int{}}
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	clk := &clock{t: syncNow}
	c := newCoordinator(store, transport.NewHTTP(httpServer.URL, "token", httpServer.Client()), Signals{Network: NetworkSlow, BatteryPct: 60}, clk)
	require.NoError(t, c.Resume(context.Background()))

	drain(t, c, store, clk, 2000)

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Len(t, server.events, 500)
	for id, count := range server.events {
		assert.Equal(t, 1, count, "event %s persisted more than once", id)
	}
	assert.LessOrEqual(t, server.maxEvents, 25)
	assert.LessOrEqual(t, server.maxBody, 16<<10)
	assert.Greater(t, server.dropped, 0)
	assert.Equal(t, server.dropped, server.duplicates)

	status := c.Status()
	assert.Equal(t, StateIdle, status.State)
	assert.Equal(t, "slow", status.Policy)
	assert.Equal(t, 500, status.Acked)
	assert.Zero(t, status.Requeued)
	assert.Zero(t, status.Depth)
	require.NotNil(t, status.LastAck)

	inflight, err := store.InFlight(context.Background())
	require.NoError(t, err)
	assert.Nil(t, inflight)
}

func TestValidationRejectionDiscardsBatch(t *testing.T) {
	store := openStore(t)
	fill(t, store, 3)
	tr := &fakeTransport{send: func(context.Context, *batch.Batch) (*dto.IngestResult, error) {
		return nil, &transport.ValidationError{Status: http.StatusUnprocessableEntity, Reason: dto.RejectPIIDetected}
	}}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkWifi, BatteryPct: 90}, clk)
	ctx := context.Background()

	for _, want := range []State{StateAssembling, StateUploading, StateAwaitingAck, StateAcknowledged, StateIdle} {
		state, err := c.Step(ctx)
		require.NoError(t, err)
		require.Equal(t, want, state)
	}

	depth, err := store.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
	status := c.Status()
	assert.Equal(t, 3, status.Discarded)
	assert.Contains(t, status.LastError, dto.RejectPIIDetected)
	assert.Len(t, tr.sent(), 1)
}

func TestExhaustedRetriesRequeueBatch(t *testing.T) {
	store := openStore(t)
	fill(t, store, 4)
	tr := &fakeTransport{send: func(context.Context, *batch.Batch) (*dto.IngestResult, error) {
		return nil, &transport.TransientNetworkError{Status: http.StatusBadGateway, Err: fmt.Errorf("bad gateway")}
	}}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkCellular, BatteryPct: 70}, clk)
	ctx := context.Background()

	var delays []time.Duration
	for i := 0; i < 200; i++ {
		state, err := c.Step(ctx)
		require.NoError(t, err)
		if state == StateRetrying && c.attempt > 0 && c.Status().NextAttempt != nil {
			delays = append(delays, c.nextAttempt.Sub(clk.t))
			clk.t = c.nextAttempt
			continue
		}
		if state == StateIdle && i > 0 {
			break
		}
	}

	sent := tr.sent()
	require.Len(t, sent, 6)
	for _, id := range sent {
		assert.Equal(t, sent[0], id)
	}
	require.Len(t, delays, 5)
	for i, d := range delays {
		base := 2 * time.Second << i
		assert.GreaterOrEqual(t, d, base/2)
		assert.LessOrEqual(t, d, base+base/2)
	}

	inflight, err := store.InFlight(ctx)
	require.NoError(t, err)
	assert.Nil(t, inflight)
	events, err := store.NextBatch(ctx, 10, 1<<20)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, 1, events[0].Attempts)
	assert.Equal(t, 4, c.Status().Requeued)
}

// stubbornStore fails Ack or Requeue a fixed number of times before passing through.
type stubbornStore struct {
	*localstore.Store
	ackFailures     int
	requeueFailures int
}

func (s *stubbornStore) Ack(ctx context.Context, batchID string) error {
	if s.ackFailures > 0 {
		s.ackFailures--
		return fmt.Errorf("disk full")
	}
	return s.Store.Ack(ctx, batchID)
}

func (s *stubbornStore) Requeue(ctx context.Context, batchID string) error {
	if s.requeueFailures > 0 {
		s.requeueFailures--
		return fmt.Errorf("disk full")
	}
	return s.Store.Requeue(ctx, batchID)
}

func TestDiscardRetriedWhenStoreAckFails(t *testing.T) {
	inner := openStore(t)
	fill(t, inner, 3)
	store := &stubbornStore{Store: inner, ackFailures: 2}
	tr := &fakeTransport{send: func(context.Context, *batch.Batch) (*dto.IngestResult, error) {
		return nil, &transport.ValidationError{Status: http.StatusBadRequest, Reason: dto.RejectMalformed}
	}}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkWifi, BatteryPct: 90}, clk)
	ctx := context.Background()

	for _, want := range []State{StateAssembling, StateUploading} {
		state, err := c.Step(ctx)
		require.NoError(t, err)
		require.Equal(t, want, state)
	}
	state, err := c.Step(ctx)
	require.Error(t, err)
	require.Equal(t, StateRetrying, state)

	clk.t = c.nextAttempt
	state, err = c.Step(ctx)
	require.Error(t, err)
	require.Equal(t, StateRetrying, state)

	clk.t = c.nextAttempt
	for _, want := range []State{StateAcknowledged, StateIdle} {
		state, err := c.Step(ctx)
		require.NoError(t, err)
		require.Equal(t, want, state)
	}

	assert.Len(t, tr.sent(), 1)
	assert.Equal(t, 3, c.Status().Discarded)
	inflight, err := inner.InFlight(ctx)
	require.NoError(t, err)
	assert.Nil(t, inflight)
	depth, err := inner.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRequeueRetriedWhenStoreFails(t *testing.T) {
	inner := openStore(t)
	fill(t, inner, 2)
	store := &stubbornStore{Store: inner, requeueFailures: 1}
	tr := &fakeTransport{send: func(context.Context, *batch.Batch) (*dto.IngestResult, error) {
		return nil, &transport.TransientNetworkError{Status: http.StatusBadGateway, Err: fmt.Errorf("bad gateway")}
	}}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkWifi, BatteryPct: 90}, clk)
	ctx := context.Background()

	var requeueErr error
	for i := 0; i < 100 && requeueErr == nil; i++ {
		state, err := c.Step(ctx)
		if err != nil {
			requeueErr = err
			require.Equal(t, StateRetrying, state)
			break
		}
		if state == StateRetrying {
			clk.t = c.nextAttempt
		}
	}
	require.Error(t, requeueErr)
	assert.Len(t, tr.sent(), 5)

	clk.t = c.nextAttempt
	state, err := c.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, state)
	assert.Len(t, tr.sent(), 5)
	assert.Equal(t, 2, c.Status().Requeued)

	inflight, err := inner.InFlight(ctx)
	require.NoError(t, err)
	assert.Nil(t, inflight)

	state, err = c.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAssembling, state)
	state, err = c.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, state)
}

func TestAssembleResumesBatchLeftInFlight(t *testing.T) {
	store := openStore(t)
	fill(t, store, 2)
	ctx := context.Background()
	events, err := store.NextBatch(ctx, 10, 1<<20)
	require.NoError(t, err)
	require.NoError(t, store.MarkInFlight(ctx, "orphaned", events[:1]))

	tr := &fakeTransport{}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkWifi, BatteryPct: 90}, clk)

	for _, want := range []State{StateAssembling, StateRetrying, StateUploading, StateAwaitingAck, StateAcknowledged} {
		state, err := c.Step(ctx)
		require.NoError(t, err)
		require.Equal(t, want, state)
	}
	assert.Equal(t, []string{"orphaned"}, tr.sent())
}

func TestRetryHonoursRetryAfter(t *testing.T) {
	store := openStore(t)
	fill(t, store, 1)
	tr := &fakeTransport{send: func(context.Context, *batch.Batch) (*dto.IngestResult, error) {
		return nil, &transport.TransientNetworkError{Status: http.StatusServiceUnavailable, RetryAfter: 10 * time.Minute, Err: fmt.Errorf("salt unavailable")}
	}}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkWifi, BatteryPct: 90}, clk)

	for i := 0; i < 4; i++ {
		_, err := c.Step(context.Background())
		require.NoError(t, err)
	}
	status := c.Status()
	require.Equal(t, StateRetrying, status.State)
	require.NotNil(t, status.NextAttempt)
	assert.Equal(t, syncNow.Add(10*time.Minute), *status.NextAttempt)
	assert.Equal(t, 10*time.Minute, c.Wait(StateRetrying))

	state, err := c.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRetrying, state)
	assert.Len(t, tr.sent(), 1)
}

func TestResumeInFlightBatchKeepsID(t *testing.T) {
	store := openStore(t)
	fill(t, store, 3)
	ctx := context.Background()
	events, err := store.NextBatch(ctx, 10, 1<<20)
	require.NoError(t, err)
	require.NoError(t, store.MarkInFlight(ctx, "batch-before-restart", events))

	tr := &fakeTransport{}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkWifi, BatteryPct: 90}, clk)
	require.NoError(t, c.Resume(ctx))
	assert.Equal(t, StateRetrying, c.Status().State)
	assert.Equal(t, "batch-before-restart", c.Status().BatchID)

	for _, want := range []State{StateUploading, StateAwaitingAck, StateAcknowledged, StateIdle} {
		state, err := c.Step(ctx)
		require.NoError(t, err)
		require.Equal(t, want, state)
	}
	assert.Equal(t, []string{"batch-before-restart"}, tr.sent())
	depth, err := store.Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestShutdownWhileAwaitingAckResumesAtRetrying(t *testing.T) {
	store := openStore(t)
	fill(t, store, 2)
	tr := &fakeTransport{send: func(ctx context.Context, _ *batch.Batch) (*dto.IngestResult, error) {
		<-ctx.Done()
		return nil, &transport.TransientNetworkError{Err: ctx.Err()}
	}}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkWifi, BatteryPct: 90}, clk)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		_, err := c.Step(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, StateAwaitingAck, c.Status().State)
	batchID := c.Status().BatchID

	cancel()
	state, err := c.Step(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateAwaitingAck, state)

	restarted := newCoordinator(store, &fakeTransport{}, Signals{Network: NetworkWifi, BatteryPct: 90}, clk)
	require.NoError(t, restarted.Resume(context.Background()))
	assert.Equal(t, StateRetrying, restarted.Status().State)
	assert.Equal(t, batchID, restarted.Status().BatchID)
}

func TestOfflineGateKeepsIdle(t *testing.T) {
	store := openStore(t)
	fill(t, store, 2)
	tr := &fakeTransport{}
	clk := &clock{t: syncNow}
	c := newCoordinator(store, tr, Signals{Network: NetworkOffline, BatteryPct: 100}, clk)

	for i := 0; i < 5; i++ {
		state, err := c.Step(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateIdle, state)
	}
	assert.Empty(t, tr.sent())
	assert.Equal(t, time.Minute, c.Wait(StateIdle))
	assert.Equal(t, 2, c.Status().Depth)
}

type flakyHasher struct {
	calls int
}

func (h *flakyHasher) Hash(_ context.Context, subject, scope string, date time.Time) (string, error) {
	h.calls++
	if h.calls == 1 {
		return "", anonymizer.ErrSaltUnavailable
	}
	return anonymizer.Digest([]byte("0123456789abcdef0123456789abcdef"), subject, scope, models.DayOf(date))
}

func TestIdleRetriesPendingHashes(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ev := &models.QueuedEvent{
		ClassroomID:     "class-a",
		Category:        models.CategoryEmpathy,
		InteractionType: "peer_help",
		Score:           3,
		PendingSubject:  "student-7",
		CapturedAt:      syncNow,
	}
	require.NoError(t, store.Enqueue(ctx, ev))

	hasher := &flakyHasher{}
	c := New(store, &fakeTransport{}, StaticSignals{Network: NetworkOffline}, hasher, config.DeviceSyncConfig{}, nil)

	_, err := c.Step(ctx)
	require.NoError(t, err)
	pending, err := store.PendingHash(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = c.Step(ctx)
	require.NoError(t, err)
	pending, err = store.PendingHash(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	events, err := store.NextBatch(ctx, 10, 1<<20)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, anonymizer.ValidHash(events[0].SubjectHash))
	assert.Empty(t, events[0].PendingSubject)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := openStore(t)
	fill(t, store, 1)
	tr := &fakeTransport{}
	c := New(store, tr, StaticSignals{Network: NetworkWifiCharging, BatteryPct: 100, Charging: true}, nil, config.DeviceSyncConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	steps := 0
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		steps++
		if c.Status().Acked == 1 {
			cancel()
		}
		return ctx.Err()
	}

	err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, c.Status().Acked)
	assert.Greater(t, steps, 3)
}
