// Package localstore is the device's durable, append-only event queue backed by badger.
//
// Key layout:
//
//	q/<big-endian seq>  queued event (JSON)
//	m/inflight          the one batch awaiting acknowledgement
//	s/<YYYY-MM-DD>      daily salt
//	x/seq               sequence lease
package localstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
)

const conflictTries = 5

var (
	prefixQueue = []byte("q/")
	prefixSalt  = []byte("s/")
	keyInFlight = []byte("m/inflight")
	keySequence = []byte("x/seq")
)

var (
	// ErrBatchInFlight is returned when a second batch is marked while one awaits acknowledgement.
	ErrBatchInFlight = errors.New("another batch is in flight")
	// ErrBatchMismatch is returned when acknowledging a batch that is not the in-flight one.
	ErrBatchMismatch = errors.New("batch is not the in-flight batch")
)

// InFlightBatch records the batch currently being delivered so a restart resumes it.
type InFlightBatch struct {
	BatchID   string               `json:"batchId"`
	Seqs      []uint64             `json:"seqs"`
	CreatedAt time.Time            `json:"createdAt"`
	Events    []models.QueuedEvent `json:"-"`
}

// Stats counts queued events by state.
type Stats struct {
	Total    int                       `json:"total"`
	ByState  map[models.QueueState]int `json:"byState"`
	InFlight string                    `json:"inFlight,omitempty"`
}

// Store is safe for concurrent use; enqueue may run while a batch uploads.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	cfg    config.DeviceStoreConfig
	logger *zap.Logger
	now    func() time.Time
}

var _ anonymizer.SaltStore = (*Store)(nil)

// Open opens or creates the store at cfg.Path, or in memory when cfg.InMemory is set.
func Open(cfg config.DeviceStoreConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 10000
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 250 * time.Millisecond
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	memTableSize := int64(8 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	opts = opts.
		WithLogger(badgerLogger{logger.Sugar().Named("badger")}).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(2).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogFileSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	seq, err := db.GetSequence(keySequence, 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lease sequence: %w", err)
	}
	return &Store{db: db, seq: seq, cfg: cfg, logger: logger, now: time.Now}, nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("failed to release sequence lease", zap.Error(err))
	}
	return s.db.Close()
}

// RunGC reclaims value log space after acknowledgements.
func (s *Store) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

func queueKey(seq uint64) []byte {
	key := make([]byte, len(prefixQueue)+8)
	copy(key, prefixQueue)
	binary.BigEndian.PutUint64(key[len(prefixQueue):], seq)
	return key
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefixQueue):])
}

// update runs fn in a read-write transaction, retrying on write conflicts with concurrent
// enqueues.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < conflictTries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Enqueue appends ev with the next sequence number and fills in its Seq and ID. When the queue
// is full the oldest queued events are evicted with a warning. The write gives up after the
// configured enqueue timeout.
func (s *Store) Enqueue(ctx context.Context, ev *models.QueuedEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()

	type result struct {
		record models.QueuedEvent
		err    error
	}
	pending := *ev
	done := make(chan result, 1)
	go func() {
		record, err := s.enqueue(pending)
		done <- result{record: record, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return res.err
		}
		*ev = res.record
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue event: %w", ctx.Err())
	}
}

func (s *Store) enqueue(record models.QueuedEvent) (models.QueuedEvent, error) {
	seq, err := s.seq.Next()
	if err != nil {
		return record, fmt.Errorf("next sequence: %w", err)
	}
	record.Seq = seq
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.State == "" {
		record.State = models.QueueStateQueued
	}
	if record.PendingSubject != "" && record.SubjectHash == "" {
		record.State = models.QueueStateAwaitingHash
	}
	value, err := json.Marshal(record)
	if err != nil {
		return record, fmt.Errorf("encode event: %w", err)
	}

	var evicted []uint64
	err = s.update(func(txn *badger.Txn) error {
		evicted = evicted[:0]
		count := countKeys(txn, prefixQueue)
		if excess := count - s.cfg.MaxEvents + 1; excess > 0 {
			oldest, err := oldestEvictable(txn, excess)
			if err != nil {
				return err
			}
			for _, old := range oldest {
				if err := txn.Delete(queueKey(old)); err != nil {
					return err
				}
				evicted = append(evicted, old)
			}
		}
		return txn.Set(queueKey(seq), value)
	})
	if err != nil {
		return record, fmt.Errorf("store event: %w", err)
	}
	if len(evicted) > 0 {
		s.logger.Warn("local queue full, evicted oldest events",
			zap.Int("evicted", len(evicted)),
			zap.Uint64("first_seq", evicted[0]),
			zap.Int("capacity", s.cfg.MaxEvents),
		)
	}
	return record, nil
}

func countKeys(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count
}

// oldestEvictable returns up to n of the oldest events that are not in flight.
func oldestEvictable(txn *badger.Txn, n int) ([]uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixQueue
	it := txn.NewIterator(opts)
	defer it.Close()

	var oldest []uint64
	for it.Rewind(); it.Valid() && len(oldest) < n; it.Next() {
		item := it.Item()
		var ev models.QueuedEvent
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ev) }); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if ev.State != models.QueueStateInFlight {
			oldest = append(oldest, seqFromKey(item.Key()))
		}
	}
	return oldest, nil
}

func (s *Store) scan(txn *badger.Txn, visit func(ev models.QueuedEvent) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixQueue
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		var ev models.QueuedEvent
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ev) }); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		more, err := visit(ev)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// WireSize is the encoded size of ev inside an upload.
func WireSize(ev models.QueuedEvent) int {
	data, err := json.Marshal(dto.FromQueued(ev))
	if err != nil {
		return 0
	}
	return len(data)
}

// NextBatch returns the oldest queued events in capture order without removing them, stopping
// before maxEvents or maxBytes would be exceeded. The first eligible event is always included.
func (s *Store) NextBatch(ctx context.Context, maxEvents, maxBytes int) ([]models.QueuedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var batch []models.QueuedEvent
	size := 0
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, func(ev models.QueuedEvent) (bool, error) {
			if ev.State != models.QueueStateQueued {
				return true, nil
			}
			evSize := WireSize(ev)
			if len(batch) > 0 && maxBytes > 0 && size+evSize > maxBytes {
				return false, nil
			}
			batch = append(batch, ev)
			size += evSize
			return maxEvents <= 0 || len(batch) < maxEvents, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read next batch: %w", err)
	}
	return batch, nil
}

// MarkInFlight flags events as belonging to batchID and records the batch for resume.
func (s *Store) MarkInFlight(ctx context.Context, batchID string, events []models.QueuedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record := InFlightBatch{BatchID: batchID, CreatedAt: s.now().UTC()}
	for _, ev := range events {
		record.Seqs = append(record.Seqs, ev.Seq)
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode in-flight batch: %w", err)
	}

	err = s.update(func(txn *badger.Txn) error {
		existing, err := loadInFlight(txn)
		if err != nil {
			return err
		}
		if existing != nil && existing.BatchID != batchID {
			return ErrBatchInFlight
		}
		for _, seq := range record.Seqs {
			if err := mutate(txn, seq, func(ev *models.QueuedEvent) {
				ev.State = models.QueueStateInFlight
				ev.BatchID = batchID
			}); err != nil {
				return err
			}
		}
		return txn.Set(keyInFlight, encoded)
	})
	if err != nil {
		return fmt.Errorf("mark batch %s in flight: %w", batchID, err)
	}
	return nil
}

func loadInFlight(txn *badger.Txn) (*InFlightBatch, error) {
	item, err := txn.Get(keyInFlight)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record InFlightBatch
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &record) }); err != nil {
		return nil, fmt.Errorf("decode in-flight batch: %w", err)
	}
	return &record, nil
}

func mutate(txn *badger.Txn, seq uint64, fn func(ev *models.QueuedEvent)) error {
	key := queueKey(seq)
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var ev models.QueuedEvent
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ev) }); err != nil {
		return fmt.Errorf("decode event %d: %w", seq, err)
	}
	fn(&ev)
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", seq, err)
	}
	return txn.Set(key, value)
}

// InFlight returns the batch awaiting acknowledgement with its events, or nil.
func (s *Store) InFlight(ctx context.Context) (*InFlightBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var record *InFlightBatch
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		record, err = loadInFlight(txn)
		if err != nil || record == nil {
			return err
		}
		for _, seq := range record.Seqs {
			item, err := txn.Get(queueKey(seq))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var ev models.QueuedEvent
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &ev) }); err != nil {
				return fmt.Errorf("decode event %d: %w", seq, err)
			}
			record.Events = append(record.Events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load in-flight batch: %w", err)
	}
	return record, nil
}

// Ack deletes an acknowledged batch. Acknowledging when nothing is in flight is a no-op.
func (s *Store) Ack(ctx context.Context, batchID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		record, err := loadInFlight(txn)
		if err != nil || record == nil {
			return err
		}
		if record.BatchID != batchID {
			return ErrBatchMismatch
		}
		for _, seq := range record.Seqs {
			if err := txn.Delete(queueKey(seq)); err != nil {
				return err
			}
		}
		return txn.Delete(keyInFlight)
	})
	if err != nil {
		return fmt.Errorf("ack batch %s: %w", batchID, err)
	}
	return nil
}

// Requeue returns the in-flight batch's events to the queue. A later assembly may combine them
// with newer events under a new batch id.
func (s *Store) Requeue(ctx context.Context, batchID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		record, err := loadInFlight(txn)
		if err != nil || record == nil {
			return err
		}
		if record.BatchID != batchID {
			return ErrBatchMismatch
		}
		for _, seq := range record.Seqs {
			if err := mutate(txn, seq, func(ev *models.QueuedEvent) {
				ev.State = models.QueueStateQueued
				ev.BatchID = ""
				ev.Attempts++
			}); err != nil {
				return err
			}
		}
		return txn.Delete(keyInFlight)
	})
	if err != nil {
		return fmt.Errorf("requeue batch %s: %w", batchID, err)
	}
	return nil
}

// Depth counts stored events in every state.
func (s *Store) Depth() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		count = countKeys(txn, prefixQueue)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// Stats counts events by state and names the in-flight batch.
func (s *Store) Stats() (Stats, error) {
	stats := Stats{ByState: map[models.QueueState]int{}}
	err := s.db.View(func(txn *badger.Txn) error {
		if err := s.scan(txn, func(ev models.QueuedEvent) (bool, error) {
			stats.Total++
			stats.ByState[ev.State]++
			return true, nil
		}); err != nil {
			return err
		}
		record, err := loadInFlight(txn)
		if err != nil {
			return err
		}
		if record != nil {
			stats.InFlight = record.BatchID
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("collect stats: %w", err)
	}
	return stats, nil
}

// Purge deletes every stored event and the in-flight record. It is an explicit administrative
// action; normal operation never drops events this way.
func (s *Store) Purge(ctx context.Context, reason string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed, err := s.Depth()
	if err != nil {
		return 0, err
	}
	if err := s.db.DropPrefix(prefixQueue); err != nil {
		return 0, fmt.Errorf("purge local queue: %w", err)
	}
	if err := s.update(func(txn *badger.Txn) error { return txn.Delete(keyInFlight) }); err != nil {
		return 0, fmt.Errorf("clear in-flight batch: %w", err)
	}
	s.logger.Warn("local queue purged", zap.String("reason", reason), zap.Int("events", removed))
	return removed, nil
}

// PendingHash lists events still waiting for a salt to hash their subject.
func (s *Store) PendingHash(ctx context.Context, limit int) ([]models.QueuedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var pending []models.QueuedEvent
	err := s.db.View(func(txn *badger.Txn) error {
		return s.scan(txn, func(ev models.QueuedEvent) (bool, error) {
			if ev.State == models.QueueStateAwaitingHash {
				pending = append(pending, ev)
			}
			return limit <= 0 || len(pending) < limit, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list pending hashes: %w", err)
	}
	return pending, nil
}

// UpdateHash stores the computed subject hash, forgets the local subject id and makes the
// event eligible for upload.
func (s *Store) UpdateHash(ctx context.Context, seq uint64, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.update(func(txn *badger.Txn) error {
		return mutate(txn, seq, func(ev *models.QueuedEvent) {
			ev.SubjectHash = hash
			ev.PendingSubject = ""
			ev.State = models.QueueStateQueued
		})
	})
	if err != nil {
		return fmt.Errorf("update hash for event %d: %w", seq, err)
	}
	return nil
}
