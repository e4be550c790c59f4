// Package anonymizer derives irreversible, day-scoped subject hashes.
//
// A hash is BLAKE2b-256 keyed with the day's random salt over the length-prefixed subject id,
// classroom scope and UTC day. The same inputs hash identically within a day; a new day draws a
// new salt, so hashes of the same student on different days are unrelated. Deleting a salt makes
// that day's identifiers permanently unrecoverable.
package anonymizer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

// SaltSize is the length in bytes of a daily salt.
const SaltSize = 32

// HashLength is the length of a hex encoded subject hash.
const HashLength = 64

var (
	// ErrSaltNotFound is returned by a SaltStore when no salt exists for a day.
	ErrSaltNotFound = errors.New("salt not found")
	// ErrSaltUnavailable means the day's salt could neither be read nor generated.
	ErrSaltUnavailable = errors.New("salt unavailable")
	// ErrEmptySubject rejects hashing of blank identifiers.
	ErrEmptySubject = errors.New("subject id and classroom scope are required")
	// ErrSaltExpired means the day lies before the salt window, so its salt was pruned and is
	// never recreated. It wraps ErrSaltUnavailable.
	ErrSaltExpired = fmt.Errorf("%w: day is outside the salt window", ErrSaltUnavailable)
)

// SaltStore persists one salt per UTC day.
type SaltStore interface {
	GetSalt(ctx context.Context, day string) (*models.DailySalt, error)
	// CreateSalt stores salt unless one already exists for the day, and returns the stored salt.
	CreateSalt(ctx context.Context, salt *models.DailySalt) (*models.DailySalt, error)
}

// Option customises an Anonymizer.
type Option func(*Anonymizer)

// WithRandom replaces the entropy source used for new salts.
func WithRandom(r io.Reader) Option {
	return func(a *Anonymizer) { a.random = r }
}

// WithClock replaces the clock used to stamp new salts and to place the salt window.
func WithClock(now func() time.Time) Option {
	return func(a *Anonymizer) { a.now = now }
}

// WithSaltWindow refuses to create salts for days older than window; retention has pruned them.
func WithSaltWindow(window time.Duration) Option {
	return func(a *Anonymizer) { a.window = window }
}

// Anonymizer computes subject hashes. It is safe for concurrent use.
type Anonymizer struct {
	store  SaltStore
	random io.Reader
	now    func() time.Time
	window time.Duration

	mu     sync.Mutex
	cache  map[string][]byte
	pruned string
}

// New builds an Anonymizer over the given salt store.
func New(store SaltStore, opts ...Option) *Anonymizer {
	a := &Anonymizer{
		store:  store,
		random: rand.Reader,
		now:    time.Now,
		cache:  make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Hash returns the 64 hex character digest of subjectLocalID within classroomScope on date's UTC day.
func (a *Anonymizer) Hash(ctx context.Context, subjectLocalID, classroomScope string, date time.Time) (string, error) {
	if subjectLocalID == "" || classroomScope == "" {
		return "", ErrEmptySubject
	}
	day := models.DayOf(date)
	salt, err := a.saltFor(ctx, day)
	if err != nil {
		return "", err
	}
	return Digest(salt, subjectLocalID, classroomScope, day)
}

// Digest is the pure hashing step, exposed for auditing and tests.
func Digest(salt []byte, subjectLocalID, classroomScope, day string) (string, error) {
	if len(salt) == 0 || len(salt) > blake2b.Size {
		return "", fmt.Errorf("%w: invalid salt length %d", ErrSaltUnavailable, len(salt))
	}
	h, err := blake2b.New256(salt)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	for _, part := range []string{subjectLocalID, classroomScope, day} {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		h.Write(size[:])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidHash reports whether s looks like a subject hash.
func ValidHash(s string) bool {
	if len(s) != HashLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Forget drops cached salts for days before cutoff, mirroring salt pruning in the store.
func (a *Anonymizer) Forget(cutoff time.Time) {
	boundary := models.DayOf(cutoff)
	a.mu.Lock()
	defer a.mu.Unlock()
	if boundary > a.pruned {
		a.pruned = boundary
	}
	for day := range a.cache {
		if day < boundary {
			delete(a.cache, day)
		}
	}
}

func (a *Anonymizer) saltFor(ctx context.Context, day string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if salt, ok := a.cache[day]; ok {
		return salt, nil
	}

	existing, err := a.store.GetSalt(ctx, day)
	switch {
	case err == nil && existing != nil && len(existing.Value) > 0:
		a.cache[day] = existing.Value
		return existing.Value, nil
	case err != nil && !errors.Is(err, ErrSaltNotFound):
		return nil, fmt.Errorf("%w: load salt %s: %v", ErrSaltUnavailable, day, err)
	}
	if a.expired(day) {
		return nil, fmt.Errorf("%w: %s", ErrSaltExpired, day)
	}

	value := make([]byte, SaltSize)
	if _, err := io.ReadFull(a.random, value); err != nil {
		return nil, fmt.Errorf("%w: generate salt %s: %v", ErrSaltUnavailable, day, err)
	}
	stored, err := a.store.CreateSalt(ctx, &models.DailySalt{Day: day, Value: value, CreatedAt: a.now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("%w: store salt %s: %v", ErrSaltUnavailable, day, err)
	}
	if stored == nil || len(stored.Value) == 0 {
		return nil, fmt.Errorf("%w: store returned empty salt for %s", ErrSaltUnavailable, day)
	}
	a.cache[day] = stored.Value
	return stored.Value, nil
}

// expired reports whether day precedes the salt window or a day already forgotten. Caller holds mu.
func (a *Anonymizer) expired(day string) bool {
	if a.pruned != "" && day < a.pruned {
		return true
	}
	return a.window > 0 && day < models.DayOf(a.now().Add(-a.window))
}
