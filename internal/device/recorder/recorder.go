// Package recorder is the capture entry point the app calls for each observation.
package recorder

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/pkg/anonymizer"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
	"github.com/noah-isme/engagement-pipeline/pkg/piifilter"
)

var (
	interactionTypePattern = regexp.MustCompile(`^[a-z0-9_.\-]{1,64}$`)
	separators             = strings.NewReplacer(" ", "_", "/", "_")
)

// Enqueuer persists captured events locally.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev *models.QueuedEvent) error
}

// Hasher anonymizes the subject of an event.
type Hasher interface {
	Hash(ctx context.Context, subjectLocalID, classroomScope string, date time.Time) (string, error)
}

// SubjectProvider resolves the local id of the student an observation is about.
type SubjectProvider interface {
	CurrentSubject(ctx context.Context, classroomScope string) (string, error)
}

// StaticSubject always resolves to the same local id.
type StaticSubject string

// CurrentSubject implements SubjectProvider.
func (s StaticSubject) CurrentSubject(context.Context, string) (string, error) {
	if s == "" {
		return "", anonymizer.ErrEmptySubject
	}
	return string(s), nil
}

// GrowthPolicy decides whether an observation marks growth. An empty category set applies to
// every category.
type GrowthPolicy struct {
	MinScore   int
	Categories map[models.Category]struct{}
}

// NewGrowthPolicy builds the policy from configuration. Unknown categories are ignored.
func NewGrowthPolicy(cfg config.GrowthConfig) GrowthPolicy {
	policy := GrowthPolicy{MinScore: cfg.MinScore}
	if policy.MinScore <= 0 {
		policy.MinScore = 4
	}
	for _, name := range cfg.Categories {
		category := models.Category(strings.ToLower(strings.TrimSpace(name)))
		if !category.Valid() {
			continue
		}
		if policy.Categories == nil {
			policy.Categories = make(map[models.Category]struct{})
		}
		policy.Categories[category] = struct{}{}
	}
	return policy
}

// Indicates reports whether score in category counts as growth.
func (p GrowthPolicy) Indicates(category models.Category, score int) bool {
	if score < p.MinScore {
		return false
	}
	if len(p.Categories) == 0 {
		return true
	}
	_, ok := p.Categories[category]
	return ok
}

// Recorder turns UI observations into anonymized queued events. It never returns errors to the
// caller; failures are logged and the observation is dropped.
type Recorder struct {
	store    Enqueuer
	hasher   Hasher
	subjects SubjectProvider
	growth   GrowthPolicy
	logger   *zap.Logger
	now      func() time.Time
}

// New constructs a Recorder.
func New(store Enqueuer, hasher Hasher, subjects SubjectProvider, growth GrowthPolicy, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:    store,
		hasher:   hasher,
		subjects: subjects,
		growth:   growth,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordEvent captures one observation.
func (r *Recorder) RecordEvent(ctx context.Context, classroomScope string, lessonID *string, category, interactionType string, score int, metadata map[string]interface{}) {
	ev, ok := r.normalize(classroomScope, lessonID, category, interactionType, score, metadata)
	if !ok {
		return
	}

	subject, err := r.subjects.CurrentSubject(ctx, ev.ClassroomID)
	if err != nil {
		r.logger.Warn("capture dropped: subject unresolved", zap.String("classroom_id", ev.ClassroomID), zap.Error(err))
		return
	}

	hash, err := r.hasher.Hash(ctx, subject, ev.ClassroomID, ev.CapturedAt)
	switch {
	case err == nil:
		ev.SubjectHash = hash
	case errors.Is(err, anonymizer.ErrSaltUnavailable):
		// Held on device until a salt exists; the sync loop hashes it before upload.
		ev.PendingSubject = subject
		r.logger.Info("salt unavailable, event awaits hashing", zap.String("classroom_id", ev.ClassroomID))
	default:
		r.logger.Warn("capture dropped: hashing failed", zap.String("classroom_id", ev.ClassroomID), zap.Error(err))
		return
	}

	if err := r.store.Enqueue(ctx, ev); err != nil {
		r.logger.Error("capture dropped: local store unavailable",
			zap.String("classroom_id", ev.ClassroomID),
			zap.String("category", string(ev.Category)),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("event captured", zap.Uint64("seq", ev.Seq), zap.String("category", string(ev.Category)))
}

func (r *Recorder) normalize(classroomScope string, lessonID *string, category, interactionType string, score int, metadata map[string]interface{}) (*models.QueuedEvent, bool) {
	classroomScope = strings.TrimSpace(classroomScope)
	if classroomScope == "" {
		r.logger.Warn("capture dropped: missing classroom scope")
		return nil, false
	}

	cat := models.Category(strings.ToLower(strings.TrimSpace(category)))
	if !cat.Valid() {
		r.logger.Warn("capture dropped: unknown category", zap.String("category", category))
		return nil, false
	}
	if score < models.MinScore || score > models.MaxScore {
		r.logger.Warn("capture dropped: score out of range", zap.Int("score", score))
		return nil, false
	}

	kind := separators.Replace(strings.ToLower(strings.TrimSpace(interactionType)))
	if !interactionTypePattern.MatchString(kind) || len(piifilter.ScanText("interactionType", kind)) > 0 {
		r.logger.Warn("capture dropped: invalid interaction type", zap.Int("length", len(interactionType)))
		return nil, false
	}

	var lesson *string
	if lessonID != nil {
		if trimmed := strings.TrimSpace(*lessonID); trimmed != "" {
			lesson = &trimmed
		}
	}
	if lesson != nil && len(piifilter.ScanIdentifier("lessonId", *lesson)) > 0 {
		r.logger.Warn("capture dropped: lesson id looks identifying", zap.Int("length", len(*lesson)))
		return nil, false
	}

	ev := &models.QueuedEvent{
		ClassroomID:     classroomScope,
		LessonID:        lesson,
		Category:        cat,
		InteractionType: kind,
		Score:           score,
		GrowthIndicator: r.growth.Indicates(cat, score),
		CapturedAt:      r.now().UTC(),
	}

	if len(metadata) > 0 {
		clean, findings := piifilter.Strip(metadata)
		if len(findings) > 0 {
			fields := make([]string, 0, len(findings))
			for _, f := range findings {
				fields = append(fields, f.Field)
			}
			r.logger.Warn("identifying metadata removed before capture", zap.Strings("fields", fields))
		}
		if err := piifilter.CheckShape(clean, piifilter.DefaultLimits); err != nil {
			r.logger.Warn("metadata discarded", zap.Error(err))
			clean = nil
		}
		if len(clean) > 0 {
			ev.Metadata = models.EventMetadata(clean)
		}
	}
	return ev, true
}
