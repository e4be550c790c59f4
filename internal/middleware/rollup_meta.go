package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

const rollupMetaKey = "rollup_meta"

// RollupMeta describes how a rollup read was served. It is rendered into the response meta.
type RollupMeta struct {
	CacheHit bool
	Records  int
	Stale    int
	started  time.Time
}

// WithRollupMeta starts the clock for a rollup read and stores its metadata on the context.
func WithRollupMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(rollupMetaKey, &RollupMeta{started: time.Now()})
		c.Next()
	}
}

// RollupMetaFrom returns the metadata stored by WithRollupMeta, or fresh metadata when the
// route does not use it.
func RollupMetaFrom(c *gin.Context) *RollupMeta {
	if c != nil {
		if value, ok := c.Get(rollupMetaKey); ok {
			if meta, ok := value.(*RollupMeta); ok {
				return meta
			}
		}
	}
	meta := &RollupMeta{started: time.Now()}
	if c != nil {
		c.Set(rollupMetaKey, meta)
	}
	return meta
}

// Observe records the outcome of the read.
func (m *RollupMeta) Observe(records []models.RollupRecord, cacheHit bool) {
	m.CacheHit = cacheHit
	m.Records = len(records)
	m.Stale = 0
	for _, record := range records {
		if record.Stale {
			m.Stale++
		}
	}
}

// Map renders the metadata for the response envelope.
func (m *RollupMeta) Map() map[string]interface{} {
	return map[string]interface{}{
		"cache_hit":          m.CacheHit,
		"records":            m.Records,
		"stale":              m.Stale,
		"processing_time_ms": time.Since(m.started).Milliseconds(),
	}
}
