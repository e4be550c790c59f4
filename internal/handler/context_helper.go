package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/engagement-pipeline/internal/middleware"
	"github.com/noah-isme/engagement-pipeline/internal/models"
)

func claimsFromContext(c *gin.Context) *models.ScopeClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.ScopeClaims)
	if !ok {
		return nil
	}
	return claims
}

// queryList accepts both repeated parameters and comma separated values.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, raw := range c.QueryArray(key) {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// parseTimeParam accepts RFC3339 timestamps or YYYY-MM-DD dates (UTC midnight).
func parseTimeParam(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(models.DayLayout, value)
}
