package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/internal/service"
	"github.com/noah-isme/engagement-pipeline/pkg/config"
)

func newTokenService() *service.TokenService {
	return service.NewTokenService(config.JWTConfig{Secret: "test-secret", Issuer: "engagement-pipeline", Expiration: time.Hour})
}

func issue(t *testing.T, tokens *service.TokenService, role models.ScopeRole, classrooms ...string) string {
	t.Helper()
	token, _, err := tokens.Issue(service.TokenRequest{Subject: "subject-1", Role: role, ClassroomIDs: classrooms})
	require.NoError(t, err)
	return token
}

func TestJWTRejectsMissingAndMalformedHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(JWT(newTokenService()))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, header := range []string{"", "Token abc", "Bearer not-a-jwt"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestJWTAndRBAC(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := newTokenService()
	router := gin.New()
	router.Use(JWT(tokens))
	router.GET("/admin", RequireRoles(models.RoleAdmin), func(c *gin.Context) {
		value, _ := c.Get(ContextUserKey)
		claims := value.(*models.ScopeClaims)
		c.String(http.StatusOK, claims.Subject)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, tokens, models.RoleAdmin))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "subject-1", rec.Body.String())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+issue(t, tokens, models.RoleTeacher, "class-a"))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestJWTAcceptsQueryTokenOnWebsocketUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens := newTokenService()
	router := gin.New()
	router.Use(JWT(tokens))
	router.GET("/stream", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	token := issue(t, tokens, models.RoleTeacher, "class-a")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stream?access_token="+token, nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/stream?access_token="+token, nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimitPerClassroom(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewClassroomLimiter(1, 2)
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return frozen }

	router := gin.New()
	router.Use(RateLimit(limiter))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 4)
	for _, classroom := range []string{"a", "a", "a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?classroomId="+classroom, nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests, http.StatusNoContent}, codes)

	disabled := NewClassroomLimiter(0, 0)
	for i := 0; i < 10; i++ {
		assert.True(t, disabled.Allow("a"))
	}
}

type recordingAuditStore struct {
	logs []models.AuditLog
}

func (r *recordingAuditStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	r.logs = append(r.logs, *log)
	return nil
}

func TestAuditRecordsSuccessfulRequestsOnly(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &recordingAuditStore{}
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(ContextUserKey, &models.ScopeClaims{Role: models.RoleAdmin})
		c.Next()
	})
	router.POST("/ok", Audit(store, models.AuditActionRetentionRun, "retention"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.POST("/fail", Audit(store, models.AuditActionRetentionRun, "retention"), func(c *gin.Context) {
		c.Status(http.StatusConflict)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/ok?policy=events", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/fail", nil))

	require.Len(t, store.logs, 1)
	assert.Equal(t, models.AuditActionRetentionRun, store.logs[0].Action)
	assert.Contains(t, string(store.logs[0].NewValues), "policy=events")
}

func TestMetricsLabelsRequestsBySurfaceAndRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	metrics := service.NewMetricsService()
	router := gin.New()
	router.Use(Metrics(metrics))
	router.POST("/api/v1/ingest/batches", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	router.GET("/api/v1/rollups", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/ingest/batches", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/rollups?classroomId=a", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/.env", nil))

	assert.Equal(t, uint64(4), metrics.Snapshot().RequestsTotal)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `pipeline_http_requests_total{method="POST",route="/api/v1/ingest/batches",status="202",surface="ingest"} 1`)
	assert.Contains(t, body, `pipeline_http_requests_total{method="GET",route="/api/v1/rollups",status="200",surface="rollups"} 1`)
	assert.Contains(t, body, `pipeline_http_requests_total{method="GET",route="unmatched",status="404",surface="unmatched"} 2`)
	assert.NotContains(t, body, "wp-login")
}

func TestSurfaceOf(t *testing.T) {
	assert.Equal(t, SurfaceIngest, SurfaceOf("/api/v1/ingest/batches"))
	assert.Equal(t, SurfaceRollups, SurfaceOf("/api/v1/rollups/stream"))
	assert.Equal(t, SurfaceAdmin, SurfaceOf("/api/v1/admin/rollups/export"))
	assert.Equal(t, SurfaceOps, SurfaceOf("/health"))
	assert.Equal(t, SurfaceUnmatched, SurfaceOf(""))
}

func TestRollupMetaCountsStaleRecords(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	var rendered map[string]interface{}
	router.GET("/rollups", WithRollupMeta(), func(c *gin.Context) {
		meta := RollupMetaFrom(c)
		meta.Observe([]models.RollupRecord{{Stale: true}, {}, {Stale: true}}, true)
		rendered = meta.Map()
		c.Status(http.StatusOK)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/rollups", nil))

	require.NotNil(t, rendered)
	assert.Equal(t, true, rendered["cache_hit"])
	assert.Equal(t, 3, rendered["records"])
	assert.Equal(t, 2, rendered["stale"])
	assert.Contains(t, rendered, "processing_time_ms")
}
