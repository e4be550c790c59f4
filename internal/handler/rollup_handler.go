package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/middleware"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
	"github.com/noah-isme/engagement-pipeline/pkg/response"
)

const defaultRollupWindow = 7 * 24 * time.Hour

type rollupService interface {
	QueryRollups(ctx context.Context, claims *models.ScopeClaims, q dto.RollupQuery) ([]models.RollupRecord, bool, error)
	ExportRollups(ctx context.Context, claims *models.ScopeClaims, q dto.RollupQuery, format string) (*dto.RollupExport, error)
}

// RollupStreamer upgrades a request into a live rollup subscription.
type RollupStreamer interface {
	Serve(w http.ResponseWriter, r *http.Request, classroomIDs []string)
}

// RollupHandler serves aggregated engagement to teachers.
type RollupHandler struct {
	service rollupService
	stream  RollupStreamer
	now     func() time.Time
}

// NewRollupHandler constructs the handler. stream may be nil to disable live updates.
func NewRollupHandler(service rollupService, stream RollupStreamer) *RollupHandler {
	return &RollupHandler{service: service, stream: stream, now: time.Now}
}

// List godoc
// @Summary Query engagement rollups
// @Description Records flagged stale have been queued for recompute.
// @Tags Rollups
// @Produce json
// @Param classroomId query []string true "Classroom IDs (repeat or comma separate)"
// @Param lessonId query string false "Lesson ID; omitted means classroom-wide"
// @Param from query string false "Start (RFC3339 or YYYY-MM-DD). Defaults to 7 days before to"
// @Param to query string false "End (RFC3339 or YYYY-MM-DD). Defaults to now"
// @Param category query string false "Restrict the breakdown to one category"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /rollups [get]
func (h *RollupHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query, err := h.parseQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	meta := middleware.RollupMetaFrom(c)
	records, cacheHit, err := h.service.QueryRollups(c.Request.Context(), claims, query)
	if err != nil {
		response.Error(c, err)
		return
	}
	if records == nil {
		records = []models.RollupRecord{}
	}
	meta.Observe(records, cacheHit)
	response.JSON(c, http.StatusOK, records, meta.Map())
}

// Export godoc
// @Summary Export engagement rollups
// @Tags Rollups
// @Produce text/csv
// @Produce application/pdf
// @Param classroomId query []string true "Classroom IDs"
// @Param lessonId query string false "Lesson ID"
// @Param from query string false "Start"
// @Param to query string false "End"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Router /admin/rollups/export [get]
func (h *RollupHandler) Export(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	query, err := h.parseQuery(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	format := strings.ToLower(c.DefaultQuery("format", "csv"))
	file, err := h.service.ExportRollups(c.Request.Context(), claims, query, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, file.ContentType, file.Body)
}

// Stream godoc
// @Summary Live rollup updates
// @Description Upgrades to a websocket that pushes rollup.updated and rollup.deleted messages for the requested classrooms.
// @Tags Rollups
// @Param classroomId query []string true "Classroom IDs"
// @Param access_token query string false "Token when the Authorization header cannot be set"
// @Success 101
// @Router /rollups/stream [get]
func (h *RollupHandler) Stream(c *gin.Context) {
	if h.stream == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "live updates are disabled"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	classroomIDs := queryList(c, "classroomId")
	if len(classroomIDs) == 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "classroomId is required"))
		return
	}
	for _, id := range classroomIDs {
		if !claims.Allows(id) {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("classroom %s is outside the token scope", id)))
			return
		}
	}
	h.stream.Serve(c.Writer, c.Request, classroomIDs)
}

func (h *RollupHandler) parseQuery(c *gin.Context) (dto.RollupQuery, error) {
	query := dto.RollupQuery{
		ClassroomIDs: queryList(c, "classroomId"),
		LessonID:     strings.TrimSpace(c.Query("lessonId")),
		Category:     strings.TrimSpace(c.Query("category")),
	}
	if len(query.ClassroomIDs) == 0 {
		return query, appErrors.Clone(appErrors.ErrValidation, "classroomId is required")
	}

	query.To = h.now().UTC()
	if raw := c.Query("to"); raw != "" {
		to, err := parseTimeParam(raw)
		if err != nil {
			return query, appErrors.Clone(appErrors.ErrValidation, "to must be RFC3339 or YYYY-MM-DD")
		}
		query.To = to
	}
	query.From = query.To.Add(-defaultRollupWindow)
	if raw := c.Query("from"); raw != "" {
		from, err := parseTimeParam(raw)
		if err != nil {
			return query, appErrors.Clone(appErrors.ErrValidation, "from must be RFC3339 or YYYY-MM-DD")
		}
		query.From = from
	}
	return query, nil
}
