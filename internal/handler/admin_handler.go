package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	"github.com/noah-isme/engagement-pipeline/internal/service"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
	"github.com/noah-isme/engagement-pipeline/pkg/response"
)

type retentionService interface {
	Run(ctx context.Context, policyName *string) (*models.RetentionSummary, error)
	Policies() []models.RetentionPolicy
	UpdatePolicy(ctx context.Context, actor, name string, req dto.PolicyUpdateRequest, meta service.AuditMeta) (*models.RetentionPolicy, error)
}

type rebuildService interface {
	Rebuild(ctx context.Context, req dto.RebuildRequest) (*dto.RebuildSummary, error)
}

type healthService interface {
	Pipeline(ctx context.Context) models.PipelineHealth
}

type retentionMonitor interface {
	Status() service.RetentionMonitorStatus
}

// AdminHandler exposes operator triggers for retention and aggregation.
type AdminHandler struct {
	retention retentionService
	rebuild   rebuildService
	health    healthService
	monitor   retentionMonitor
	validator *validator.Validate
}

// NewAdminHandler constructs the handler. monitor may be nil when the scheduler is disabled.
func NewAdminHandler(retention retentionService, rebuild rebuildService, health healthService, monitor retentionMonitor) *AdminHandler {
	return &AdminHandler{
		retention: retention,
		rebuild:   rebuild,
		health:    health,
		monitor:   monitor,
		validator: validator.New(),
	}
}

// RunRetention godoc
// @Summary Trigger a retention run
// @Description Without a policy the run covers every enabled policy, daily salts and the ingest ledger, resuming an interrupted run.
// @Tags Admin
// @Produce json
// @Param policy query string false "Restrict the run to one policy"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Router /admin/retention/run [post]
func (h *AdminHandler) RunRetention(c *gin.Context) {
	var policy *string
	if name := strings.TrimSpace(c.Query("policy")); name != "" {
		policy = &name
	}
	summary, err := h.retention.Run(c.Request.Context(), policy)
	if err != nil {
		appErr := appErrors.FromError(err)
		if summary != nil {
			response.Data(c, appErr.Status, summary, appErr)
			return
		}
		response.Error(c, appErr)
		return
	}
	response.JSON(c, http.StatusOK, summary)
}

// ListPolicies godoc
// @Summary List retention policies
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/retention/policies [get]
func (h *AdminHandler) ListPolicies(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.retention.Policies())
}

// UpdatePolicy godoc
// @Summary Update a retention policy
// @Tags Admin
// @Accept json
// @Produce json
// @Param name path string true "Policy name"
// @Param payload body dto.PolicyUpdateRequest true "New horizons"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /admin/retention/policies/{name} [put]
func (h *AdminHandler) UpdatePolicy(c *gin.Context) {
	var req dto.PolicyUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payload"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "activeRetention and archiveRetention are required"))
		return
	}
	actor := ""
	if claims := claimsFromContext(c); claims != nil {
		actor = claims.Actor()
	}
	policy, err := h.retention.UpdatePolicy(c.Request.Context(), actor, c.Param("name"), req, service.AuditMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, policy)
}

// RebuildAggregates godoc
// @Summary Rebuild rollups for a range
// @Tags Admin
// @Accept json
// @Produce json
// @Param payload body dto.RebuildRequest true "Scope and range"
// @Success 200 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /admin/aggregation/rebuild [post]
func (h *AdminHandler) RebuildAggregates(c *gin.Context) {
	var req dto.RebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid payload"))
		return
	}
	summary, err := h.rebuild.Rebuild(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary)
}

// Health godoc
// @Summary Pipeline health
// @Tags Admin
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /admin/health [get]
func (h *AdminHandler) Health(c *gin.Context) {
	health := h.health.Pipeline(c.Request.Context())
	var meta map[string]interface{}
	if h.monitor != nil {
		meta = map[string]interface{}{"retention_scheduler": h.monitor.Status()}
	}
	response.JSON(c, http.StatusOK, health, meta)
}
