package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
	"github.com/noah-isme/engagement-pipeline/pkg/response"
)

// Sync headers sent by devices with each upload.
const (
	HeaderSyncAttempt      = "X-Sync-Attempt"
	HeaderDeviceQueueDepth = "X-Device-Queue-Depth"
)

type ingestService interface {
	Ingest(ctx context.Context, claims *models.ScopeClaims, req dto.IngestBatchRequest, hints dto.DeliveryHints) (*dto.IngestResult, error)
}

// IngestHandler receives event batches from devices.
type IngestHandler struct {
	service      ingestService
	maxBodyBytes int64
}

// NewIngestHandler constructs the handler. maxBodyBytes <= 0 leaves the body unbounded.
func NewIngestHandler(service ingestService, maxBodyBytes int64) *IngestHandler {
	return &IngestHandler{service: service, maxBodyBytes: maxBodyBytes}
}

// SubmitBatch godoc
// @Summary Submit an event batch
// @Description Idempotent by batchId. A repeated batch is accepted with duplicate=true and stored once.
// @Tags Ingest
// @Accept json
// @Produce json
// @Param X-Sync-Attempt header int false "Delivery attempt number"
// @Param X-Device-Queue-Depth header int false "Events waiting on the device"
// @Param payload body dto.IngestBatchRequest true "Batch"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /ingest/batches [post]
func (h *IngestHandler) SubmitBatch(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.ErrInternal)
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if h.maxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes)
	}

	var req dto.IngestBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		detail := "request body is not a valid batch"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			detail = "request body exceeds " + strconv.FormatInt(tooLarge.Limit, 10) + " bytes"
		}
		appErr := appErrors.Clone(appErrors.ErrMalformedBatch, detail)
		response.Data(c, appErr.Status, &dto.IngestResult{
			Status:  dto.IngestStatusRejected,
			Reason:  dto.RejectMalformed,
			Details: []string{detail},
		}, appErr)
		return
	}

	result, err := h.service.Ingest(c.Request.Context(), claims, req, deliveryHints(c))
	if err != nil {
		appErr := appErrors.FromError(err)
		if result != nil {
			response.Data(c, appErr.Status, result, appErr)
			return
		}
		response.Error(c, appErr)
		return
	}
	response.JSON(c, http.StatusOK, result)
}

func deliveryHints(c *gin.Context) dto.DeliveryHints {
	hints := dto.DeliveryHints{QueueDepth: -1}
	if v, err := strconv.Atoi(c.GetHeader(HeaderSyncAttempt)); err == nil && v > 0 {
		hints.Attempt = v
	}
	if v, err := strconv.ParseInt(c.GetHeader(HeaderDeviceQueueDepth), 10, 64); err == nil && v >= 0 {
		hints.QueueDepth = v
	}
	return hints
}
