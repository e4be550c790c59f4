package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/engagement-pipeline/internal/dto"
	"github.com/noah-isme/engagement-pipeline/internal/middleware"
	"github.com/noah-isme/engagement-pipeline/internal/models"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
)

type responseEnvelope struct {
	Data  json.RawMessage        `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) responseEnvelope {
	t.Helper()
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope
}

type fakeIngestService struct {
	result *dto.IngestResult
	err    error
	hints  dto.DeliveryHints
	req    dto.IngestBatchRequest
	calls  int
}

func (f *fakeIngestService) Ingest(_ context.Context, _ *models.ScopeClaims, req dto.IngestBatchRequest, hints dto.DeliveryHints) (*dto.IngestResult, error) {
	f.calls++
	f.req = req
	f.hints = hints
	return f.result, f.err
}

func newIngestContext(body string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/ingest/batches", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set(middleware.ContextUserKey, &models.ScopeClaims{Role: models.RoleDevice, ClassroomIDs: []string{"class-a"}})
	return c, rec
}

func TestIngestHandlerAccepted(t *testing.T) {
	svc := &fakeIngestService{result: &dto.IngestResult{Status: dto.IngestStatusAccepted, BatchID: "b-1", Accepted: 2}}
	handler := NewIngestHandler(svc, 1<<20)

	c, rec := newIngestContext(`{"batchId":"b-1","events":[]}`)
	c.Request.Header.Set(HeaderSyncAttempt, "3")
	c.Request.Header.Set(HeaderDeviceQueueDepth, "41")

	handler.SubmitBatch(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "b-1", svc.req.BatchID)
	assert.Equal(t, dto.DeliveryHints{Attempt: 3, QueueDepth: 41}, svc.hints)

	var result dto.IngestResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &result))
	assert.Equal(t, 2, result.Accepted)
}

func TestIngestHandlerMissingHintsDefault(t *testing.T) {
	svc := &fakeIngestService{result: &dto.IngestResult{Status: dto.IngestStatusAccepted}}
	handler := NewIngestHandler(svc, 0)

	c, _ := newIngestContext(`{"batchId":"b-1","events":[]}`)
	c.Request.Header.Set(HeaderSyncAttempt, "not-a-number")

	handler.SubmitBatch(c)

	assert.Equal(t, dto.DeliveryHints{Attempt: 0, QueueDepth: -1}, svc.hints)
}

func TestIngestHandlerRejectionCarriesResult(t *testing.T) {
	svc := &fakeIngestService{
		result: &dto.IngestResult{Status: dto.IngestStatusRejected, BatchID: "b-1", Reason: dto.RejectPIIDetected},
		err:    appErrors.Clone(appErrors.ErrPIIDetected, "email address in metadata.note"),
	}
	handler := NewIngestHandler(svc, 0)

	c, rec := newIngestContext(`{"batchId":"b-1","events":[]}`)
	handler.SubmitBatch(c)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	envelope := decodeEnvelope(t, rec)
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrPIIDetected.Code, envelope.Error.Code)
	var result dto.IngestResult
	require.NoError(t, json.Unmarshal(envelope.Data, &result))
	assert.Equal(t, dto.RejectPIIDetected, result.Reason)
}

func TestIngestHandlerMalformedBody(t *testing.T) {
	svc := &fakeIngestService{}
	handler := NewIngestHandler(svc, 0)

	c, rec := newIngestContext(`{"batchId":`)
	handler.SubmitBatch(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.calls)
	var result dto.IngestResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &result))
	assert.Equal(t, dto.RejectMalformed, result.Reason)
}

func TestIngestHandlerBodyTooLarge(t *testing.T) {
	svc := &fakeIngestService{}
	handler := NewIngestHandler(svc, 64)

	payload := `{"batchId":"` + string(bytes.Repeat([]byte("x"), 200)) + `","events":[]}`
	c, rec := newIngestContext(payload)
	handler.SubmitBatch(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.calls)
	assert.Contains(t, rec.Body.String(), "exceeds 64 bytes")
}

func TestIngestHandlerSaltUnavailable(t *testing.T) {
	svc := &fakeIngestService{err: appErrors.ErrSaltUnavailable}
	handler := NewIngestHandler(svc, 0)

	c, rec := newIngestContext(`{"batchId":"b-1","events":[]}`)
	handler.SubmitBatch(c)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
}

func TestIngestHandlerRequiresClaims(t *testing.T) {
	handler := NewIngestHandler(&fakeIngestService{}, 0)
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/ingest/batches", strings.NewReader(`{}`))

	handler.SubmitBatch(c)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
