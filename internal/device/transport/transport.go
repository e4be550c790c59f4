// Package transport delivers batches to the ingest API and classifies the outcome.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/engagement-pipeline/internal/device/batch"
	"github.com/noah-isme/engagement-pipeline/internal/dto"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
	"github.com/noah-isme/engagement-pipeline/pkg/middleware/requestid"
)

// BatchesPath is the ingest route relative to the API base URL.
const BatchesPath = "/ingest/batches"

// Transport sends one batch and reports the server's verdict.
type Transport interface {
	Send(ctx context.Context, b *batch.Batch, hints dto.DeliveryHints) (*dto.IngestResult, error)
}

// ValidationError means the server rejected the batch; retrying the same content cannot succeed.
type ValidationError struct {
	Status  int
	Reason  string
	Details []string
}

func (e *ValidationError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("batch rejected (%d %s): %s", e.Status, e.Reason, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("batch rejected (%d %s)", e.Status, e.Reason)
}

// TransientNetworkError covers timeouts, connectivity loss and retryable server responses.
type TransientNetworkError struct {
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *TransientNetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient delivery failure (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transient *TransientNetworkError
	return errors.As(err, &transient)
}

// HTTPTransport posts batches as JSON with a bearer token.
type HTTPTransport struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewHTTP creates a transport for the API at baseURL, e.g. http://host/api/v1.
func NewHTTP(baseURL, token string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + BatchesPath,
		token:    token,
		client:   client,
	}
}

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
}

// Send posts b. Callers bound the call with ctx.
func (t *HTTPTransport) Send(ctx context.Context, b *batch.Batch, hints dto.DeliveryHints) (*dto.IngestResult, error) {
	body, err := batch.Encode(b)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(requestid.Header, uuid.NewString())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	if hints.Attempt > 0 {
		req.Header.Set("X-Sync-Attempt", strconv.Itoa(hints.Attempt))
	}
	if hints.QueueDepth >= 0 {
		req.Header.Set("X-Device-Queue-Depth", strconv.FormatInt(hints.QueueDepth, 10))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientNetworkError{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusOK:
		if decodeErr != nil {
			return nil, &TransientNetworkError{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", decodeErr)}
		}
		var result dto.IngestResult
		if err := json.Unmarshal(env.Data, &result); err != nil {
			return nil, &TransientNetworkError{Status: resp.StatusCode, Err: fmt.Errorf("decode result: %w", err)}
		}
		if result.Status != dto.IngestStatusAccepted {
			return nil, &TransientNetworkError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected result status %q", result.Status)}
		}
		return &result, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		verr := &ValidationError{Status: resp.StatusCode, Reason: dto.RejectValidation}
		var result dto.IngestResult
		if decodeErr == nil && len(env.Data) > 0 && json.Unmarshal(env.Data, &result) == nil && result.Reason != "" {
			verr.Reason = result.Reason
			verr.Details = result.Details
		} else if decodeErr == nil && env.Error != nil {
			verr.Details = []string{env.Error.Message}
		}
		return nil, verr
	default:
		terr := &TransientNetworkError{Status: resp.StatusCode, Err: fmt.Errorf("request failed with status %d", resp.StatusCode)}
		if decodeErr == nil && env.Error != nil {
			terr.Err = fmt.Errorf("request failed with status %d: %s", resp.StatusCode, env.Error.Message)
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			terr.RetryAfter = time.Duration(secs) * time.Second
		}
		return nil, terr
	}
}
