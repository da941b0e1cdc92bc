package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportq/internal/config"
	"reportq/internal/logging"
	"reportq/internal/queue"
)

const userAgent = "reportq/0.1.0"

// Submitter delivers one report to the backend.
type Submitter interface {
	Submit(ctx context.Context, rec queue.Record) (Result, error)
}

// SubmitterFunc adapts a function to the Submitter interface.
type SubmitterFunc func(ctx context.Context, rec queue.Record) (Result, error)

// Submit calls f.
func (f SubmitterFunc) Submit(ctx context.Context, rec queue.Record) (Result, error) {
	return f(ctx, rec)
}

// Result describes a delivered report.
type Result struct {
	// ID is the backend identifier for the report. It is never empty on success.
	ID         string
	StatusCode int
	RequestID  string
	Duration   time.Duration
}

// Client submits reports over HTTP.
type Client struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *slog.Logger
}

// NewClient builds a Client for the configured backend.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	return &Client{
		endpoint: cfg.SubmitURL(),
		token:    strings.TrimSpace(cfg.Backend.APIToken),
		client:   &http.Client{Timeout: cfg.BackendTimeout()},
		logger:   logging.NewComponentLogger(logger, "submit"),
	}
}

// Submit posts the record payload and returns the backend identifier.
func (c *Client) Submit(ctx context.Context, rec queue.Record) (Result, error) {
	requestID := uuid.NewString()
	if id, ok := logging.CorrelationIDFromContext(ctx); ok && id != "" {
		requestID = id
	}
	logger := logging.WithContext(logging.WithIdentityKey(ctx, rec.IdentityKey), c.logger)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(rec.Payload))
	if err != nil {
		return Result{}, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Idempotency-Key", rec.IdentityKey)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, classifyTransport(err)
	}
	elapsed := time.Since(started)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, classifyStatus(resp.StatusCode, truncate(strings.TrimSpace(string(body)), 512))
	}

	id, ok := extractIdentifier(body)
	if !ok {
		return Result{}, &Error{Kind: KindProtocol, StatusCode: resp.StatusCode, Message: ErrNoIdentifier.Error(), Err: ErrNoIdentifier}
	}

	logger.Debug("report delivered",
		logging.String("report_id", id),
		logging.String(logging.FieldCorrelationID, requestID),
		logging.Duration("elapsed", elapsed),
	)
	return Result{ID: id, StatusCode: resp.StatusCode, RequestID: requestID, Duration: elapsed}, nil
}

var identifierKeys = []string{"identifier", "id", "reportId", "report_id"}

// extractIdentifier finds a truthy identifier at the top level of the
// response or under a "data" envelope. Numbers keep their literal digits.
func extractIdentifier(body []byte) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return "", false
	}
	if _, err := dec.Token(); err != io.EOF {
		return "", false
	}
	if id, ok := identifierFrom(doc); ok {
		return id, true
	}
	if nested, ok := doc["data"].(map[string]any); ok {
		return identifierFrom(nested)
	}
	return "", false
}

func identifierFrom(doc map[string]any) (string, bool) {
	for _, key := range identifierKeys {
		if id, ok := truthy(doc[key]); ok {
			return id, true
		}
	}
	return "", false
}

func truthy(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		v = strings.TrimSpace(v)
		return v, v != ""
	case json.Number:
		if f, err := v.Float64(); err != nil || f == 0 {
			return "", false
		}
		return v.String(), true
	case bool:
		if !v {
			return "", false
		}
		return "true", true
	default:
		return "", false
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
