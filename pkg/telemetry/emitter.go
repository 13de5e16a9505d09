package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout   = 2 * time.Second
	maxErrorBodySize = 4096
)

// ErrInvalidArgument indicates the collector rejected the payload with
// validation errors.
var ErrInvalidArgument = errors.New("telemetry invalid argument")

// Emitter sends telemetry events to the lookout collector.
type Emitter struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// Event represents one request observation to report.
type Event struct {
	Service      string
	Endpoint     string
	Method       string
	Status       int
	LatencyMS    float64
	Event        string
	RequestSize  int64
	ResponseSize int64
	OccurredAt   time.Time
}

// NewEmitter creates an emitter for the provided collector base URL. The
// client timeout defaults to 2 seconds so producers never stall on a slow
// collector.
func NewEmitter(baseURL string, client *http.Client) (*Emitter, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("telemetry base url required")
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultTimeout
	}
	return &Emitter{
		baseURL: trimmed,
		client:  client,
		now:     time.Now,
	}, nil
}

// Emit sends the supplied event to the collector's ingest endpoint.
func (e *Emitter) Emit(ctx context.Context, event Event) error {
	if e == nil {
		return errors.New("telemetry emitter not initialised")
	}
	body, err := json.Marshal(buildPayload(event, e.now))
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/collect/log", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telemetry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return e.errorForStatus(resp)
	}
	return nil
}

func (e *Emitter) errorForStatus(resp *http.Response) error {
	limited := io.LimitReader(resp.Body, maxErrorBodySize)
	buf, _ := io.ReadAll(limited)
	summary := strings.TrimSpace(string(buf))
	if summary == "" {
		summary = resp.Status
	}
	if resp.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, summary)
	}
	return fmt.Errorf("telemetry request failed: %s", summary)
}

func buildPayload(event Event, nowFn func() time.Time) map[string]any {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = nowFn().UTC()
	} else {
		occurred = occurred.UTC()
	}
	return map[string]any{
		"service":      strings.TrimSpace(event.Service),
		"endpoint":     strings.TrimSpace(event.Endpoint),
		"method":       strings.TrimSpace(event.Method),
		"status":       event.Status,
		"latencyMs":    event.LatencyMS,
		"event":        strings.TrimSpace(event.Event),
		"requestSize":  event.RequestSize,
		"responseSize": event.ResponseSize,
		"timestamp":    occurred.Format(time.RFC3339Nano),
	}
}
