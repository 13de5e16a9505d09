package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/lookout-dev/lookout/internal/domain"
	"github.com/lookout-dev/lookout/internal/repository"
	"github.com/lookout-dev/lookout/internal/service/incident"
	"github.com/lookout-dev/lookout/internal/ws"
)

const (
	unknownField          = "unknown"
	defaultStatus         = 200
	defaultAggregateLimit = 2 * time.Second
)

// Service receives telemetry events, appends them to the log store, and
// feeds the incident aggregator. Producers are fire-and-forget: aggregation
// runs under a bounded timeout and its failures never propagate upstream of
// the collector.
type Service struct {
	logs           repository.LogRepository
	aggregator     *incident.Aggregator
	hub            *ws.Hub
	logger         *slog.Logger
	aggregateLimit time.Duration
	now            func() time.Time
}

// New constructs an ingest Service.
func New(logs repository.LogRepository, aggregator *incident.Aggregator, hub *ws.Hub, logger *slog.Logger, aggregateLimit time.Duration) *Service {
	if aggregateLimit <= 0 {
		aggregateLimit = defaultAggregateLimit
	}
	if hub == nil {
		hub = ws.NewHub()
	}
	if logger != nil {
		logger = logger.With("component", "ingest")
	} else {
		logger = slog.Default()
	}
	return &Service{
		logs:           logs,
		aggregator:     aggregator,
		hub:            hub,
		logger:         logger,
		aggregateLimit: aggregateLimit,
		now:            time.Now,
	}
}

// Ingest normalizes and persists one telemetry event, then aggregates it.
// The log write is authoritative: its failure is returned. Aggregation
// errors are logged and absorbed so a store hiccup on the incident side
// never rejects a producer's event.
func (s *Service) Ingest(ctx context.Context, event domain.TelemetryEvent) error {
	event = normalize(event, s.now)

	if err := s.logs.AppendEvent(ctx, &event); err != nil {
		return err
	}

	aggCtx, cancel := context.WithTimeout(ctx, s.aggregateLimit)
	defer cancel()
	if err := s.aggregator.Record(aggCtx, event); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.logger.Warn("aggregation timed out", "service", event.Service, "endpoint", event.Endpoint)
		} else {
			s.logger.Error("aggregation failed", "service", event.Service, "endpoint", event.Endpoint, "error", err)
		}
	}

	s.broadcast(event)
	return nil
}

// ListEvents returns recent telemetry events, optionally filtered by
// service and endpoint.
func (s *Service) ListEvents(ctx context.Context, service, endpoint string, limit int) ([]domain.TelemetryEvent, error) {
	return s.logs.ListEvents(ctx, service, endpoint, limit)
}

// Hub exposes the stream hub for HTTP handlers.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

func (s *Service) broadcast(event domain.TelemetryEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("failed to marshal telemetry event", "error", err)
		return
	}
	s.hub.Broadcast(event.Service, payload)
}

// normalize fills the defaults that keep absent data from spuriously
// triggering classifier rules.
func normalize(event domain.TelemetryEvent, now func() time.Time) domain.TelemetryEvent {
	if event.Service == "" {
		event.Service = unknownField
	}
	if event.Endpoint == "" {
		event.Endpoint = unknownField
	}
	if event.Status == 0 {
		event.Status = defaultStatus
	}
	if event.LatencyMS < 0 {
		event.LatencyMS = 0
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}
	return event
}
