package incident

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/lookout-dev/lookout/internal/domain"
	"github.com/lookout-dev/lookout/internal/repository"
)

const (
	maxWriteAttempts = 3
	retryBackoffBase = 10 * time.Millisecond
)

// Aggregator folds telemetry events into open incidents: classify, then
// find-or-create-or-increment per matched type. Writes go through the
// store's compare-and-swap primitive with bounded retries; an increment that
// still conflicts after the retry budget is dropped and logged, never
// surfaced to the producer. The raw event remains in the log store either
// way.
type Aggregator struct {
	repo       repository.IncidentRepository
	classifier *Classifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewAggregator constructs an Aggregator.
func NewAggregator(repo repository.IncidentRepository, classifier *Classifier, logger *slog.Logger) *Aggregator {
	if classifier == nil {
		classifier = NewClassifier()
	}
	if logger != nil {
		logger = logger.With("component", "incident_aggregator")
	} else {
		logger = slog.Default()
	}
	return &Aggregator{
		repo:       repo,
		classifier: classifier,
		logger:     logger,
		now:        time.Now,
	}
}

// Record classifies the event and applies one creation or increment per
// matched incident type. Store errors other than the absorbed conflicts are
// returned to the caller.
func (a *Aggregator) Record(ctx context.Context, event domain.TelemetryEvent) error {
	for _, incidentType := range a.classifier.Classify(event) {
		if err := a.apply(ctx, event.Service, event.Endpoint, incidentType); err != nil {
			return err
		}
	}
	return nil
}

// apply ensures the identity triple has an open incident reflecting one more
// observation. Version conflicts on increment are retried with backoff; a
// create that loses to a concurrent creator succeeds idempotently without
// re-incrementing (the winner's record satisfies the uniqueness invariant,
// and this event's increment is deliberately allowed to be lost).
func (a *Aggregator) apply(ctx context.Context, service, endpoint, incidentType string) error {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}

		inc, err := a.repo.FindOpenIncident(ctx, service, endpoint, incidentType)
		if errors.Is(err, repository.ErrNotFound) {
			return a.create(ctx, service, endpoint, incidentType)
		}
		if err != nil {
			return err
		}

		inc.Count++
		inc.LastSeen = a.now().UTC()
		err = a.repo.SaveIncidentIfUnchanged(ctx, inc, inc.Version)
		if err == nil {
			incrementsAppliedTotal.WithLabelValues(incidentType).Inc()
			return nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		casConflictsTotal.WithLabelValues("increment").Inc()
	}

	incrementsDroppedTotal.Inc()
	a.logger.Warn("increment dropped after retry exhaustion",
		"service", service, "endpoint", endpoint, "type", incidentType, "attempts", maxWriteAttempts)
	return nil
}

func (a *Aggregator) create(ctx context.Context, service, endpoint, incidentType string) error {
	now := a.now().UTC()
	inc := &domain.Incident{
		ID:        uuid.NewString(),
		Service:   service,
		Endpoint:  endpoint,
		Type:      incidentType,
		FirstSeen: now,
		LastSeen:  now,
		Count:     1,
		Version:   1,
	}
	err := a.repo.CreateIncident(ctx, inc)
	if errors.Is(err, repository.ErrDuplicateOpenIncident) {
		// Lost the check-then-act race; the concurrent creator's record
		// already signals the incident.
		createRacesTotal.Inc()
		a.logger.Debug("incident creation lost to concurrent creator",
			"service", service, "endpoint", endpoint, "type", incidentType)
		return nil
	}
	if err != nil {
		return err
	}
	incidentsOpenedTotal.WithLabelValues(incidentType).Inc()
	a.logger.Info("incident opened",
		"incident_id", inc.ID, "service", service, "endpoint", endpoint, "type", incidentType)
	return nil
}

// sleepBackoff waits 10ms, 20ms, 40ms... before the given retry attempt,
// honouring context cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	delay := retryBackoffBase << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
