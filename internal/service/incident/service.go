package incident

import (
	"context"
	"errors"
	"time"

	"log/slog"

	"github.com/lookout-dev/lookout/internal/domain"
	"github.com/lookout-dev/lookout/internal/repository"
)

// ErrConcurrentUpdate indicates a resolve lost every CAS attempt to
// concurrent writers; the caller should retry the whole operation.
var ErrConcurrentUpdate = errors.New("incident: concurrent update, retry")

// Service exposes the incident read and resolve paths.
type Service struct {
	repo   repository.IncidentRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs an incident Service.
func NewService(repo repository.IncidentRepository, logger *slog.Logger) *Service {
	if logger != nil {
		logger = logger.With("component", "incident_service")
	} else {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// List returns incidents ordered by last activity, newest first.
func (s *Service) List(ctx context.Context, filter repository.IncidentFilter) ([]domain.Incident, error) {
	return s.repo.ListIncidents(ctx, filter)
}

// Get fetches a single incident.
func (s *Service) Get(ctx context.Context, id string) (*domain.Incident, error) {
	return s.repo.GetIncidentByID(ctx, id)
}

// Resolve transitions an incident from open to resolved. The transition is
// one-way and idempotent: resolving an already-resolved incident reports
// alreadyResolved without touching the record. Version conflicts restart the
// read-check-write cycle up to the retry budget; exhaustion surfaces
// ErrConcurrentUpdate. Missing incidents surface repository.ErrNotFound.
func (s *Service) Resolve(ctx context.Context, id, actor string) (*domain.Incident, bool, error) {
	if actor == "" {
		actor = "unknown"
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, false, err
			}
		}

		inc, err := s.repo.GetIncidentByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if inc.Resolved {
			return inc, true, nil
		}

		resolvedAt := s.now().UTC()
		inc.Resolved = true
		inc.ResolvedBy = actor
		inc.ResolvedAt = &resolvedAt
		err = s.repo.SaveIncidentIfUnchanged(ctx, inc, inc.Version)
		if err == nil {
			s.logger.Info("incident resolved", "incident_id", id, "resolved_by", actor)
			return inc, false, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, false, err
		}
		casConflictsTotal.WithLabelValues("resolve").Inc()
	}

	s.logger.Warn("resolve exhausted retries", "incident_id", id, "attempts", maxWriteAttempts)
	return nil, false, ErrConcurrentUpdate
}
