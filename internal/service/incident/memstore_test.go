package incident

import (
	"context"
	"sort"
	"sync"

	"github.com/lookout-dev/lookout/internal/domain"
	"github.com/lookout-dev/lookout/internal/repository"
)

// memStore is an in-memory IncidentRepository with the same concurrency
// contract as the Postgres implementation: version CAS on save and a
// uniqueness check on open identities at create. Hooks let tests widen race
// windows deterministically.
type memStore struct {
	mu        sync.Mutex
	incidents map[string]*domain.Incident

	// afterFindMiss runs whenever FindOpenIncident comes up empty, outside
	// the lock, before returning. Used to slip a concurrent creator into the
	// check-then-act window.
	afterFindMiss func()

	// saveConflicts forces that many ErrVersionConflict results from
	// SaveIncidentIfUnchanged, simulating a concurrent writer winning each
	// time (the stored record's version and count advance).
	saveConflicts int
}

var _ repository.IncidentRepository = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{incidents: make(map[string]*domain.Incident)}
}

func (s *memStore) FindOpenIncident(_ context.Context, service, endpoint, incidentType string) (*domain.Incident, error) {
	s.mu.Lock()
	found := s.findOpenLocked(service, endpoint, incidentType)
	s.mu.Unlock()
	if found == nil {
		if s.afterFindMiss != nil {
			s.afterFindMiss()
		}
		return nil, repository.ErrNotFound
	}
	return found, nil
}

func (s *memStore) CreateIncident(_ context.Context, incident *domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findOpenLocked(incident.Service, incident.Endpoint, incident.Type) != nil {
		return repository.ErrDuplicateOpenIncident
	}
	stored := *incident
	s.incidents[incident.ID] = &stored
	return nil
}

func (s *memStore) SaveIncidentIfUnchanged(_ context.Context, incident *domain.Incident, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.incidents[incident.ID]
	if !ok || stored.Version != expectedVersion {
		return repository.ErrVersionConflict
	}
	if s.saveConflicts > 0 {
		s.saveConflicts--
		stored.Version++
		stored.Count++
		return repository.ErrVersionConflict
	}
	updated := *incident
	updated.Version = expectedVersion + 1
	s.incidents[incident.ID] = &updated
	incident.Version = updated.Version
	return nil
}

func (s *memStore) GetIncidentByID(_ context.Context, id string) (*domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.incidents[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	found := *stored
	return &found, nil
}

func (s *memStore) ListIncidents(_ context.Context, filter repository.IncidentFilter) ([]domain.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incidents := make([]domain.Incident, 0, len(s.incidents))
	for _, stored := range s.incidents {
		if filter.Service != "" && stored.Service != filter.Service {
			continue
		}
		if filter.Resolved != nil && stored.Resolved != *filter.Resolved {
			continue
		}
		incidents = append(incidents, *stored)
	}
	sort.Slice(incidents, func(i, j int) bool {
		return incidents[i].LastSeen.After(incidents[j].LastSeen)
	})
	if filter.Limit > 0 && len(incidents) > filter.Limit {
		incidents = incidents[:filter.Limit]
	}
	return incidents, nil
}

func (s *memStore) findOpenLocked(service, endpoint, incidentType string) *domain.Incident {
	for _, stored := range s.incidents {
		if !stored.Resolved && stored.Service == service && stored.Endpoint == endpoint && stored.Type == incidentType {
			found := *stored
			return &found
		}
	}
	return nil
}

func (s *memStore) openIncidents() []domain.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := make([]domain.Incident, 0)
	for _, stored := range s.incidents {
		if !stored.Resolved {
			open = append(open, *stored)
		}
	}
	return open
}
