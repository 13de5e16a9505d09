package repository

import (
	"context"

	"github.com/lookout-dev/lookout/internal/domain"
)

// LogRepository is the append-only sink for raw telemetry events.
type LogRepository interface {
	AppendEvent(ctx context.Context, event *domain.TelemetryEvent) error
	ListEvents(ctx context.Context, service, endpoint string, limit int) ([]domain.TelemetryEvent, error)
}

// IncidentFilter narrows incident listings.
type IncidentFilter struct {
	Service  string
	Resolved *bool
	Limit    int
}

// IncidentRepository persists incident records. SaveIncidentIfUnchanged is
// the sole mutation primitive: a compare-and-swap keyed on the record
// version. CreateIncident relies on the store's open-incident uniqueness
// constraint to detect concurrent creators.
type IncidentRepository interface {
	FindOpenIncident(ctx context.Context, service, endpoint, incidentType string) (*domain.Incident, error)
	CreateIncident(ctx context.Context, incident *domain.Incident) error
	SaveIncidentIfUnchanged(ctx context.Context, incident *domain.Incident, expectedVersion int64) error
	GetIncidentByID(ctx context.Context, id string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]domain.Incident, error)
}
