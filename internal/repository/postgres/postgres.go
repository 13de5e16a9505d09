package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lookout-dev/lookout/internal/domain"
	"github.com/lookout-dev/lookout/internal/repository"
)

const uniqueViolationCode = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.LogRepository      = (*Repository)(nil)
	_ repository.IncidentRepository = (*Repository)(nil)
)

// AppendEvent inserts a raw telemetry event into the log table.
func (r *Repository) AppendEvent(ctx context.Context, event *domain.TelemetryEvent) error {
	const query = `INSERT INTO api_logs (service, endpoint, method, status, latency_ms, request_size, response_size, event, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9)`
	_, err := r.pool.Exec(ctx, query,
		event.Service, event.Endpoint, event.Method, event.Status, event.LatencyMS,
		event.RequestSize, event.ResponseSize, event.Event, event.Timestamp)
	return err
}

// ListEvents returns recent telemetry events, newest first, optionally
// filtered by service and endpoint.
func (r *Repository) ListEvents(ctx context.Context, service, endpoint string, limit int) ([]domain.TelemetryEvent, error) {
	query := `SELECT service, endpoint, method, status, latency_ms, request_size, response_size, COALESCE(event, ''), occurred_at
		FROM api_logs`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if service != "" {
		args = append(args, service)
		conditions = append(conditions, fmt.Sprintf("service = $%d", len(args)))
	}
	if endpoint != "" {
		args = append(args, endpoint)
		conditions = append(conditions, fmt.Sprintf("endpoint = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.TelemetryEvent, 0)
	for rows.Next() {
		var e domain.TelemetryEvent
		if err := rows.Scan(&e.Service, &e.Endpoint, &e.Method, &e.Status, &e.LatencyMS,
			&e.RequestSize, &e.ResponseSize, &e.Event, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FindOpenIncident looks up the unresolved incident for an identity triple.
func (r *Repository) FindOpenIncident(ctx context.Context, service, endpoint, incidentType string) (*domain.Incident, error) {
	const query = `SELECT id, service, endpoint, type, first_seen, last_seen, count, resolved, COALESCE(resolved_by, ''), resolved_at, version
		FROM incidents WHERE service = $1 AND endpoint = $2 AND type = $3 AND NOT resolved`
	row := r.pool.QueryRow(ctx, query, service, endpoint, incidentType)
	return scanIncident(row)
}

// CreateIncident inserts a new open incident. The partial unique index on
// open identities rejects concurrent creators with ErrDuplicateOpenIncident.
func (r *Repository) CreateIncident(ctx context.Context, incident *domain.Incident) error {
	const query = `INSERT INTO incidents (id, service, endpoint, type, first_seen, last_seen, count, resolved, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)`
	_, err := r.pool.Exec(ctx, query,
		incident.ID, incident.Service, incident.Endpoint, incident.Type,
		incident.FirstSeen, incident.LastSeen, incident.Count, incident.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return repository.ErrDuplicateOpenIncident
		}
		return err
	}
	return nil
}

// SaveIncidentIfUnchanged writes the incident back only if its stored
// version still equals expectedVersion, bumping the version on success.
// Every incident mutation goes through this compare-and-swap.
func (r *Repository) SaveIncidentIfUnchanged(ctx context.Context, incident *domain.Incident, expectedVersion int64) error {
	const query = `UPDATE incidents
		SET last_seen = $1, count = $2, resolved = $3, resolved_by = NULLIF($4, ''), resolved_at = $5, version = version + 1
		WHERE id = $6 AND version = $7`
	tag, err := r.pool.Exec(ctx, query,
		incident.LastSeen, incident.Count, incident.Resolved, incident.ResolvedBy, incident.ResolvedAt,
		incident.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	incident.Version = expectedVersion + 1
	return nil
}

// GetIncidentByID fetches one incident by identifier.
func (r *Repository) GetIncidentByID(ctx context.Context, id string) (*domain.Incident, error) {
	const query = `SELECT id, service, endpoint, type, first_seen, last_seen, count, resolved, COALESCE(resolved_by, ''), resolved_at, version
		FROM incidents WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	return scanIncident(row)
}

// ListIncidents returns incidents ordered by last activity.
func (r *Repository) ListIncidents(ctx context.Context, filter repository.IncidentFilter) ([]domain.Incident, error) {
	query := `SELECT id, service, endpoint, type, first_seen, last_seen, count, resolved, COALESCE(resolved_by, ''), resolved_at, version
		FROM incidents`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.Service != "" {
		args = append(args, filter.Service)
		conditions = append(conditions, fmt.Sprintf("service = $%d", len(args)))
	}
	if filter.Resolved != nil {
		args = append(args, *filter.Resolved)
		conditions = append(conditions, fmt.Sprintf("resolved = $%d", len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY last_seen DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	incidents := make([]domain.Incident, 0)
	for rows.Next() {
		var inc domain.Incident
		if err := rows.Scan(&inc.ID, &inc.Service, &inc.Endpoint, &inc.Type,
			&inc.FirstSeen, &inc.LastSeen, &inc.Count, &inc.Resolved,
			&inc.ResolvedBy, &inc.ResolvedAt, &inc.Version); err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var inc domain.Incident
	if err := row.Scan(&inc.ID, &inc.Service, &inc.Endpoint, &inc.Type,
		&inc.FirstSeen, &inc.LastSeen, &inc.Count, &inc.Resolved,
		&inc.ResolvedBy, &inc.ResolvedAt, &inc.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &inc, nil
}
