package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
)

// Incident is a manually curated outage record shown on status pages.
type Incident struct {
	ID         uuid.UUID        `json:"id"`
	Title      string           `json:"title"`
	Body       string           `json:"body"`
	Severity   string           `json:"severity"`
	Affected   []string         `json:"affected"`
	StartedAt  time.Time        `json:"startedAt"`
	ResolvedAt *time.Time       `json:"resolvedAt"`
	CreatedAt  time.Time        `json:"createdAt"`
	Updates    []IncidentUpdate `json:"updates,omitempty"`
}

// IncidentUpdate is a progress note attached to an incident.
type IncidentUpdate struct {
	ID         uuid.UUID `json:"id"`
	IncidentID uuid.UUID `json:"incidentId"`
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CreateIncident inserts an incident.
func (s *Store) CreateIncident(ctx context.Context, inc Incident) error {
	const q = `
		INSERT INTO incidents (id, title, body, severity, affected, started_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.pool.Exec(ctx, q, inc.ID, inc.Title, inc.Body, inc.Severity, inc.Affected, inc.StartedAt, inc.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// UpdateIncident replaces the mutable fields of an incident.
func (s *Store) UpdateIncident(ctx context.Context, inc Incident) error {
	const q = `
		UPDATE incidents
		SET title = $2, body = $3, severity = $4, affected = $5, started_at = $6, resolved_at = $7
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, q, inc.ID, inc.Title, inc.Body, inc.Severity, inc.Affected, inc.StartedAt, inc.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "incident %s not found", inc.ID)
	}
	return nil
}

// DeleteIncident removes an incident and its updates.
func (s *Store) DeleteIncident(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM incidents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete incident: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.KindNotFound, "incident %s not found", id)
	}
	return nil
}

// GetIncident fetches one incident with its updates.
func (s *Store) GetIncident(ctx context.Context, id uuid.UUID) (*Incident, error) {
	const q = `
		SELECT id, title, body, severity, affected, started_at, resolved_at, created_at
		FROM incidents WHERE id = $1
	`
	inc := &Incident{}
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&inc.ID, &inc.Title, &inc.Body, &inc.Severity, &inc.Affected,
		&inc.StartedAt, &inc.ResolvedAt, &inc.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "incident %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query incident: %w", err)
	}

	updates, err := s.listUpdates(ctx, id)
	if err != nil {
		return nil, err
	}
	inc.Updates = updates
	return inc, nil
}

// AddIncidentUpdate appends a progress note.
func (s *Store) AddIncidentUpdate(ctx context.Context, upd IncidentUpdate) error {
	const q = `
		INSERT INTO incident_updates (id, incident_id, message, status)
		VALUES ($1, $2, $3, $4)
	`
	_, err := s.pool.Exec(ctx, q, upd.ID, upd.IncidentID, upd.Message, upd.Status)
	if err != nil {
		return fmt.Errorf("failed to add incident update: %w", err)
	}
	return nil
}

// IncidentsForMonth returns incidents that touch any of the given entity IDs
// and started inside the month window.
func (s *Store) IncidentsForMonth(ctx context.Context, entityIDs []string, monthStart, monthEnd time.Time) ([]Incident, error) {
	const q = `
		SELECT id, title, body, severity, affected, started_at, resolved_at, created_at
		FROM incidents
		WHERE affected && $1::text[] AND started_at >= $2 AND started_at < $3
		ORDER BY started_at DESC
	`
	rows, err := s.pool.Query(ctx, q, entityIDs, monthStart, monthEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(&inc.ID, &inc.Title, &inc.Body, &inc.Severity, &inc.Affected,
			&inc.StartedAt, &inc.ResolvedAt, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// ListIncidents returns all incidents newest first.
func (s *Store) ListIncidents(ctx context.Context) ([]Incident, error) {
	const q = `
		SELECT id, title, body, severity, affected, started_at, resolved_at, created_at
		FROM incidents ORDER BY started_at DESC
	`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(&inc.ID, &inc.Title, &inc.Body, &inc.Severity, &inc.Affected,
			&inc.StartedAt, &inc.ResolvedAt, &inc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *Store) listUpdates(ctx context.Context, incidentID uuid.UUID) ([]IncidentUpdate, error) {
	const q = `
		SELECT id, incident_id, message, status, created_at
		FROM incident_updates WHERE incident_id = $1
		ORDER BY created_at ASC
	`
	rows, err := s.pool.Query(ctx, q, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query incident updates: %w", err)
	}
	defer rows.Close()

	var out []IncidentUpdate
	for rows.Next() {
		var u IncidentUpdate
		if err := rows.Scan(&u.ID, &u.IncidentID, &u.Message, &u.Status, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
