package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const incidentColumns = `id, target_id, probe_id, location_id, alert_rule_id,
		severity, status, title, description, evidence,
		started_at, acked_at, acked_by, resolved_at, created_at`

// FindOpenIncident returns the open or acked incident for a dedup key and
// locks it for the rest of the transaction
func (q *Queries) FindOpenIncident(ctx context.Context, targetID, probeID, ruleID int64) (*Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE target_id = $1 AND probe_id = $2 AND alert_rule_id = $3
		  AND status IN ('open', 'acked')
		ORDER BY started_at DESC
		LIMIT 1
		FOR UPDATE
	`
	return q.queryIncident(ctx, query, targetID, probeID, ruleID)
}

// CreateIncident inserts a new incident and sets its ID
func (q *Queries) CreateIncident(ctx context.Context, inc *Incident) error {
	evidence, err := marshalEvidence(inc.Evidence)
	if err != nil {
		return err
	}

	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = inc.StartedAt
	}

	query := `
		INSERT INTO incidents (
			target_id, probe_id, location_id, alert_rule_id, severity, status,
			title, description, evidence, started_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	return q.q.QueryRowContext(ctx, query,
		inc.TargetID,
		inc.ProbeID,
		inc.LocationID,
		inc.AlertRuleID,
		string(inc.Severity),
		string(inc.Status),
		inc.Title,
		inc.Description,
		evidence,
		inc.StartedAt,
		inc.CreatedAt,
	).Scan(&inc.ID)
}

// RefreshIncident overwrites the evidence and severity of an incident
func (q *Queries) RefreshIncident(ctx context.Context, id int64, severity Severity, evidence Evidence) error {
	data, err := marshalEvidence(evidence)
	if err != nil {
		return err
	}

	result, err := q.q.ExecContext(ctx,
		`UPDATE incidents SET evidence = $1, severity = $2 WHERE id = $3`,
		data, string(severity), id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// OpenIncidents returns every open or acked incident
func (q *Queries) OpenIncidents(ctx context.Context) ([]Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE status IN ('open', 'acked')
		ORDER BY id
	`
	return q.queryIncidents(ctx, query)
}

// GetIncident retrieves an incident by ID
func (q *Queries) GetIncident(ctx context.Context, id int64) (*Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE id = $1
	`
	return q.queryIncident(ctx, query, id)
}

// ListIncidents returns incidents matching the filter, newest first
func (q *Queries) ListIncidents(ctx context.Context, filter IncidentFilter) ([]Incident, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		conditions = append(conditions, fmt.Sprintf("severity = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	return q.queryIncidents(ctx, query, args...)
}

// ResolveIncident marks an incident resolved
func (q *Queries) ResolveIncident(ctx context.Context, id int64, at time.Time) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE incidents SET status = 'resolved', resolved_at = $1 WHERE id = $2`,
		at, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// AckIncident marks an incident acknowledged by an operator
func (q *Queries) AckIncident(ctx context.Context, id int64, by string, at time.Time) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE incidents SET status = 'acked', acked_at = $1, acked_by = $2 WHERE id = $3`,
		at, by, id)
	if err != nil {
		return err
	}
	return expectRow(result)
}

func (q *Queries) queryIncident(ctx context.Context, query string, args ...any) (*Incident, error) {
	incidents, err := q.queryIncidents(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(incidents) == 0 {
		return nil, ErrNotFound
	}
	return &incidents[0], nil
}

func (q *Queries) queryIncidents(ctx context.Context, query string, args ...any) ([]Incident, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		var severity, status string
		var evidence []byte
		if err := rows.Scan(
			&inc.ID,
			&inc.TargetID,
			&inc.ProbeID,
			&inc.LocationID,
			&inc.AlertRuleID,
			&severity,
			&status,
			&inc.Title,
			&inc.Description,
			&evidence,
			&inc.StartedAt,
			&inc.AckedAt,
			&inc.AckedBy,
			&inc.ResolvedAt,
			&inc.CreatedAt,
		); err != nil {
			return nil, err
		}
		inc.Severity = Severity(severity)
		inc.Status = IncidentStatus(status)
		if inc.Evidence, err = unmarshalEvidence(evidence); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}

	return out, rows.Err()
}

func expectRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsNotFound reports whether err is ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
