package database

import (
	"context"
	"database/sql"
	"time"
)

const rawColumns = `id, timestamp, probe_id, target_id, measurement_type, up,
		rtt_ms, jitter_ms, loss_pct, http_code, error`

// InsertRawMeasurement appends a raw measurement and sets its ID
func (q *Queries) InsertRawMeasurement(ctx context.Context, m *RawMeasurement) error {
	query := `
		INSERT INTO measurements_raw (
			timestamp, probe_id, target_id, measurement_type, up,
			rtt_ms, jitter_ms, loss_pct, http_code, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	return q.q.QueryRowContext(ctx, query,
		m.Timestamp,
		m.ProbeID,
		m.TargetID,
		string(m.MeasurementType),
		m.Up,
		m.RTTMs,
		m.JitterMs,
		m.LossPct,
		m.HTTPCode,
		m.Error,
	).Scan(&m.ID)
}

// RawMeasurementsBetween returns measurements in [from, to)
func (q *Queries) RawMeasurementsBetween(ctx context.Context, from, to time.Time) ([]RawMeasurement, error) {
	query := `
		SELECT ` + rawColumns + `
		FROM measurements_raw
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY probe_id, target_id, timestamp
	`
	return q.queryRaw(ctx, query, from, to)
}

// RecentRawForPair returns the newest measurements of a pair since a cutoff
func (q *Queries) RecentRawForPair(ctx context.Context, pair Pair, since time.Time, limit int) ([]RawMeasurement, error) {
	query := `
		SELECT ` + rawColumns + `
		FROM measurements_raw
		WHERE probe_id = $1 AND target_id = $2 AND timestamp >= $3
		ORDER BY timestamp DESC, id DESC
		LIMIT $4
	`
	return q.queryRaw(ctx, query, pair.ProbeID, pair.TargetID, since, limit)
}

// ActivePairsSince returns every pair with a measurement at or after since
func (q *Queries) ActivePairsSince(ctx context.Context, since time.Time) ([]Pair, error) {
	query := `
		SELECT DISTINCT probe_id, target_id
		FROM measurements_raw
		WHERE timestamp >= $1
		ORDER BY probe_id, target_id
	`

	rows, err := q.q.QueryContext(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.ProbeID, &p.TargetID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

// LiveWindow returns a target's recent measurements, newest first
func (q *Queries) LiveWindow(ctx context.Context, targetID int64, since time.Time, kind MeasurementType, limit int) ([]RawMeasurement, error) {
	query := `
		SELECT ` + rawColumns + `
		FROM measurements_raw
		WHERE target_id = $1 AND timestamp >= $2
		  AND ($3::text = '' OR measurement_type = $3::text)
		ORDER BY timestamp DESC, id DESC
		LIMIT $4
	`
	return q.queryRaw(ctx, query, targetID, since, string(kind), limit)
}

// DeleteRawBefore removes raw measurements older than cutoff
func (q *Queries) DeleteRawBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.q.ExecContext(ctx, `DELETE FROM measurements_raw WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (q *Queries) queryRaw(ctx context.Context, query string, args ...any) ([]RawMeasurement, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawMeasurement
	for rows.Next() {
		m, err := scanRaw(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}

	return out, rows.Err()
}

func scanRaw(rows *sql.Rows) (RawMeasurement, error) {
	var m RawMeasurement
	var kind string
	err := rows.Scan(
		&m.ID,
		&m.Timestamp,
		&m.ProbeID,
		&m.TargetID,
		&kind,
		&m.Up,
		&m.RTTMs,
		&m.JitterMs,
		&m.LossPct,
		&m.HTTPCode,
		&m.Error,
	)
	m.MeasurementType = MeasurementType(kind)
	m.Timestamp = m.Timestamp.UTC()
	return m, err
}
