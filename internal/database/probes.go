package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ProbeLocation returns the location a probe belongs to
func (q *Queries) ProbeLocation(ctx context.Context, probeID int64) (int64, error) {
	var locationID int64
	err := q.q.QueryRowContext(ctx, `SELECT location_id FROM probes WHERE id = $1`, probeID).Scan(&locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return locationID, nil
}

// TargetExists reports whether a target row exists
func (q *Queries) TargetExists(ctx context.Context, targetID int64) (bool, error) {
	var exists bool
	err := q.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM targets WHERE id = $1)`, targetID).Scan(&exists)
	return exists, err
}

// TouchProbe records the last time a probe reported
func (q *Queries) TouchProbe(ctx context.Context, probeID int64, seen time.Time) error {
	_, err := q.q.ExecContext(ctx, `UPDATE probes SET last_seen = $1 WHERE id = $2`, seen, probeID)
	return err
}
