package database

import (
	"context"
	"database/sql"
	"time"
)

const bucketColumns = `bucket, probe_id, target_id, samples, up_ratio,
		rtt_p50, rtt_p95, rtt_avg, jitter_avg, loss_avg, http_5xx_rate`

// LatestBucketStart returns the start of the newest aggregated bucket
func (q *Queries) LatestBucketStart(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullTime
	if err := q.q.QueryRowContext(ctx, `SELECT MAX(bucket) FROM measurements_1m`).Scan(&latest); err != nil {
		return time.Time{}, false, err
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// UpsertBucket inserts a bucket or overwrites the existing row for the same
// (probe, target, bucket)
func (q *Queries) UpsertBucket(ctx context.Context, b *AggregateBucket) error {
	query := `
		INSERT INTO measurements_1m (
			bucket, probe_id, target_id, samples, up_ratio,
			rtt_p50, rtt_p95, rtt_avg, jitter_avg, loss_avg, http_5xx_rate
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (probe_id, target_id, bucket) DO UPDATE
		SET
			samples = EXCLUDED.samples,
			up_ratio = EXCLUDED.up_ratio,
			rtt_p50 = EXCLUDED.rtt_p50,
			rtt_p95 = EXCLUDED.rtt_p95,
			rtt_avg = EXCLUDED.rtt_avg,
			jitter_avg = EXCLUDED.jitter_avg,
			loss_avg = EXCLUDED.loss_avg,
			http_5xx_rate = EXCLUDED.http_5xx_rate
	`

	_, err := q.q.ExecContext(ctx, query,
		b.Bucket,
		b.ProbeID,
		b.TargetID,
		b.Samples,
		b.UpRatio,
		b.RTTP50,
		b.RTTP95,
		b.RTTAvg,
		b.JitterAvg,
		b.LossAvg,
		b.HTTP5xxRate,
	)
	return err
}

// BucketsSince returns every bucket starting at or after since
func (q *Queries) BucketsSince(ctx context.Context, since time.Time) ([]AggregateBucket, error) {
	query := `
		SELECT ` + bucketColumns + `
		FROM measurements_1m
		WHERE bucket >= $1
		ORDER BY bucket, probe_id, target_id
	`
	return q.queryBuckets(ctx, query, since)
}

// History returns a target's buckets since a cutoff, oldest first
func (q *Queries) History(ctx context.Context, targetID int64, since time.Time) ([]AggregateBucket, error) {
	query := `
		SELECT ` + bucketColumns + `
		FROM measurements_1m
		WHERE target_id = $1 AND bucket >= $2
		ORDER BY bucket, probe_id
	`
	return q.queryBuckets(ctx, query, targetID, since)
}

// DeleteBucketsBefore removes buckets that start before cutoff
func (q *Queries) DeleteBucketsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.q.ExecContext(ctx, `DELETE FROM measurements_1m WHERE bucket < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (q *Queries) queryBuckets(ctx context.Context, query string, args ...any) ([]AggregateBucket, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AggregateBucket
	for rows.Next() {
		var b AggregateBucket
		if err := rows.Scan(
			&b.Bucket,
			&b.ProbeID,
			&b.TargetID,
			&b.Samples,
			&b.UpRatio,
			&b.RTTP50,
			&b.RTTP95,
			&b.RTTAvg,
			&b.JitterAvg,
			&b.LossAvg,
			&b.HTTP5xxRate,
		); err != nil {
			return nil, err
		}
		b.Bucket = b.Bucket.UTC()
		out = append(out, b)
	}

	return out, rows.Err()
}
