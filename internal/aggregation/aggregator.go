package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
)

// TickResult summarises one aggregation run
type TickResult struct {
	From    time.Time
	To      time.Time
	Buckets int
}

// Aggregator folds raw measurements into one-minute buckets
type Aggregator struct {
	tx        database.Transactor
	bootstrap time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

// NewAggregator creates a new bucket aggregator. bootstrap is how far back
// the first run reaches when no bucket exists yet.
func NewAggregator(tx database.Transactor, bootstrap time.Duration, log *logrus.Entry) *Aggregator {
	return &Aggregator{
		tx:        tx,
		bootstrap: bootstrap,
		now:       time.Now,
		log:       log,
	}
}

// SetClock replaces the time source
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// RunTick aggregates every whole minute from the last aggregated bucket up to
// the current minute, which is excluded. The whole tick commits or rolls back
// as one unit; the next tick restarts from the last committed bucket.
func (a *Aggregator) RunTick(ctx context.Context) (TickResult, error) {
	var res TickResult
	runID := uuid.NewString()
	log := a.log.WithField("run_id", runID)

	err := a.tx.InTx(ctx, func(s database.Store) error {
		now := a.now().UTC()
		end := now.Truncate(BucketWidth)

		latest, ok, err := s.LatestBucketStart(ctx)
		if err != nil {
			return fmt.Errorf("failed to read aggregation checkpoint: %w", err)
		}

		start := now.Add(-a.bootstrap).Truncate(BucketWidth)
		if ok {
			// inclusive: the newest bucket is recomputed
			start = latest.UTC()
		}

		res.From, res.To = start, end
		if !start.Before(end) {
			return nil
		}

		rows, err := s.RawMeasurementsBetween(ctx, start, end)
		if err != nil {
			return fmt.Errorf("failed to load raw measurements: %w", err)
		}

		for _, b := range groupBuckets(rows) {
			if err := s.UpsertBucket(ctx, b); err != nil {
				return fmt.Errorf("failed to upsert bucket %s %s: %w",
					b.Pair(), b.Bucket.Format(time.RFC3339), err)
			}
			res.Buckets++
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Aggregation tick failed, rolled back")
		return TickResult{}, err
	}

	log.WithFields(logrus.Fields{
		"from":    res.From.Format(time.RFC3339),
		"to":      res.To.Format(time.RFC3339),
		"buckets": res.Buckets,
	}).Info("Aggregation tick completed")

	return res, nil
}

type groupKey struct {
	pair  database.Pair
	start time.Time
}

// groupBuckets splits rows by pair and minute and computes each bucket, in
// the order the groups are first seen
func groupBuckets(rows []database.RawMeasurement) []*database.AggregateBucket {
	groups := make(map[groupKey][]database.RawMeasurement)
	var order []groupKey

	for _, m := range rows {
		key := groupKey{pair: m.Pair(), start: m.Timestamp.UTC().Truncate(BucketWidth)}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}

	buckets := make([]*database.AggregateBucket, 0, len(order))
	for _, key := range order {
		if b := ComputeBucket(key.start, key.pair, groups[key]); b != nil {
			buckets = append(buckets, b)
		}
	}
	return buckets
}
