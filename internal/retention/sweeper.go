package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
)

// Result reports what one sweep deleted
type Result struct {
	RawDeleted     int64
	BucketsDeleted int64
}

// Sweeper deletes raw measurements and buckets past their retention
type Sweeper struct {
	tx        database.Transactor
	raw       time.Duration
	aggregate time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

func NewSweeper(tx database.Transactor, raw, aggregate time.Duration, log *logrus.Entry) *Sweeper {
	return &Sweeper{tx: tx, raw: raw, aggregate: aggregate, now: time.Now, log: log}
}

// SetClock replaces the time source
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Sweep runs both deletes in one transaction
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	now := s.now().UTC()

	err := s.tx.InTx(ctx, func(st database.Store) error {
		var err error
		if res.RawDeleted, err = st.DeleteRawBefore(ctx, now.Add(-s.raw)); err != nil {
			return fmt.Errorf("failed to delete raw measurements: %w", err)
		}
		if res.BucketsDeleted, err = st.DeleteBucketsBefore(ctx, now.Add(-s.aggregate)); err != nil {
			return fmt.Errorf("failed to delete buckets: %w", err)
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("Retention sweep failed, rolled back")
		return Result{}, err
	}

	s.log.WithFields(logrus.Fields{
		"raw_deleted":     res.RawDeleted,
		"buckets_deleted": res.BucketsDeleted,
	}).Info("Retention sweep completed")
	return res, nil
}
