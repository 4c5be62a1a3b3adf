package retention

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
	"github.com/keslleykledston/24-Monitoramento/internal/database/memstore"
)

func TestSweep_DeletesOnlyExpiredRows(t *testing.T) {
	now := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	store := memstore.New()
	ctx := context.Background()
	auto := store.Auto()

	for _, age := range []time.Duration{7 * time.Hour, 6*time.Hour + time.Second, 5 * time.Hour, time.Minute} {
		require.NoError(t, auto.InsertRawMeasurement(ctx, &database.RawMeasurement{
			Timestamp: now.Add(-age), ProbeID: 1, TargetID: 1, Up: true,
		}))
	}
	for _, age := range []time.Duration{8 * 24 * time.Hour, 6 * 24 * time.Hour} {
		require.NoError(t, auto.UpsertBucket(ctx, &database.AggregateBucket{
			Bucket: now.Add(-age), ProbeID: 1, TargetID: 1, Samples: 60,
		}))
	}

	l := logrus.New()
	l.SetOutput(io.Discard)
	sw := NewSweeper(store, 6*time.Hour, 7*24*time.Hour, logrus.NewEntry(l))
	sw.SetClock(func() time.Time { return now })

	res, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.RawDeleted)
	assert.Equal(t, int64(1), res.BucketsDeleted)

	left, err := auto.RawMeasurementsBetween(ctx, now.Add(-24*time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}
