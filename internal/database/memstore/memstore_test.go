package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
)

func TestInTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(st database.Store) error {
		require.NoError(t, st.UpsertBucket(ctx, &database.AggregateBucket{Bucket: now, ProbeID: 1, TargetID: 1, Samples: 1}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, err := s.Auto().LatestBucketStart(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertBucket_OneRowPerKey(t *testing.T) {
	s := New().Auto()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertBucket(ctx, &database.AggregateBucket{Bucket: now, ProbeID: 1, TargetID: 1, Samples: 10}))
	require.NoError(t, s.UpsertBucket(ctx, &database.AggregateBucket{Bucket: now, ProbeID: 1, TargetID: 1, Samples: 60}))

	buckets, err := s.BucketsSince(ctx, now)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 60, buckets[0].Samples)
}

func TestCreateIncident_RejectsSecondActive(t *testing.T) {
	s := New().Auto()
	ctx := context.Background()
	ruleID := int64(7)

	first := &database.Incident{TargetID: 1, ProbeID: 2, AlertRuleID: &ruleID, Status: database.IncidentOpen, StartedAt: time.Now()}
	require.NoError(t, s.CreateIncident(ctx, first))

	second := &database.Incident{TargetID: 1, ProbeID: 2, AlertRuleID: &ruleID, Status: database.IncidentOpen, StartedAt: time.Now()}
	assert.ErrorIs(t, s.CreateIncident(ctx, second), ErrDuplicateIncident)

	require.NoError(t, s.ResolveIncident(ctx, first.ID, time.Now()))
	assert.NoError(t, s.CreateIncident(ctx, second))
}

func TestRecentRawForPair_NewestFirstWithLimit(t *testing.T) {
	s := New().Auto()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertRawMeasurement(ctx, &database.RawMeasurement{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			ProbeID:   1,
			TargetID:  1,
			Up:        true,
		}))
	}

	rows, err := s.RecentRawForPair(ctx, database.Pair{ProbeID: 1, TargetID: 1}, base, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, base.Add(4*time.Second), rows[0].Timestamp)
	assert.Equal(t, base.Add(2*time.Second), rows[2].Timestamp)
}

func TestProbeLocation_Unknown(t *testing.T) {
	s := New()
	s.AddProbe(1, 10)

	loc, err := s.Auto().ProbeLocation(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), loc)

	_, err = s.Auto().ProbeLocation(context.Background(), 2)
	assert.True(t, database.IsNotFound(err))
}

func TestTargetExists_OnlyRegisteredTargets(t *testing.T) {
	s := New()
	s.AddTarget(5, 6)
	ctx := context.Background()

	ok, err := s.Auto().TargetExists(ctx, 6)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Auto().TargetExists(ctx, 7)
	require.NoError(t, err)
	assert.False(t, ok)
}
