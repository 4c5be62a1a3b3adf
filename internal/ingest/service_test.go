package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keslleykledston/24-Monitoramento/internal/database/memstore"
	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

var now = time.Date(2026, 3, 1, 10, 0, 7, 0, time.UTC)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []*protocol.LiveMeasurement
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, msg *protocol.LiveMeasurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func newService(pub *recordingPublisher) (*Service, *memstore.Store) {
	store := memstore.New()
	store.AddProbe(1, 10)
	store.AddTarget(5, 6)
	svc := NewService(store, pub, quietLogger())
	svc.SetClock(func() time.Time { return now })
	return svc, store
}

func boolPtr(b bool) *bool { return &b }

func TestIngest_StampsServerTimeAndFansOut(t *testing.T) {
	pub := &recordingPublisher{}
	svc, store := newService(pub)
	rtt := 18.2

	m, err := svc.Ingest(context.Background(), &protocol.MeasurementRecord{
		ProbeID:         1,
		TargetID:        5,
		MeasurementType: protocol.MeasurementHTTP,
		Up:              boolPtr(true),
		RTTMs:           &rtt,
	})
	require.NoError(t, err)
	assert.Equal(t, now, m.Timestamp)
	assert.NotZero(t, m.ID)

	seen, ok := store.LastSeen(1)
	require.True(t, ok)
	assert.Equal(t, now, seen)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, int64(10), pub.msgs[0].LocationID)
	assert.Equal(t, "2026-03-01T10:00:07Z", pub.msgs[0].Timestamp)
}

func TestIngest_RejectsInvalidRecord(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newService(pub)

	_, err := svc.Ingest(context.Background(), &protocol.MeasurementRecord{ProbeID: 1, TargetID: 5})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	assert.Empty(t, pub.msgs)
}

func TestIngest_FanOutFailureDoesNotFailIngest(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	svc, store := newService(pub)

	_, err := svc.Ingest(context.Background(), &protocol.MeasurementRecord{ProbeID: 1, TargetID: 5, Up: boolPtr(false)})
	require.NoError(t, err)

	rows, err := store.Auto().LiveWindow(context.Background(), 5, now.Add(-time.Minute), "", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestIngestBatch_SkipsInvalidAndKeepsReceiveTime(t *testing.T) {
	pub := &recordingPublisher{}
	svc, store := newService(pub)
	earlier := now.Add(-3 * time.Second)

	n, err := svc.IngestBatch(context.Background(), []*protocol.QueuedMeasurement{
		{ReceivedAt: earlier, Record: protocol.MeasurementRecord{ProbeID: 1, TargetID: 5, Up: boolPtr(true)}},
		{ReceivedAt: now, Record: protocol.MeasurementRecord{ProbeID: 1, TargetID: 5}},
		{ReceivedAt: now, Record: protocol.MeasurementRecord{ProbeID: 1, TargetID: 6, Up: boolPtr(false)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := store.Auto().LiveWindow(context.Background(), 5, earlier, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, earlier, rows[0].Timestamp)

	seen, _ := store.LastSeen(1)
	assert.Equal(t, now, seen)
	assert.Len(t, pub.msgs, 2)
}

func TestIngest_RejectsUnregisteredReferences(t *testing.T) {
	pub := &recordingPublisher{}
	svc, store := newService(pub)

	_, err := svc.Ingest(context.Background(), &protocol.MeasurementRecord{ProbeID: 2, TargetID: 5, Up: boolPtr(true)})
	assert.ErrorIs(t, err, ErrUnregistered)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = svc.Ingest(context.Background(), &protocol.MeasurementRecord{ProbeID: 1, TargetID: 77, Up: boolPtr(true)})
	assert.ErrorIs(t, err, ErrUnregistered)

	rows, err := store.Auto().LiveWindow(context.Background(), 5, now.Add(-time.Minute), "", 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Empty(t, pub.msgs)
}

func TestIngestBatch_DropsUnregisteredAndStoresTheRest(t *testing.T) {
	pub := &recordingPublisher{}
	svc, store := newService(pub)

	batch := []*protocol.QueuedMeasurement{
		{ReceivedAt: now, Record: protocol.MeasurementRecord{ProbeID: 999, TargetID: 5, Up: boolPtr(false)}},
		{ReceivedAt: now, Record: protocol.MeasurementRecord{ProbeID: 1, TargetID: 404, Up: boolPtr(true)}},
	}
	for i := 0; i < 11; i++ {
		batch = append(batch, &protocol.QueuedMeasurement{
			ReceivedAt: now.Add(-time.Duration(i) * time.Second),
			Record:     protocol.MeasurementRecord{ProbeID: 1, TargetID: 5, Up: boolPtr(true)},
		})
	}

	n, err := svc.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	rows, err := store.Auto().LiveWindow(context.Background(), 5, now.Add(-time.Minute), "", 100)
	require.NoError(t, err)
	assert.Len(t, rows, 11)
	for _, r := range rows {
		assert.Equal(t, int64(1), r.ProbeID)
	}
	assert.Len(t, pub.msgs, 11)
}
