package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

// Forwarder accepts records in the request path and queues them on the
// measurements topic. The db writer stores them later with the receive time
// stamped here.
type Forwarder struct {
	writer MessageWriter
	now    func() time.Time
}

func NewForwarder(writer MessageWriter) *Forwarder {
	return &Forwarder{writer: writer, now: time.Now}
}

func (f *Forwarder) SetClock(now func() time.Time) {
	f.now = now
}

// Accept validates and enqueues a record
func (f *Forwarder) Accept(ctx context.Context, rec *protocol.MeasurementRecord) (time.Time, error) {
	if err := rec.Validate(); err != nil {
		return time.Time{}, err
	}

	receivedAt := f.now().UTC()
	data, err := protocol.EncodeQueuedMeasurement(&protocol.QueuedMeasurement{
		ReceivedAt: receivedAt,
		Record:     *rec,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to encode measurement: %w", err)
	}

	if err := f.writer.Publish(ctx, ProbeKey(rec.ProbeID), data); err != nil {
		return time.Time{}, err
	}
	return receivedAt, nil
}
