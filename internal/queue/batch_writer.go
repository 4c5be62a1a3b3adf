package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

// BatchIngester stores a batch of queued measurements
type BatchIngester interface {
	IngestBatch(ctx context.Context, batch []*protocol.QueuedMeasurement) (int, error)
}

// BatchWriter consumes the measurements topic and writes the records to the
// raw store in batches. Offsets are committed only after the batch is stored.
// A batch holds at most batchSize messages; while a flush keeps failing no
// more messages are read. After maxAttempts failed flushes the batch is
// written one record at a time and records that still fail are dropped, so
// one bad record cannot hold the topic.
type BatchWriter struct {
	source        MessageSource
	sink          BatchIngester
	batchSize     int
	flushInterval time.Duration
	retryDelay    time.Duration
	maxAttempts   int
	log           *logrus.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBatchWriter(source MessageSource, sink BatchIngester, batchSize int, flushInterval time.Duration, log *logrus.Entry) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &BatchWriter{
		source:        source,
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retryDelay:    time.Second,
		maxAttempts:   5,
		log:           log,
	}
}

// Start begins consuming in the background
func (bw *BatchWriter) Start(ctx context.Context) {
	ctx, bw.cancel = context.WithCancel(ctx)
	msgCh := make(chan kafka.Message, bw.batchSize)

	bw.wg.Add(2)
	go bw.consume(ctx, msgCh)
	go bw.run(ctx, msgCh)
}

// Stop cancels consumption, flushes what is buffered and waits
func (bw *BatchWriter) Stop() {
	if bw.cancel != nil {
		bw.cancel()
	}
	bw.wg.Wait()
}

func (bw *BatchWriter) consume(ctx context.Context, out chan<- kafka.Message) {
	defer bw.wg.Done()

	for {
		msg, err := bw.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			bw.log.WithError(err).Warn("Consumer error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(bw.retryDelay):
			}
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (bw *BatchWriter) run(ctx context.Context, in <-chan kafka.Message) {
	defer bw.wg.Done()

	var batch []kafka.Message
	attempts := 0
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	flush := func(ctx context.Context) {
		attempts++
		if bw.flush(ctx, batch, attempts >= bw.maxAttempts) {
			batch = nil
			attempts = 0
		}
	}

	for {
		// a full batch stops intake until it is flushed
		intake := in
		if len(batch) >= bw.batchSize {
			intake = nil
		}

		select {
		case <-ctx.Done():
			if len(batch) < bw.batchSize {
				batch = drain(in, batch, bw.batchSize)
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				bw.flush(flushCtx, batch, false)
				cancel()
			}
			return

		case <-ticker.C:
			if len(batch) > 0 {
				bw.log.WithField("messages", len(batch)).Debug("Flush interval reached")
				flush(ctx)
			}

		case msg := <-intake:
			batch = append(batch, msg)
			if len(batch) >= bw.batchSize {
				flush(ctx)
			}
		}
	}
}

// flush stores the batch and commits its offsets. Malformed messages are
// committed and skipped. On a store failure nothing is committed and the
// batch is kept for the next flush, unless isolate is set: then each record
// is stored on its own and the ones that fail are dropped.
func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message, isolate bool) bool {
	records := make([]*protocol.QueuedMeasurement, 0, len(batch))
	for _, msg := range batch {
		q, err := protocol.DecodeQueuedMeasurement(msg.Value)
		if err != nil {
			bw.log.WithError(err).WithFields(logrus.Fields{
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Warn("Skipping malformed queued measurement")
			continue
		}
		records = append(records, q)
	}

	stored, err := bw.sink.IngestBatch(ctx, records)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		if !isolate {
			bw.log.WithError(err).WithField("messages", len(batch)).Error("Failed to store batch, will retry")
			return false
		}
		bw.log.WithError(err).WithField("messages", len(batch)).Warn("Batch keeps failing, storing records one by one")
		stored = bw.storeEach(ctx, records)
		if ctx.Err() != nil {
			return false
		}
	}

	if err := bw.source.Commit(ctx, batch...); err != nil {
		bw.log.WithError(err).Error("Failed to commit offsets")
	}

	bw.log.WithFields(logrus.Fields{
		"messages": len(batch),
		"stored":   stored,
	}).Info("Flushed batch to raw store")
	return true
}

func (bw *BatchWriter) storeEach(ctx context.Context, records []*protocol.QueuedMeasurement) int {
	stored := 0
	for _, q := range records {
		n, err := bw.sink.IngestBatch(ctx, []*protocol.QueuedMeasurement{q})
		if err != nil {
			if ctx.Err() != nil {
				return stored
			}
			bw.log.WithError(err).WithFields(logrus.Fields{
				"probe_id":  q.Record.ProbeID,
				"target_id": q.Record.TargetID,
			}).Error("Dropping measurement that cannot be stored")
			continue
		}
		stored += n
	}
	return stored
}

func drain(in <-chan kafka.Message, batch []kafka.Message, limit int) []kafka.Message {
	for len(batch) < limit {
		select {
		case msg := <-in:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}
