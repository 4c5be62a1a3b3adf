// Package fanout publishes ingested measurements to live-view subscribers.
// Delivery is at-most-once; a publish failure never reaches the ingest path.
package fanout

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

// Publisher delivers one live measurement to subscribers
type Publisher interface {
	Publish(ctx context.Context, msg *protocol.LiveMeasurement) error
	Close() error
}

// RedisPublisher publishes on a Redis pub/sub channel
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, msg *protocol.LiveMeasurement) error {
	data, err := protocol.EncodeLiveMeasurement(msg)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to redis channel %s: %w", p.channel, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NATSPublisher publishes on a NATS subject
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to NATS at url
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("monitoring-fanout"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, msg *protocol.LiveMeasurement) error {
	data, err := protocol.EncodeLiveMeasurement(msg)
	if err != nil {
		return err
	}
	return p.conn.Publish(p.subject, data)
}

func (p *NATSPublisher) Close() error {
	if p.conn != nil {
		p.conn.Drain()
		p.conn.Close()
	}
	return nil
}

// Noop discards every message
type Noop struct{}

func (Noop) Publish(context.Context, *protocol.LiveMeasurement) error { return nil }
func (Noop) Close() error                                             { return nil }

// Async hands messages to a background goroutine through a bounded buffer.
// When the buffer is full the message is dropped, so Publish never blocks.
type Async struct {
	next    Publisher
	queue   chan *protocol.LiveMeasurement
	done    chan struct{}
	dropped atomic.Int64
	log     *logrus.Entry
}

// NewAsync wraps next with a buffer of the given size and starts the sender
func NewAsync(next Publisher, buffer int, log *logrus.Entry) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		next:  next,
		queue: make(chan *protocol.LiveMeasurement, buffer),
		done:  make(chan struct{}),
		log:   log,
	}
	go a.loop()
	return a
}

func (a *Async) Publish(_ context.Context, msg *protocol.LiveMeasurement) error {
	select {
	case a.queue <- msg:
	default:
		if n := a.dropped.Add(1); n%1000 == 1 {
			a.log.WithField("dropped_total", n).Warn("Fan-out buffer full, dropping live measurements")
		}
	}
	return nil
}

// Dropped returns how many messages were discarded because the buffer was full
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close drains the buffer and closes the wrapped publisher. Publish must not
// be called after Close.
func (a *Async) Close() error {
	close(a.queue)
	<-a.done
	return a.next.Close()
}

func (a *Async) loop() {
	defer close(a.done)

	for msg := range a.queue {
		if err := a.next.Publish(context.Background(), msg); err != nil {
			a.log.WithError(err).WithFields(logrus.Fields{
				"probe_id":  msg.ProbeID,
				"target_id": msg.TargetID,
			}).Debug("Fan-out publish failed")
		}
	}
}
