package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

// EventPublisher publishes incident lifecycle events to the incidents topic
type EventPublisher struct {
	writer MessageWriter
}

func NewEventPublisher(writer MessageWriter) *EventPublisher {
	return &EventPublisher{writer: writer}
}

// NotifyIncident encodes and publishes one event, keyed by incident
func (p *EventPublisher) NotifyIncident(ctx context.Context, ev *protocol.IncidentEvent) error {
	data, err := protocol.EncodeIncidentEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to encode incident event: %w", err)
	}
	return p.writer.Publish(ctx, IncidentKey(ev.IncidentID), data)
}

// EventHandler reacts to one incident event
type EventHandler interface {
	HandleIncidentEvent(ctx context.Context, ev *protocol.IncidentEvent) error
}

// EventConsumer feeds incident events from the incidents topic to a handler.
// A message whose handler fails is not committed and is retried after a
// delay; undecodable messages are committed and skipped.
type EventConsumer struct {
	source     MessageSource
	handler    EventHandler
	retryDelay time.Duration
	log        *logrus.Entry
}

func NewEventConsumer(source MessageSource, handler EventHandler, log *logrus.Entry) *EventConsumer {
	return &EventConsumer{
		source:     source,
		handler:    handler,
		retryDelay: 5 * time.Second,
		log:        log,
	}
}

// Run consumes until ctx is done
func (c *EventConsumer) Run(ctx context.Context) {
	for {
		msg, err := c.source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Warn("Failed to consume incident event")
			if !c.wait(ctx) {
				return
			}
			continue
		}

		ev, err := protocol.DecodeIncidentEvent(msg.Value)
		if err != nil {
			c.log.WithError(err).WithField("offset", msg.Offset).Warn("Skipping malformed incident event")
			c.commit(ctx, msg)
			continue
		}

		for {
			err := c.handler.HandleIncidentEvent(ctx, ev)
			if err == nil {
				break
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"event_id":    ev.EventID,
				"incident_id": ev.IncidentID,
			}).Error("Failed to handle incident event, retrying")
			if !c.wait(ctx) {
				return
			}
		}
		c.commit(ctx, msg)
	}
}

func (c *EventConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.source.Commit(ctx, msg); err != nil {
		c.log.WithError(err).Warn("Failed to commit incident event offset")
	}
}

func (c *EventConsumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}
