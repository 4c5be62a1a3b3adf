package fanout

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keslleykledston/24-Monitoramento/internal/protocol"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRedisPublisher_DeliversToSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	sub := client.Subscribe(ctx, "measurements")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	rtt := 12.5
	pub := NewRedisPublisher(client, "measurements")
	require.NoError(t, pub.Publish(ctx, &protocol.LiveMeasurement{
		TargetID:   3,
		ProbeID:    1,
		LocationID: 2,
		Up:         true,
		RTTMs:      &rtt,
		Timestamp:  "2026-03-01T10:00:00Z",
	}))

	select {
	case msg := <-sub.Channel():
		live, err := protocol.DecodeLiveMeasurement([]byte(msg.Payload))
		require.NoError(t, err)
		assert.Equal(t, int64(3), live.TargetID)
		assert.Equal(t, int64(2), live.LocationID)
		assert.Equal(t, 12.5, *live.RTTMs)
		assert.Equal(t, "2026-03-01T10:00:00Z", live.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

type blockingPublisher struct {
	mu      sync.Mutex
	gate    chan struct{}
	got     []int64
	started chan struct{}
	once    sync.Once
}

func (b *blockingPublisher) Publish(_ context.Context, msg *protocol.LiveMeasurement) error {
	b.once.Do(func() { close(b.started) })
	<-b.gate
	b.mu.Lock()
	b.got = append(b.got, msg.ProbeID)
	b.mu.Unlock()
	return nil
}

func (b *blockingPublisher) Close() error { return nil }

func TestAsync_NeverBlocksAndDropsWhenFull(t *testing.T) {
	next := &blockingPublisher{gate: make(chan struct{}), started: make(chan struct{})}
	a := NewAsync(next, 2, quietLogger())

	// first message is picked up by the sender and parks on the gate
	require.NoError(t, a.Publish(context.Background(), &protocol.LiveMeasurement{ProbeID: 1}))
	<-next.started

	done := make(chan struct{})
	go func() {
		for i := int64(2); i <= 6; i++ {
			a.Publish(context.Background(), &protocol.LiveMeasurement{ProbeID: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.Equal(t, int64(3), a.Dropped())

	close(next.gate)
	require.NoError(t, a.Close())

	next.mu.Lock()
	defer next.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, next.got)
}
