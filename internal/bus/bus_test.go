package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	ev := NewEvent(TypeNewAlert, map[string]interface{}{"alert_id": int64(7)})
	require.NoError(t, b.Publish(context.Background(), ev))

	got1 := <-ch1
	got2 := <-ch2
	assert.Equal(t, ev.ID, got1.ID)
	assert.Equal(t, ev.ID, got2.ID)
	assert.Equal(t, TypeNewAlert, got1.Type)
	assert.NotEmpty(t, got1.ID)
	assert.False(t, got1.Timestamp.IsZero())
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ch, cancel := b.Subscribe()
	defer cancel()

	total := subscriberQueueLen + 10
	for i := 0; i < total; i++ {
		ev := NewEvent(TypeIngest, map[string]interface{}{"seq": i})
		require.NoError(t, b.Publish(context.Background(), ev))
	}

	// The queue holds the newest subscriberQueueLen events; the oldest ten
	// were evicted.
	first := <-ch
	assert.Equal(t, 10, first.Payload["seq"])

	var last *Event
	for i := 0; i < subscriberQueueLen-1; i++ {
		last = <-ch
	}
	assert.Equal(t, total-1, last.Payload["seq"])
	assert.Empty(t, ch)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	require.NoError(t, b.Publish(context.Background(), NewEvent(TypeIngest, nil)))
}

func TestCloseShutsDownSubscribers(t *testing.T) {
	b := NewLocalBus(nil)
	ch, cancel := b.Subscribe()
	defer cancel()

	require.NoError(t, b.Close())
	_, open := <-ch
	assert.False(t, open)

	// Publish and Subscribe after Close degrade gracefully.
	require.NoError(t, b.Publish(context.Background(), NewEvent(TypeIngest, nil)))
	dead, cancel2 := b.Subscribe()
	defer cancel2()
	_, open = <-dead
	assert.False(t, open)
}

func TestPublisherNeverBlocks(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	_, cancel := b.Subscribe()
	defer cancel()

	// Far beyond any queue capacity with nobody draining.
	for i := 0; i < subscriberQueueLen*4; i++ {
		require.NoError(t, b.Publish(context.Background(),
			NewEvent(TypeAgentStatus, map[string]interface{}{"device_id": fmt.Sprintf("dev-%d", i)})))
	}
}
