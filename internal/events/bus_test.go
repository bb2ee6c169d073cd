package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, dispose := bus.Subscribe("topic-a")
	defer dispose()

	bus.Publish("topic-a", "first", 1)
	bus.Publish("topic-a", "second", 2)

	msg := <-ch
	assert.Equal(t, "first", msg.Type)
	assert.Equal(t, 1, msg.Payload)
	msg = <-ch
	assert.Equal(t, "second", msg.Type)
}

func TestBusTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	chA, disposeA := bus.Subscribe("topic-a")
	defer disposeA()
	_, disposeB := bus.Subscribe("topic-b")
	defer disposeB()

	bus.Publish("topic-b", "only-b", nil)

	select {
	case msg := <-chA:
		t.Fatalf("topic-a received %q", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusDisposeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, dispose := bus.Subscribe("topic")
	dispose()

	// The channel is closed by dispose.
	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.SubscriberCount("topic"))

	// Publishing to a topic with no subscribers is a no-op.
	bus.Publish("topic", "noop", nil)
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, dispose := bus.Subscribe("topic")
	defer dispose()

	done := make(chan struct{})
	go func() {
		// Well past the subscriber buffer without anyone reading.
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish("topic", "flood", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusTopicHelpers(t *testing.T) {
	assert.Equal(t, "cell-status:w1", CellStatusTopic("w1"))
	assert.Equal(t, "cell-timing:c1", CellTimingTopic("c1"))
	assert.Equal(t, "service:c1", ServiceTopic("c1"))
	assert.Equal(t, "terminal:s1", TerminalTopic("s1"))
}

func TestBusCloseClosesAllChannels(t *testing.T) {
	bus := NewBus()
	ch1, _ := bus.Subscribe("a")
	ch2, _ := bus.Subscribe("b")

	bus.Close()

	_, open := <-ch1
	require.False(t, open)
	_, open = <-ch2
	require.False(t, open)
}
